// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com

package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOwnerOfLongestPrefixMatch(t *testing.T) {
	dirA := t.TempDir()
	dirB := filepath.Join(dirA, "nested")
	if err := os.MkdirAll(dirB, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	w, err := New([]Member{{Name: "outer", Root: dirA}, {Name: "inner", Root: dirB}}, 0, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if got := w.ownerOf(filepath.Join(dirB, "file.rs")); got != "inner" {
		t.Errorf("ownerOf nested path = %q, want inner", got)
	}
	if got := w.ownerOf(filepath.Join(dirA, "file.rs")); got != "outer" {
		t.Errorf("ownerOf outer path = %q, want outer", got)
	}
	if got := w.ownerOf("/completely/unrelated/path"); got != "" {
		t.Errorf("ownerOf unrelated path = %q, want empty", got)
	}
}

func TestRecordAndFlushEnqueuesOneJobPerUnit(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]Member{{Name: "unit_a", Root: dir}}, 10*time.Millisecond, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	w.record(filepath.Join(dir, "a.rs"))
	w.record(filepath.Join(dir, "b.rs"))
	w.flush()

	select {
	case job := <-w.Jobs:
		if job.UnitName != "unit_a" {
			t.Errorf("job.UnitName = %q, want unit_a", job.UnitName)
		}
		if len(job.Paths) != 2 {
			t.Errorf("expected 2 changed paths, got %d", len(job.Paths))
		}
	default:
		t.Fatal("expected a job on the Jobs channel")
	}
}

func TestFlushDropsWhenBacklogFull(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]Member{{Name: "unit_a", Root: dir}, {Name: "unit_b", Root: filepath.Join(dir, "b")}}, 0, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	// Fill the Jobs channel to capacity so the next flush must drop.
	for i := 0; i < cap(w.Jobs); i++ {
		w.Jobs <- Job{UnitName: "filler"}
	}

	w.record(filepath.Join(dir, "a.rs"))
	w.flush()

	if w.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", w.Dropped())
	}
}
