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

package classify

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ctindex/ct/internal/model"
)

func TestClassifyText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want model.Status
	}{
		{"implemented", "fn run() -> bool {\n    true\n}\n", model.StatusImplemented},
		{"unimplemented macro", "fn run() -> bool {\n    unimplemented!()\n}\n", model.StatusUnimplemented},
		{"todo macro", "fn run() -> bool {\n    todo!()\n}\n", model.StatusTodo},
		{"todo comment", "fn run() -> bool {\n    // TODO: handle edge case\n    true\n}\n", model.StatusTodo},
		{"fixme comment", "fn run() -> bool {\n    // FIXME this is wrong\n    true\n}\n", model.StatusTodo},
		{"word boundary not matched", "fn run() -> bool {\n    // this TODOING is fine\n    true\n}\n", model.StatusImplemented},
		{"unimplemented wins over todo", "fn run() {\n    // TODO\n    unimplemented!()\n}\n", model.StatusUnimplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyText(tt.text); got != tt.want {
				t.Errorf("ClassifyText(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestClassifyReadsExactSpan(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lib.rs")
	content := "fn before() {}\nfn target() {\n    unimplemented!()\n}\nfn after() {\n    // TODO\n}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// target() spans lines 2-4.
	status, err := Classify(path, 2, 4)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if status != model.StatusUnimplemented {
		t.Errorf("status = %q, want unimplemented", status)
	}

	// after() spans lines 5-7; must not see target()'s unimplemented!().
	status, err = Classify(path, 5, 7)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if status != model.StatusTodo {
		t.Errorf("status = %q, want todo", status)
	}
}
