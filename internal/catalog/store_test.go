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

package catalog

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ctindex/ct/internal/model"
)

func newSideForTest(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	livePath := filepath.Join(dir, "symbols.sqlite")
	side, err := PrepareSide(livePath)
	if err != nil {
		t.Fatalf("PrepareSide: %v", err)
	}
	return side, livePath
}

func TestPrepareCommitOpenRoundTrip(t *testing.T) {
	side, livePath := newSideForTest(t)

	unitID, err := side.InsertUnit(model.Unit{Name: "core", Fingerprint: "abc", Root: "/ws/core"})
	if err != nil {
		t.Fatalf("InsertUnit: %v", err)
	}
	fileID, err := side.InsertFile(model.File{UnitID: unitID, Path: "/ws/core/util.rs", Digest: "deadbeef"})
	if err != nil {
		t.Fatalf("InsertFile: %v", err)
	}
	sym := model.Symbol{
		SymbolID:      "sym1",
		UnitID:        unitID,
		FileID:        fileID,
		CanonicalPath: "core.util.State",
		Name:          "State",
		Kind:          model.KindStruct,
		Visibility:    model.VisPublic,
		Signature:     "struct State",
		Status:        model.StatusImplemented,
		SpanStart:     10,
		SpanEnd:       20,
		DefHash:       "defhash1",
	}
	if err := side.InsertSymbol(sym); err != nil {
		t.Fatalf("InsertSymbol: %v", err)
	}

	if err := CommitSide(side, livePath); err != nil {
		t.Fatalf("CommitSide: %v", err)
	}

	store, err := OpenRead(livePath)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	defer store.Close()

	got, err := store.ReadSymbol("sym1")
	if err != nil {
		t.Fatalf("ReadSymbol: %v", err)
	}
	if got.CanonicalPath != "core.util.State" {
		t.Errorf("CanonicalPath = %q, want core.util.State", got.CanonicalPath)
	}
	if got.Kind != model.KindStruct {
		t.Errorf("Kind = %q, want struct", got.Kind)
	}
}

func TestOpenReadMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := OpenRead(filepath.Join(dir, "nope.sqlite")); err == nil {
		t.Fatal("expected error opening nonexistent store")
	}
}

func TestQueryByNameIsCaseInsensitive(t *testing.T) {
	side, livePath := newSideForTest(t)
	unitID, _ := side.InsertUnit(model.Unit{Name: "core", Fingerprint: "f", Root: "/ws/core"})
	fileID, _ := side.InsertFile(model.File{UnitID: unitID, Path: "/ws/core/a.rs", Digest: "h"})
	_ = side.InsertSymbol(model.Symbol{
		SymbolID: "s1", UnitID: unitID, FileID: fileID,
		CanonicalPath: "core.State", Name: "State", Kind: model.KindStruct,
		Visibility: model.VisPublic, Signature: "struct State", Status: model.StatusImplemented,
		SpanStart: 1, SpanEnd: 2, DefHash: "d",
	})
	if err := CommitSide(side, livePath); err != nil {
		t.Fatalf("CommitSide: %v", err)
	}

	store, err := OpenRead(livePath)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	defer store.Close()

	rows, err := store.QueryByName("state")
	if err != nil {
		t.Fatalf("QueryByName: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
}

func TestCrashBetweenFsyncAndRenameLeavesOldGenerationIntact(t *testing.T) {
	dir := t.TempDir()
	livePath := filepath.Join(dir, "symbols.sqlite")

	first, err := PrepareSide(livePath)
	if err != nil {
		t.Fatalf("PrepareSide: %v", err)
	}
	unitID, _ := first.InsertUnit(model.Unit{Name: "core", Fingerprint: "f1", Root: "/ws/core"})
	fileID, _ := first.InsertFile(model.File{UnitID: unitID, Path: "/ws/core/a.rs", Digest: "h1"})
	_ = first.InsertSymbol(model.Symbol{
		SymbolID: "gen1", UnitID: unitID, FileID: fileID,
		CanonicalPath: "core.A", Name: "A", Kind: model.KindStruct,
		Visibility: model.VisPublic, Signature: "struct A", Status: model.StatusImplemented,
		SpanStart: 1, SpanEnd: 2, DefHash: "d1",
	})
	if err := CommitSide(first, livePath); err != nil {
		t.Fatalf("CommitSide: %v", err)
	}

	// Simulate a reindex that builds a second side store but never commits
	// (the process dies between fsync and rename). livePath must still
	// serve the first generation.
	second, err := PrepareSide(livePath)
	if err != nil {
		t.Fatalf("PrepareSide (second): %v", err)
	}
	unitID2, _ := second.InsertUnit(model.Unit{Name: "core", Fingerprint: "f2", Root: "/ws/core"})
	fileID2, _ := second.InsertFile(model.File{UnitID: unitID2, Path: "/ws/core/a.rs", Digest: "h2"})
	_ = second.InsertSymbol(model.Symbol{
		SymbolID: "gen2", UnitID: unitID2, FileID: fileID2,
		CanonicalPath: "core.B", Name: "B", Kind: model.KindStruct,
		Visibility: model.VisPublic, Signature: "struct B", Status: model.StatusImplemented,
		SpanStart: 1, SpanEnd: 2, DefHash: "d2",
	})
	_ = second.Close() // never committed

	store, err := OpenRead(livePath)
	if err != nil {
		t.Fatalf("OpenRead after abandoned side build: %v", err)
	}
	defer store.Close()

	if _, err := store.ReadSymbol("gen1"); err != nil {
		t.Errorf("first generation symbol missing after abandoned reindex: %v", err)
	}
	if _, err := store.ReadSymbol("gen2"); err == nil {
		t.Error("second (uncommitted) generation symbol should not be visible")
	}
}

func TestPrepareSideBusyWhileAnotherWriterHoldsIt(t *testing.T) {
	dir := t.TempDir()
	livePath := filepath.Join(dir, "symbols.sqlite")

	first, err := PrepareSide(livePath)
	if err != nil {
		t.Fatalf("PrepareSide: %v", err)
	}
	defer first.Close()

	if _, err := PrepareSide(livePath); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while a fresh side store exists, got %v", err)
	}
}
