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

package genindex

import (
	"path/filepath"
	"testing"

	"github.com/ctindex/ct/internal/catalog"
	"github.com/ctindex/ct/internal/model"
)

func buildGenWithOneSymbol(t *testing.T, path string, canonicalPath string) (*catalog.Store, *Generation) {
	t.Helper()
	side, err := catalog.PrepareSide(path)
	if err != nil {
		t.Fatalf("PrepareSide: %v", err)
	}
	unitID, _ := side.InsertUnit(model.Unit{Name: "core", Fingerprint: "f", Root: "/ws/core"})
	fileID, _ := side.InsertFile(model.File{UnitID: unitID, Path: "/ws/core/a.rs", Digest: "h"})
	_ = side.InsertSymbol(model.Symbol{
		SymbolID: canonicalPath, UnitID: unitID, FileID: fileID,
		CanonicalPath: canonicalPath, Name: "State", Kind: model.KindStruct,
		Visibility: model.VisPublic, Signature: "struct State", Status: model.StatusImplemented,
		SpanStart: 1, SpanEnd: 2, DefHash: "d",
	})
	if err := catalog.CommitSide(side, path); err != nil {
		t.Fatalf("CommitSide: %v", err)
	}
	store, err := catalog.OpenRead(path)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	gen, err := Build(store, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return store, gen
}

func TestSnapshotSurvivesSwapMidRequest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "symbols.sqlite")
	_, gen1 := buildGenWithOneSymbol(t, path, "core.A")

	pool := NewPool(gen1)
	snap := pool.Acquire()
	defer snap.Release()

	path2 := filepath.Join(dir, "symbols2.sqlite")
	_, gen2 := buildGenWithOneSymbol(t, path2, "core.B")
	pool.Swap(gen2)

	// The in-flight snapshot must still see gen1's data.
	if got := snap.Generation().ByExactPath("core.A"); len(got) != 1 {
		t.Fatalf("snapshot lost visibility into its own generation: got %d matches", len(got))
	}

	newSnap := pool.Acquire()
	defer newSnap.Release()
	if got := newSnap.Generation().ByExactPath("core.B"); len(got) != 1 {
		t.Fatalf("new snapshot did not see swapped generation: got %d matches", len(got))
	}
}

func TestByNamePrefixIsBoundedByCeiling(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "symbols.sqlite")
	side, err := catalog.PrepareSide(path)
	if err != nil {
		t.Fatalf("PrepareSide: %v", err)
	}
	unitID, _ := side.InsertUnit(model.Unit{Name: "core", Fingerprint: "f", Root: "/ws/core"})
	fileID, _ := side.InsertFile(model.File{UnitID: unitID, Path: "/ws/core/a.rs", Digest: "h"})
	for i := 0; i < 10; i++ {
		_ = side.InsertSymbol(model.Symbol{
			SymbolID: string(rune('a' + i)), UnitID: unitID, FileID: fileID,
			CanonicalPath: "core.Item" + string(rune('A'+i)), Name: "Item" + string(rune('A'+i)),
			Kind: model.KindStruct, Visibility: model.VisPublic, Signature: "struct Item",
			Status: model.StatusImplemented, SpanStart: i + 1, SpanEnd: i + 2, DefHash: "d",
		})
	}
	if err := catalog.CommitSide(side, path); err != nil {
		t.Fatalf("CommitSide: %v", err)
	}
	store, err := catalog.OpenRead(path)
	if err != nil {
		t.Fatalf("OpenRead: %v", err)
	}
	defer store.Close()
	gen, err := Build(store, 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := gen.ByNamePrefix("item", 3)
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
}
