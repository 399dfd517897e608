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

package query

import (
	"path/filepath"
	"testing"

	"github.com/ctindex/ct/internal/catalog"
	"github.com/ctindex/ct/internal/genindex"
	"github.com/ctindex/ct/internal/model"
)

func buildTestGeneration(t *testing.T) *genindex.Generation {
	t.Helper()
	dir := t.TempDir()
	side, err := catalog.PrepareSide(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("PrepareSide: %v", err)
	}

	unitID, err := side.InsertUnit(model.Unit{Name: "unit_a", Version: "0.1.0", Fingerprint: "f1", Root: dir})
	if err != nil {
		t.Fatalf("InsertUnit: %v", err)
	}
	fileID, err := side.InsertFile(model.File{UnitID: unitID, Path: "lib.rs", Digest: "d1"})
	if err != nil {
		t.Fatalf("InsertFile: %v", err)
	}

	symbols := []model.Symbol{
		{SymbolID: "s1", UnitID: unitID, FileID: fileID, CanonicalPath: "unit_a.run", Name: "run", Kind: model.KindFn, Visibility: model.VisPublic, Status: model.StatusImplemented, SpanStart: 1, SpanEnd: 3},
		{SymbolID: "s2", UnitID: unitID, FileID: fileID, CanonicalPath: "unit_a.runner", Name: "runner", Kind: model.KindFn, Visibility: model.VisPublic, Status: model.StatusTodo, SpanStart: 5, SpanEnd: 7},
		{SymbolID: "s3", UnitID: unitID, FileID: fileID, CanonicalPath: "unit_a.helpers.Run", Name: "Run", Kind: model.KindStruct, Visibility: model.VisPrivate, Status: model.StatusUnimplemented, SpanStart: 9, SpanEnd: 12},
	}
	for _, s := range symbols {
		if err := side.InsertSymbol(s); err != nil {
			t.Fatalf("InsertSymbol: %v", err)
		}
	}

	gen, err := genindex.Build(side, 512)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return gen
}

func TestFindExactNameCaseInsensitive(t *testing.T) {
	gen := buildTestGeneration(t)
	cands := Find(gen, "RUN", "", Filters{})
	if len(cands) == 0 {
		t.Fatal("expected at least one match for RUN")
	}
	var sawExact bool
	for _, c := range cands {
		if c.Symbol.CanonicalPath == "unit_a.run" && c.Stage == 1 {
			sawExact = true
		}
	}
	if !sawExact {
		t.Errorf("expected exact-name stage match for unit_a.run, got %+v", cands)
	}
}

func TestFindPrefixMatch(t *testing.T) {
	gen := buildTestGeneration(t)
	cands := Find(gen, "run", "", Filters{})
	names := map[string]bool{}
	for _, c := range cands {
		names[c.Symbol.CanonicalPath] = true
	}
	if !names["unit_a.run"] || !names["unit_a.runner"] {
		t.Errorf("expected both run and runner via prefix, got %+v", names)
	}
}

func TestFindFiltersByStatus(t *testing.T) {
	gen := buildTestGeneration(t)
	cands := Find(gen, "run", "", Filters{Todo: true})
	for _, c := range cands {
		if c.Symbol.Status != model.StatusTodo {
			t.Errorf("expected only todo symbols, got %+v", c.Symbol)
		}
	}
	if len(cands) != 1 {
		t.Fatalf("expected exactly 1 todo match, got %d", len(cands))
	}
}

func TestFindStableOrderPublicBeforePrivate(t *testing.T) {
	gen := buildTestGeneration(t)
	cands := Find(gen, "run", "", Filters{})
	sawPrivateBeforePublic := false
	sawPublic := false
	for _, c := range cands {
		if c.Symbol.Visibility == model.VisPublic {
			sawPublic = true
		}
		if c.Symbol.Visibility == model.VisPrivate && !sawPublic {
			sawPrivateBeforePublic = true
		}
	}
	if sawPrivateBeforePublic {
		t.Error("private symbol ordered before a public one within the same stage")
	}
}

func TestStatusAggregatesCounts(t *testing.T) {
	gen := buildTestGeneration(t)
	res := Status(gen, StatusFilters{}, 0)
	if res.Implemented != 1 || res.Todo != 1 || res.Unimplemented != 1 {
		t.Errorf("unexpected counts: %+v", res)
	}
	if len(res.Entries) != 3 {
		t.Errorf("expected 3 entries, got %d", len(res.Entries))
	}
}

func TestResolveOneExactAndNotFound(t *testing.T) {
	gen := buildTestGeneration(t)
	if _, err := ResolveOne(gen, "unit_a.run", ""); err != nil {
		t.Errorf("expected exact path resolution to succeed: %v", err)
	}
	if _, err := ResolveOne(gen, "nonexistent", ""); err == nil {
		t.Error("expected not-found error")
	}
}
