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
	"github.com/ctindex/ct/internal/catalog"
	"github.com/ctindex/ct/internal/ctxerr"
	"github.com/ctindex/ct/internal/genindex"
	"github.com/ctindex/ct/internal/model"
)

// ResolveOne resolves a single path to exactly one symbol using stages
// 1-2 of Find (exact only); used by doc/ls, which operate on one
// already-identified entity rather than a search. Ambiguous or
// missing results are reported as typed errors (ctxerr.Ambiguous,
// ctxerr.NotFound).
func ResolveOne(gen *genindex.Generation, path, contextPath string) (*genindex.HotSymbol, error) {
	cands := Find(gen, path, contextPath, Filters{})
	var exact []Candidate
	for _, c := range cands {
		if c.Stage <= 1 {
			exact = append(exact, c)
		}
	}
	if len(exact) == 0 {
		return nil, ctxerr.New(ctxerr.NotFound, "no symbol matches %q", path)
	}
	if len(exact) > 1 && exact[0].Symbol.CanonicalPath != path {
		return nil, ctxerr.New(ctxerr.Ambiguous, "%q is ambiguous among %d symbols", path, len(exact))
	}
	return exact[0].Symbol, nil
}

// Doc is the resolved result of doc(path, include_docs): the symbol's
// header, normalized signature, and optionally its raw docs.
type Doc struct {
	Symbol *model.Symbol
}

// ResolveDoc fetches the full row for a resolved symbol. Docs are
// populated by the store regardless; callers honoring include_docs=false
// clear Symbol.Docs before serializing the response.
func ResolveDoc(store *catalog.Store, hs *genindex.HotSymbol) (Doc, error) {
	sym, err := lookupFull(store, hs)
	if err != nil {
		return Doc{}, err
	}
	return Doc{Symbol: sym}, nil
}

// LookupFull fetches the full stored row behind a hot symbol, for
// callers outside this package that need signature/docs (e.g. the
// daemon dispatcher rendering ls/export output).
func LookupFull(store *catalog.Store, hs *genindex.HotSymbol) (*model.Symbol, error) {
	return lookupFull(store, hs)
}

func lookupFull(store *catalog.Store, hs *genindex.HotSymbol) (*model.Symbol, error) {
	rows, err := store.QueryByCanonicalPath(hs.CanonicalPath)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].SymbolID == hs.SymbolID {
			return &rows[i], nil
		}
	}
	return nil, ctxerr.New(ctxerr.NotFound, "symbol %s missing from store generation", hs.SymbolID)
}

// StatusFilters narrows status() aggregation.
type StatusFilters struct {
	Kind       model.Kind
	Visibility model.Visibility
	UnitName   string
}

// StatusResult is status(filters)'s aggregate counts plus a bounded
// list of matching entries (default 200).
type StatusResult struct {
	Implemented   int
	Unimplemented int
	Todo          int
	Entries       []*genindex.HotSymbol
	Truncated     bool
}

// Status computes aggregate implementation-status counts over every
// symbol passing filters, plus up to listCap matching entries in the
// stable total order (stage is uniform here, so ordering reduces to
// visibility/externality/path/span/id).
func Status(gen *genindex.Generation, filters StatusFilters, listCap int) StatusResult {
	if listCap <= 0 {
		listCap = 200
	}
	var res StatusResult
	var cands []Candidate
	for _, hs := range gen.All() {
		if filters.Kind != "" && hs.Kind != filters.Kind {
			continue
		}
		if filters.Visibility != "" && hs.Visibility != filters.Visibility {
			continue
		}
		if filters.UnitName != "" {
			u, ok := gen.UnitByID(hs.UnitID)
			if !ok || u.Name != filters.UnitName {
				continue
			}
		}
		switch hs.Status {
		case model.StatusImplemented:
			res.Implemented++
		case model.StatusUnimplemented:
			res.Unimplemented++
		case model.StatusTodo:
			res.Todo++
		}
		cands = append(cands, Candidate{Symbol: hs, Stage: 0})
	}
	SortStable(cands, func(unitID int64) bool {
		u, ok := gen.UnitByID(unitID)
		return ok && u.External
	})
	if len(cands) > listCap {
		res.Truncated = true
		cands = cands[:listCap]
	}
	for _, c := range cands {
		res.Entries = append(res.Entries, c.Symbol)
	}
	return res
}

// Diag is the static snapshot returned by diag().
type Diag struct {
	CatalogPath          string
	SchemaVersion        int
	ToolVersion          string
	ProtocolVersions     []string
	SymbolCount          int
	UnitCount            int
	LastIndexDurationMS  int64
	ExtractorFingerprint string
	FeatureSet           []string
	Target               string
	TransportKind        string
}
