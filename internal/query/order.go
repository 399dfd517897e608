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

// Package query implements the find/doc/ls/status/diag resolution
// engine: staged name resolution over the in-memory generation,
// filtering, and the one stable total order shared by every
// list-shaped output.
package query

import (
	"sort"

	"github.com/ctindex/ct/internal/genindex"
)

// Candidate pairs a resolved hot symbol with the resolution stage that
// produced it, the input to the stable total order
type Candidate struct {
	Symbol *genindex.HotSymbol
	Stage  int // 0 = context-local exact, 1 = global exact, 2 = prefix, 3 = fuzzy
}

// SortStable orders candidates by the stable total order:
// stage rank ascending -> public before private -> workspace-member
// unit before external -> shorter canonical_path -> smaller
// span_start -> lexicographically smaller symbol_id.
func SortStable(cands []Candidate, externalOf func(unitID int64) bool) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		aPub := a.Symbol.Visibility == "public"
		bPub := b.Symbol.Visibility == "public"
		if aPub != bPub {
			return aPub
		}
		aExt := externalOf(a.Symbol.UnitID)
		bExt := externalOf(b.Symbol.UnitID)
		if aExt != bExt {
			return !aExt
		}
		if len(a.Symbol.CanonicalPath) != len(b.Symbol.CanonicalPath) {
			return len(a.Symbol.CanonicalPath) < len(b.Symbol.CanonicalPath)
		}
		if a.Symbol.SpanStart != b.Symbol.SpanStart {
			return a.Symbol.SpanStart < b.Symbol.SpanStart
		}
		return a.Symbol.SymbolID < b.Symbol.SymbolID
	})
}
