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
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/ctindex/ct/internal/genindex"
	"github.com/ctindex/ct/internal/model"
)

// Filters narrows a find() result set after resolution.
type Filters struct {
	Kind          model.Kind // empty = any
	Visibility    model.Visibility
	Unimplemented bool // -u
	Todo          bool // -t
}

func (f Filters) accepts(hs *genindex.HotSymbol) bool {
	if f.Kind != "" && hs.Kind != f.Kind {
		return false
	}
	if f.Visibility != "" && hs.Visibility != f.Visibility {
		return false
	}
	if f.Unimplemented && hs.Status != model.StatusUnimplemented {
		return false
	}
	if f.Todo && hs.Status != model.StatusTodo {
		return false
	}
	return true
}

// PrefixCeiling bounds stage-3 prefix candidates.
const PrefixCeiling = 2000

// Find resolves q against gen through the four staged resolution
// passes and returns the filtered, stably ordered result.
// contextPath is the current-path context from the interactive shell,
// or empty if none.
func Find(gen *genindex.Generation, q, contextPath string, filters Filters) []Candidate {
	seen := make(map[string]bool)
	var cands []Candidate

	add := func(hs *genindex.HotSymbol, stage int) {
		if seen[hs.SymbolID] {
			return
		}
		if !filters.accepts(hs) {
			return
		}
		seen[hs.SymbolID] = true
		cands = append(cands, Candidate{Symbol: hs, Stage: stage})
	}

	// Stage 1: exact match, context-local.
	if contextPath != "" {
		joined := contextPath + "." + q
		for _, hs := range gen.ByExactPath(joined) {
			add(hs, 0)
		}
		if strings.HasPrefix(q, contextPath+".") {
			for _, hs := range gen.ByExactPath(q) {
				add(hs, 0)
			}
		}
	}

	// Stage 2: exact match, global: canonical_path == q, or
	// lowercased name == lowercased q.
	for _, hs := range gen.ByExactPath(q) {
		add(hs, 1)
	}
	for _, hs := range gen.ByExactName(strings.ToLower(q)) {
		add(hs, 1)
	}

	// Stage 3: prefix match on lowercased name, bounded by ceiling.
	prefixed := gen.ByNamePrefix(strings.ToLower(q), PrefixCeiling)
	for _, hs := range prefixed {
		add(hs, 2)
	}

	// Stage 4: fuzzy match over the bounded candidate set, only when
	// the generation's memory footprint permits it. The prefix
	// candidates from stage 3 are scored first, then the generation's
	// bounded fuzzy-candidate cache; nothing outside those two sets is
	// ever fuzzy-scored.
	if !gen.FuzzyDisabled() {
		prefixNames := make([]string, len(prefixed))
		for i, hs := range prefixed {
			prefixNames[i] = hs.NameLower
		}
		for _, m := range fuzzy.Find(strings.ToLower(q), prefixNames) {
			add(prefixed[m.Index], 3)
		}

		cacheNames, cacheSyms := gen.FuzzyCandidates()
		for _, m := range fuzzy.Find(strings.ToLower(q), cacheNames) {
			add(cacheSyms[m.Index], 3)
		}
	}

	SortStable(cands, func(unitID int64) bool {
		u, ok := gen.UnitByID(unitID)
		return ok && u.External
	})
	return cands
}
