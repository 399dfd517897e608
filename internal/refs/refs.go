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

// Package refs implements the sparse reference extractor: a
// best-effort, bounded-per-symbol scan that records edges from a
// symbol's body to the other canonical paths it mentions, powering the
// expansion planner's best-effort parent contexts (internal/expand).
//
// Extraction is two-pass: index candidate targets first, then scan
// bodies for mentions. Matching runs against the catalog's
// canonical_path namespace directly, since the source units here are
// opaque to us beyond the extractor's structured
// output.
package refs

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ctindex/ct/internal/model"
)

// identPattern matches a dotted identifier path a symbol's body might
// reference, e.g. "unit_a.module.Type" or a bare "Type".
var identPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*`)

// Extractor scans symbol bodies for mentions of other known canonical
// paths and emits sparse Reference rows, capped per from-symbol.
type Extractor struct {
	ceiling int
	// knownPaths indexes every candidate target's terminal identifier
	// to the full canonical paths it could refer to, so a bare mention
	// like "Run" resolves to whichever known symbols end in ".Run".
	knownPaths map[string][]string
}

// NewExtractor builds an Extractor. allPaths is every canonical_path
// present in the unit(s) being ingested (or the whole workspace, for
// cross-unit references); ceiling bounds references recorded per
// from_symbol_id.
func NewExtractor(allPaths []string, ceiling int) *Extractor {
	e := &Extractor{ceiling: ceiling, knownPaths: make(map[string][]string)}
	for _, p := range allPaths {
		term := p
		if idx := strings.LastIndex(p, "."); idx >= 0 {
			term = p[idx+1:]
		}
		e.knownPaths[term] = append(e.knownPaths[term], p)
		e.knownPaths[p] = append(e.knownPaths[p], p)
	}
	return e
}

// Extract scans one symbol's body text and returns its sparse
// reference edges, in source order, capped at e.ceiling. fromSymbolID,
// fileID and the body's own span anchor every emitted row; each row
// carries the whole body's span, not the line of the mention itself.
func Extract(selfPath string, fromSymbolID string, fileID int64, bodySpanStart, bodySpanEnd int, body string, e *Extractor) []model.Reference {
	if e.ceiling <= 0 {
		return nil
	}

	seen := make(map[string]bool)
	var out []model.Reference
	for _, m := range identPattern.FindAllString(body, -1) {
		if len(out) >= e.ceiling {
			break
		}
		targets := e.knownPaths[m]
		if len(targets) == 0 {
			continue
		}
		for _, target := range targets {
			if target == selfPath || seen[target] {
				continue
			}
			seen[target] = true
			out = append(out, model.Reference{
				FromSymbolID: fromSymbolID,
				TargetPath:   target,
				FileID:       fileID,
				SpanStart:    bodySpanStart,
				SpanEnd:      bodySpanEnd,
			})
			if len(out) >= e.ceiling {
				break
			}
		}
	}
	return out
}

// Index builds a reverse lookup from a target canonical_path to the
// symbol_ids that reference it, used by internal/expand to compute
// best-effort parent sets ("entries
// from the reference table whose from_symbol lies in a symbol whose
// body references the current symbol").
type Index struct {
	byTarget map[string][]string
}

// BuildIndex groups refs by target_path. Within each group,
// from_symbol_id is sorted ascending to give a deterministic order;
// internal/expand applies the stable total order when
// resolving these ids to full rows.
func BuildIndex(allRefs []model.Reference) *Index {
	idx := &Index{byTarget: make(map[string][]string)}
	seen := make(map[string]map[string]bool)
	for _, r := range allRefs {
		if seen[r.TargetPath] == nil {
			seen[r.TargetPath] = make(map[string]bool)
		}
		if seen[r.TargetPath][r.FromSymbolID] {
			continue
		}
		seen[r.TargetPath][r.FromSymbolID] = true
		idx.byTarget[r.TargetPath] = append(idx.byTarget[r.TargetPath], r.FromSymbolID)
	}
	for _, ids := range idx.byTarget {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return idx
}

// ReferencingSymbols returns the symbol_ids whose bodies reference
// targetPath, i.e. candidate best-effort parents of targetPath.
func (idx *Index) ReferencingSymbols(targetPath string) []string {
	return idx.byTarget[targetPath]
}
