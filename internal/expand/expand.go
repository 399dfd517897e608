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

// Package expand implements the expansion planner: a
// breadth-first walk of child or parent sets under a hard character
// cap, emitting a decision envelope when the next entry would exceed
// it.
//
// Behavior differs per entity kind; a per-Kind child-set function
// table drives dispatch rather than an interface hierarchy.
package expand

import (
	"strings"

	"github.com/ctindex/ct/internal/genindex"
	"github.com/ctindex/ct/internal/model"
	"github.com/ctindex/ct/internal/query"
	"github.com/ctindex/ct/internal/refs"
)

// Direction is one operator in an expansion string.
type Direction int

const (
	DirChildren Direction = iota // '>'
	DirParents                   // '<'
)

// Step is one parsed operator from an expansion string, e.g. ">>>" is
// three Steps of DirChildren.
type Step struct {
	Dir Direction
}

// ParseExpansion parses an expansion operator string.
func ParseExpansion(s string) []Step {
	var steps []Step
	for _, r := range s {
		switch r {
		case '>':
			steps = append(steps, Step{Dir: DirChildren})
		case '<':
			steps = append(steps, Step{Dir: DirParents})
		}
	}
	return steps
}

// Entry is one emitted row of the expansion result, with the BFS level
// at which it was reached.
type Entry struct {
	Symbol *genindex.HotSymbol
	Level  int
}

// DecisionOptions lists what a caller may choose when a decision
// envelope is returned.
type DecisionOptions struct {
	Continue bool
	Abort    bool
	Full     bool
}

// Result is the expansion planner's output: either a complete walk, or
// a decision envelope describing the overflow.
type Result struct {
	Entries    []Entry
	Truncated  bool
	ContentLen int // estimated full size had the walk continued, only set when a cap was hit
	Options    DecisionOptions
}

// Plan runs the breadth-first expansion of root through steps,
// serializing entries one at a time and stopping once the running
// character count (including envelope overhead) would exceed
// maxContextSize. allowFullContext controls whether Options.Full is
// ever offered.
//
// shallow (nilable) marks symbols that must never be deeply expanded:
// a matched symbol is still emitted, but the walk never descends into
// its children, so they contribute nothing to the payload or to
// ContentLen.
func Plan(gen *genindex.Generation, refIdx *refs.Index, root *genindex.HotSymbol, steps []Step, implParents bool, shallow func(*genindex.HotSymbol) bool, maxContextSize int, allowFullContext bool) Result {
	rootLen := entryLen(root)

	var allLevels [][]*genindex.HotSymbol
	frontier := []*genindex.HotSymbol{root}
	visited := map[string]bool{root.SymbolID: true}

	for _, step := range steps {
		var next []*genindex.HotSymbol
		for _, hs := range frontier {
			if step.Dir == DirChildren && shallow != nil && shallow(hs) {
				continue
			}
			var adjacent []*genindex.HotSymbol
			switch step.Dir {
			case DirChildren:
				adjacent = children(gen, hs)
			case DirParents:
				adjacent = parents(gen, refIdx, hs, implParents)
			}
			for _, a := range adjacent {
				if visited[a.SymbolID] {
					continue
				}
				visited[a.SymbolID] = true
				next = append(next, a)
			}
		}
		if len(next) == 0 {
			break
		}
		sortLevel(gen, next)
		allLevels = append(allLevels, next)
		frontier = next
	}

	var res Result
	res.Entries = append(res.Entries, Entry{Symbol: root, Level: 0})
	runningLen := rootLen

	overflowed := false
	var remainingLen int
	for levelIdx, level := range allLevels {
		for _, hs := range level {
			l := entryLen(hs)
			if overflowed {
				remainingLen += l
				continue
			}
			if runningLen+l > maxContextSize {
				overflowed = true
				remainingLen += l
				continue
			}
			runningLen += l
			res.Entries = append(res.Entries, Entry{Symbol: hs, Level: levelIdx + 1})
		}
	}

	if overflowed {
		res.Truncated = true
		res.ContentLen = runningLen + remainingLen
		res.Options = DecisionOptions{Continue: true, Abort: true, Full: allowFullContext}
	}
	return res
}

// entryLen estimates an entry's serialized size: canonical_path plus a
// fixed envelope overhead per row. A precise byte count depends on the
// wire encoding chosen by internal/daemon; this estimate is
// conservative and deterministic across runs.
func entryLen(hs *genindex.HotSymbol) int {
	const envelopeOverhead = 64
	return len(hs.CanonicalPath) + envelopeOverhead
}

// children returns hs's child set per the kind table
func children(gen *genindex.Generation, hs *genindex.HotSymbol) []*genindex.HotSymbol {
	switch hs.Kind {
	case model.KindModule:
		return directChildren(gen, hs.CanonicalPath)
	case model.KindStruct, model.KindEnum:
		return directChildren(gen, hs.CanonicalPath)
	case model.KindTrait:
		return directChildren(gen, hs.CanonicalPath)
	case model.KindImpl:
		return implChildren(gen, hs)
	default:
		return nil
	}
}

// implChildren returns the items defined inside an impl block: symbols
// in the same file whose spans nest strictly inside the impl's span.
func implChildren(gen *genindex.Generation, impl *genindex.HotSymbol) []*genindex.HotSymbol {
	var out []*genindex.HotSymbol
	for _, hs := range gen.All() {
		if hs.SymbolID == impl.SymbolID || hs.FileID != impl.FileID {
			continue
		}
		if hs.SpanStart > impl.SpanStart && hs.SpanEnd <= impl.SpanEnd {
			out = append(out, hs)
		}
	}
	return out
}

// directChildren returns every symbol whose canonical_path is exactly
// one dotted segment below prefix.
func directChildren(gen *genindex.Generation, prefix string) []*genindex.HotSymbol {
	var out []*genindex.HotSymbol
	want := prefix + "."
	for _, hs := range gen.All() {
		if !strings.HasPrefix(hs.CanonicalPath, want) {
			continue
		}
		rest := hs.CanonicalPath[len(want):]
		if strings.Contains(rest, ".") {
			continue
		}
		out = append(out, hs)
	}
	return out
}

// parents returns hs's parent set: the declaring module is always a
// parent; best-effort referencing symbols are included; impl_parents
// additionally ascends one level per step, method -> enclosing impl ->
// (for_path type, trait).
func parents(gen *genindex.Generation, refIdx *refs.Index, hs *genindex.HotSymbol, implParents bool) []*genindex.HotSymbol {
	var out []*genindex.HotSymbol
	if modPath := declaringModule(hs.CanonicalPath); modPath != "" {
		for _, m := range gen.ByExactPath(modPath) {
			out = append(out, m)
		}
	}
	if refIdx != nil {
		for _, fromID := range refIdx.ReferencingSymbols(hs.CanonicalPath) {
			if from, ok := gen.BySymbolID(fromID); ok {
				out = append(out, from)
			}
		}
	}
	if implParents {
		switch hs.Kind {
		case model.KindMethod:
			if impls, err := enclosingImpls(gen, hs); err == nil {
				out = append(out, impls...)
			}
		case model.KindImpl:
			if targets, err := implTargets(gen, hs); err == nil {
				out = append(out, targets...)
			}
		}
	}
	return out
}

// sortLevel orders one BFS level by the same stable total order every
// list output uses, with a uniform stage so ordering reduces to
// visibility, externality, path length, span and id.
func sortLevel(gen *genindex.Generation, level []*genindex.HotSymbol) {
	cands := make([]query.Candidate, len(level))
	for i, hs := range level {
		cands[i] = query.Candidate{Symbol: hs}
	}
	query.SortStable(cands, func(unitID int64) bool {
		u, ok := gen.UnitByID(unitID)
		return ok && u.External
	})
	for i := range cands {
		level[i] = cands[i].Symbol
	}
}

// declaringModule returns the canonical path one dotted segment up
// from path, or "" if path has no parent segment.
func declaringModule(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

// enclosingImpls resolves a method's enclosing impl blocks: the impl
// records for the method's declaring type whose file and span contain
// the method, mapped back to their addressable impl symbol rows.
func enclosingImpls(gen *genindex.Generation, method *genindex.HotSymbol) ([]*genindex.HotSymbol, error) {
	impls, err := gen.Store.ImplsForType(declaringModule(method.CanonicalPath))
	if err != nil {
		return nil, err
	}
	var out []*genindex.HotSymbol
	for _, im := range impls {
		if im.FileID != method.FileID || method.SpanStart < im.LineStart || method.SpanStart > im.LineEnd {
			continue
		}
		for _, hs := range gen.All() {
			if hs.Kind == model.KindImpl && hs.FileID == im.FileID && hs.SpanStart == im.LineStart {
				out = append(out, hs)
			}
		}
	}
	return out, nil
}

// implTargets resolves an impl symbol one level up: the type named in
// its for_path and, when the impl names a trait, the trait definition.
func implTargets(gen *genindex.Generation, impl *genindex.HotSymbol) ([]*genindex.HotSymbol, error) {
	ims, err := gen.Store.ImplAt(impl.FileID, impl.SpanStart)
	if err != nil {
		return nil, err
	}
	var out []*genindex.HotSymbol
	for _, im := range ims {
		out = append(out, gen.ByExactPath(im.ForPath)...)
		if im.TraitPath != "" {
			out = append(out, gen.ByExactPath(im.TraitPath)...)
		}
	}
	return out, nil
}
