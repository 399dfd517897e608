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

// Package genindex holds the per-generation in-memory maps: path → row
// id, lowercased name → row ids, and the reference-counted snapshot
// handle each in-flight request holds so a swap never invalidates a
// request already in progress. The server swaps the current-generation
// pointer atomically; the old generation is dropped when the last
// snapshot is released.
package genindex

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ctindex/ct/internal/catalog"
	"github.com/ctindex/ct/internal/model"
)

// HotSymbol is the subset of a Symbol's fields kept in memory for fast
// resolution. Full rows are fetched from the store on demand.
type HotSymbol struct {
	SymbolID      string
	CanonicalPath string
	Name          string
	NameLower     string
	Kind          model.Kind
	Visibility    model.Visibility
	Status        model.Status
	UnitID        int64
	FileID        int64
	External      bool
	SpanStart     int
	SpanEnd       int
}

// Generation is one consistent, immutable snapshot of the hot maps,
// built once per successful reindex and atomic swap.
type Generation struct {
	Store *catalog.Store

	byPath map[string]*HotSymbol   // canonical_path -> symbol (last writer wins is impossible: callers dedupe by unique path)
	byName map[string][]*HotSymbol // lowercased name -> candidates
	all    []*HotSymbol
	units  map[int64]model.Unit

	// fuzzyDisabled is true when this generation's memory footprint
	// exceeded max_mem_mb at build time; fuzzy candidate construction
	// is skipped for subsequent queries but exact/prefix remain
	// available.
	fuzzyDisabled bool

	// fuzzyNames/fuzzySyms are the bounded fuzzy-candidate cache:
	// parallel slices holding at most fuzzyCandidateCap entries in the
	// generation's deterministic symbol order, so fuzzy scoring never
	// walks an unbounded generation.
	fuzzyNames []string
	fuzzySyms  []*HotSymbol

	refs int64 // atomic: outstanding Snapshot handles
}

// Build constructs a new Generation from every symbol currently in
// store, plus the unit rows referenced.
func Build(store *catalog.Store, maxMemMB int) (*Generation, error) {
	symbols, err := store.AllSymbols()
	if err != nil {
		return nil, err
	}
	g := &Generation{
		Store:  store,
		byPath: make(map[string]*HotSymbol, len(symbols)),
		byName: make(map[string][]*HotSymbol),
		units:  make(map[int64]model.Unit),
	}
	unitCache := map[int64]model.Unit{}
	for _, sym := range symbols {
		hs := &HotSymbol{
			SymbolID:      sym.SymbolID,
			CanonicalPath: sym.CanonicalPath,
			Name:          sym.Name,
			NameLower:     strings.ToLower(sym.Name),
			Kind:          sym.Kind,
			Visibility:    sym.Visibility,
			Status:        sym.Status,
			UnitID:        sym.UnitID,
			FileID:        sym.FileID,
			SpanStart:     sym.SpanStart,
			SpanEnd:       sym.SpanEnd,
		}
		if u, ok := unitCache[sym.UnitID]; ok {
			hs.External = u.External
		} else if u, err := store.ReadUnit(sym.UnitID); err == nil {
			unitCache[sym.UnitID] = u
			g.units[sym.UnitID] = u
			hs.External = u.External
		}
		g.byPath[hs.CanonicalPath] = hs
		g.byName[hs.NameLower] = append(g.byName[hs.NameLower], hs)
		g.all = append(g.all, hs)
	}

	// Rough per-symbol memory estimate: two map entries plus the
	// struct itself. Disabling fuzzy candidate construction above the
	// ceiling keeps exact/prefix queries cheap and available.
	const bytesPerSymbolEstimate = 256
	estimatedMB := (len(symbols) * bytesPerSymbolEstimate) / (1024 * 1024)
	if maxMemMB > 0 && estimatedMB > maxMemMB {
		g.fuzzyDisabled = true
	}

	if !g.fuzzyDisabled {
		n := len(g.all)
		if n > fuzzyCandidateCap {
			n = fuzzyCandidateCap
		}
		g.fuzzySyms = g.all[:n]
		g.fuzzyNames = make([]string, n)
		for i, hs := range g.fuzzySyms {
			g.fuzzyNames[i] = hs.NameLower
		}
	}
	return g, nil
}

// fuzzyCandidateCap bounds how many symbols the fuzzy-candidate cache
// holds; symbols beyond it are still reachable by exact and prefix
// resolution.
const fuzzyCandidateCap = 20000

// ByExactPath looks up the (possibly multiple, shadowed) symbols whose
// canonical_path equals path.
func (g *Generation) ByExactPath(path string) []*HotSymbol {
	var out []*HotSymbol
	for _, hs := range g.all {
		if hs.CanonicalPath == path {
			out = append(out, hs)
		}
	}
	return out
}

// ByExactName looks up symbols whose lowercased name equals lower.
func (g *Generation) ByExactName(lower string) []*HotSymbol {
	return g.byName[lower]
}

// ByNamePrefix returns symbols whose lowercased name starts with
// prefix, bounded by ceiling. Iteration runs over the generation's
// ordered symbol slice, not the name map, so the candidates surviving
// the ceiling are identical across invocations.
func (g *Generation) ByNamePrefix(prefix string, ceiling int) []*HotSymbol {
	var out []*HotSymbol
	for _, hs := range g.all {
		if !strings.HasPrefix(hs.NameLower, prefix) {
			continue
		}
		out = append(out, hs)
		if len(out) >= ceiling {
			break
		}
	}
	return out
}

// FuzzyDisabled reports whether this generation exceeds max_mem_mb.
func (g *Generation) FuzzyDisabled() bool { return g.fuzzyDisabled }

// FuzzyCandidates returns the bounded fuzzy-candidate cache: parallel
// name/symbol slices, empty when fuzzy is disabled.
func (g *Generation) FuzzyCandidates() ([]string, []*HotSymbol) {
	return g.fuzzyNames, g.fuzzySyms
}

// All returns every hot symbol, for status aggregation.
func (g *Generation) All() []*HotSymbol { return g.all }

// BySymbolID looks up a hot symbol by its symbol_id.
func (g *Generation) BySymbolID(id string) (*HotSymbol, bool) {
	for _, hs := range g.all {
		if hs.SymbolID == id {
			return hs, true
		}
	}
	return nil, false
}

// UnitByID looks up a cached unit row by id, used to decide
// workspace-member-vs-external ordering.
func (g *Generation) UnitByID(id int64) (model.Unit, bool) {
	u, ok := g.units[id]
	return u, ok
}

// UnitCounts returns every unit row referenced by this generation,
// keyed by id (used by diag() to report a unit count).
func (g *Generation) UnitCounts() map[int64]model.Unit { return g.units }

// retain/release implement the reference-counted snapshot handle.
func (g *Generation) retain() { atomic.AddInt64(&g.refs, 1) }

func (g *Generation) release() int64 { return atomic.AddInt64(&g.refs, -1) }

// Snapshot is the handle a single request holds for its lifetime. A
// request that begins under generation G completes against G even if
// the swap to G+1 occurs mid-request.
type Snapshot struct {
	gen     *Generation
	pool    *Pool
	release sync.Once
}

// Generation returns the underlying immutable generation this snapshot
// pins.
func (s *Snapshot) Generation() *Generation { return s.gen }

// Release gives up this request's hold on its generation. Safe to call
// multiple times; only the first call has effect.
func (s *Snapshot) Release() {
	s.release.Do(func() {
		if s.gen.release() == 0 && s.pool.isStale(s.gen) {
			_ = s.gen.Store.Close()
		}
	})
}

// Pool owns the current-generation pointer, swapped atomically on
// reindex commit.
type Pool struct {
	mu      sync.Mutex
	current atomic.Pointer[Generation]
	stale   map[*Generation]bool
}

// NewPool wraps an already-built Generation as the pool's first
// current generation.
func NewPool(initial *Generation) *Pool {
	p := &Pool{stale: make(map[*Generation]bool)}
	p.current.Store(initial)
	return p
}

// Acquire returns a Snapshot pinning the current generation. The
// caller must call Release when done.
func (p *Pool) Acquire() *Snapshot {
	gen := p.current.Load()
	gen.retain()
	return &Snapshot{gen: gen, pool: p}
}

// Swap installs next as the current generation. The previous
// generation is marked stale; its store is closed once its last
// outstanding snapshot is released, never before.
func (p *Pool) Swap(next *Generation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.current.Swap(next)
	if prev == nil {
		return
	}
	if atomic.LoadInt64(&prev.refs) == 0 {
		_ = prev.Store.Close()
		return
	}
	p.stale[prev] = true
}

func (p *Pool) isStale(gen *Generation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stale[gen] {
		delete(p.stale, gen)
		return true
	}
	return false
}
