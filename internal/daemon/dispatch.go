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

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ctindex/ct/internal/config"
	"github.com/ctindex/ct/internal/ctxerr"
	"github.com/ctindex/ct/internal/expand"
	"github.com/ctindex/ct/internal/genindex"
	"github.com/ctindex/ct/internal/ignore"
	"github.com/ctindex/ct/internal/model"
	"github.com/ctindex/ct/internal/query"
	"github.com/ctindex/ct/internal/refs"
)

// Reindexer is the subset of *Orchestrator the dispatcher depends on,
// kept as an interface so dispatch tests can substitute a fake instead
// of standing up a real extractor subprocess.
type Reindexer interface {
	Full(ctx context.Context) (RunSummary, error)
	Unit(ctx context.Context, unitName string) (RunSummary, error)
}

// Dispatcher turns framed requests into responses by resolving each
// command against the current generation snapshot, the expansion
// planner, or the reindex orchestrator.
type Dispatcher struct {
	pool          *genindex.Pool
	cfg           *config.Config
	refIdx        func(*genindex.Generation) *refs.Index
	reindex       Reindexer
	ignoreF       *ignore.File
	metrics       *MetricsCollector
	wsFingerprint string
	startedAt     time.Time
}

// SetWorkspaceFingerprint arms the per-request catalog identity check:
// a generation stamped with a different workspace fingerprint fails
// queries with INDEX_MISMATCH until the caller requests a reindex. A
// mismatch is never auto-repaired.
func (d *Dispatcher) SetWorkspaceFingerprint(fp string) {
	d.wsFingerprint = fp
}

// checkGen compares gen's stamped workspace fingerprint against the
// running daemon's. Catalogs predating the stamp (no meta row) pass.
func (d *Dispatcher) checkGen(gen *genindex.Generation) error {
	if d.wsFingerprint == "" {
		return nil
	}
	got, err := gen.Store.ReadMeta("workspace_fingerprint")
	if err != nil || got == "" {
		return nil
	}
	if got != d.wsFingerprint {
		return ctxerr.New(ctxerr.IndexMismatch, "catalog was indexed for a different workspace or tool environment; run reindex")
	}
	return nil
}

// NewDispatcher builds a Dispatcher. refIndex lazily builds (or
// returns a cached) reference index for a generation; the daemon
// bootstrap supplies one built alongside each genindex.Generation.
func NewDispatcher(pool *genindex.Pool, cfg *config.Config, refIndex func(*genindex.Generation) *refs.Index, rx Reindexer, ig *ignore.File, m *MetricsCollector) *Dispatcher {
	return &Dispatcher{pool: pool, cfg: cfg, refIdx: refIndex, reindex: rx, ignoreF: ig, metrics: m, startedAt: time.Now()}
}

// Handle implements Handler: it times the request, dispatches by
// cmd, and records outcome metrics.
func (d *Dispatcher) Handle(ctx context.Context, req Request) Response {
	start := time.Now()
	resp := d.dispatch(ctx, req)
	elapsed := time.Since(start)
	if resp.Metrics != nil {
		resp.Metrics.ElapsedMS = elapsed.Milliseconds()
	}
	if d.metrics != nil {
		d.metrics.ObserveRequest(req.Cmd, elapsed, resp.OK)
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) Response {
	if req.ProtocolVersion != 0 && req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(req.RequestID, string(ctxerr.InvalidArg),
			fmt.Sprintf("unsupported protocol_version %d", req.ProtocolVersion))
	}
	switch req.Cmd {
	case "find":
		return d.handleFind(req)
	case "doc":
		return d.handleDoc(req)
	case "ls":
		return d.handleLs(req)
	case "export":
		return d.handleExport(req)
	case "reindex":
		return d.handleReindex(ctx, req)
	case "status":
		return d.handleStatus(req)
	case "diag":
		return d.handleDiag(req)
	case "bench":
		return d.handleBench(ctx, req)
	default:
		return ErrorResponse(req.RequestID, string(ctxerr.InvalidArg), "unknown cmd "+req.Cmd)
	}
}

func errResponse(requestID string, err error) Response {
	code := ctxerr.CodeOf(err)
	return ErrorResponse(requestID, string(code), err.Error())
}

// --- find ---

type findParams struct {
	Q             string `json:"q"`
	Kind          string `json:"kind"`
	Visibility    string `json:"visibility"`
	Unimplemented bool   `json:"unimplemented"`
	Todo          bool   `json:"todo"`
	ContextPath   string `json:"context_path"`
}

type findRow struct {
	SymbolID      string `json:"symbol_id"`
	CanonicalPath string `json:"canonical_path"`
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Visibility    string `json:"visibility"`
	Status        string `json:"status"`
}

func (d *Dispatcher) handleFind(req Request) Response {
	var p findParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResponse(req.RequestID, ctxerr.Wrap(ctxerr.InvalidArg, err, "parse find params"))
	}
	if p.Q == "" {
		return errResponse(req.RequestID, ctxerr.New(ctxerr.InvalidArg, "q is required"))
	}

	snap := d.pool.Acquire()
	defer snap.Release()
	gen := snap.Generation()
	if err := d.checkGen(gen); err != nil {
		return errResponse(req.RequestID, err)
	}

	cands := query.Find(gen, p.Q, p.ContextPath, query.Filters{
		Kind:          model.Kind(p.Kind),
		Visibility:    model.Visibility(p.Visibility),
		Unimplemented: p.Unimplemented,
		Todo:          p.Todo,
	})

	rows := make([]findRow, 0, len(cands))
	for _, c := range cands {
		rows = append(rows, findRow{
			SymbolID:      c.Symbol.SymbolID,
			CanonicalPath: c.Symbol.CanonicalPath,
			Name:          c.Symbol.Name,
			Kind:          string(c.Symbol.Kind),
			Visibility:    string(c.Symbol.Visibility),
			Status:        string(c.Symbol.Status),
		})
	}
	return SuccessResponse(req.RequestID, rows, false, Metrics{Bytes: estimateBytes(rows)})
}

// --- doc ---

type docParams struct {
	Path        string `json:"path"`
	IncludeDocs string `json:"include_docs"` // "" | "true" | "all"
}

type docData struct {
	CanonicalPath string `json:"canonical_path"`
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Visibility    string `json:"visibility"`
	Signature     string `json:"signature"`
	Status        string `json:"status"`
	Docs          string `json:"docs,omitempty"`
}

func (d *Dispatcher) handleDoc(req Request) Response {
	var p docParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResponse(req.RequestID, ctxerr.Wrap(ctxerr.InvalidArg, err, "parse doc params"))
	}
	snap := d.pool.Acquire()
	defer snap.Release()
	gen := snap.Generation()
	if err := d.checkGen(gen); err != nil {
		return errResponse(req.RequestID, err)
	}

	hs, err := query.ResolveOne(gen, p.Path, "")
	if err != nil {
		return errResponse(req.RequestID, err)
	}
	sym, err := query.LookupFull(gen.Store, hs)
	if err != nil {
		return errResponse(req.RequestID, err)
	}

	data := docData{
		CanonicalPath: sym.CanonicalPath,
		Name:          sym.Name,
		Kind:          string(sym.Kind),
		Visibility:    string(sym.Visibility),
		Signature:     sym.Signature,
		Status:        string(sym.Status),
	}
	if p.IncludeDocs == "true" || p.IncludeDocs == "all" {
		data.Docs = sym.Docs
	}
	return SuccessResponse(req.RequestID, data, false, Metrics{Bytes: estimateBytes(data)})
}

// --- ls / export ---

type lsParams struct {
	Path        string `json:"path"`
	Expansion   string `json:"expansion"`
	ImplParents bool   `json:"impl_parents"`
	Decision    string `json:"decision"` // "" | continue | abort | full
	IncludeDocs string `json:"include_docs"`
}

type entryData struct {
	SymbolID      string `json:"symbol_id"`
	CanonicalPath string `json:"canonical_path"`
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Visibility    string `json:"visibility"`
	Signature     string `json:"signature,omitempty"`
	Status        string `json:"status"`
	Docs          string `json:"docs,omitempty"`
	Source        string `json:"source,omitempty"`
	Level         int    `json:"level"`
	ShallowOnly   bool   `json:"shallow_only,omitempty"`
}

func (d *Dispatcher) handleLs(req Request) Response {
	return d.handleExpand(req, false)
}

func (d *Dispatcher) handleExport(req Request) Response {
	return d.handleExpand(req, true)
}

// handleExpand implements both ls and export: export
// additionally attaches source text up to bundle_source_cap per item
// when the daemon has that source available, and both honor .ctignore
// shallow-bundling.
func (d *Dispatcher) handleExpand(req Request, withSource bool) Response {
	var p lsParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errResponse(req.RequestID, ctxerr.Wrap(ctxerr.InvalidArg, err, "parse params"))
	}

	snap := d.pool.Acquire()
	defer snap.Release()
	gen := snap.Generation()
	if err := d.checkGen(gen); err != nil {
		return errResponse(req.RequestID, err)
	}

	root, err := query.ResolveOne(gen, p.Path, "")
	if err != nil {
		return errResponse(req.RequestID, err)
	}

	steps := expand.ParseExpansion(p.Expansion)
	var refIdx *refs.Index
	if d.refIdx != nil {
		refIdx = d.refIdx(gen)
	}
	shallow := func(hs *genindex.HotSymbol) bool { return d.shallowBundled(gen, hs) }

	result := expand.Plan(gen, refIdx, root, steps, p.ImplParents, shallow, d.cfg.MaxContextSize, d.cfg.AllowFullContext)

	if result.Truncated {
		switch p.Decision {
		case "":
			opts := []string{}
			if result.Options.Continue {
				opts = append(opts, "continue")
			}
			if result.Options.Abort {
				opts = append(opts, "abort")
			}
			if result.Options.Full {
				opts = append(opts, "full")
			}
			return DecisionResponse(req.RequestID, DecisionRequired{
				Reason:     "expansion exceeds max_context_size",
				ContentLen: result.ContentLen,
				Options:    opts,
			})
		case "abort":
			return errResponse(req.RequestID, ctxerr.New(ctxerr.OverMaxContext, "expansion aborted by client"))
		case "full":
			if !d.cfg.AllowFullContext {
				return errResponse(req.RequestID, ctxerr.New(ctxerr.InvalidArg, "full context is not permitted by configuration"))
			}
			result = expand.Plan(gen, refIdx, root, steps, p.ImplParents, shallow, result.ContentLen+1, false)
		case "continue":
			// result already holds the capped payload.
		default:
			return errResponse(req.RequestID, ctxerr.New(ctxerr.InvalidArg, "unknown decision %q", p.Decision))
		}
	}

	entries := make([]entryData, 0, len(result.Entries))
	for _, e := range result.Entries {
		sym, lookupErr := query.LookupFull(gen.Store, e.Symbol)
		if lookupErr != nil {
			continue
		}
		ed := entryData{
			SymbolID:      sym.SymbolID,
			CanonicalPath: sym.CanonicalPath,
			Name:          sym.Name,
			Kind:          string(sym.Kind),
			Visibility:    string(sym.Visibility),
			Signature:     sym.Signature,
			Status:        string(sym.Status),
			Level:         e.Level,
		}
		if d.shallowBundled(gen, e.Symbol) {
			ed.ShallowOnly = true
		} else {
			if p.IncludeDocs == "all" || (p.IncludeDocs == "true" && e.Level == 0) {
				ed.Docs = sym.Docs
			}
			if withSource {
				ed.Source = d.bundledSource(gen, sym)
			}
		}
		entries = append(entries, ed)
	}

	truncated := p.Decision == "continue"
	return SuccessResponse(req.RequestID, entries, truncated, Metrics{Bytes: estimateBytes(entries)})
}

// bundledSource reads sym's span text from its source file, truncated
// to bundle_source_cap characters. Missing or unreadable files yield
// an empty string rather than failing the whole export.
func (d *Dispatcher) bundledSource(gen *genindex.Generation, sym *model.Symbol) string {
	f, err := gen.Store.ReadFile(sym.FileID)
	if err != nil {
		return ""
	}
	content, err := os.ReadFile(f.Path)
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.ReplaceAll(string(content), "\r\n", "\n"), "\n")
	start, end := sym.SpanStart, sym.SpanEnd
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return ""
	}
	src := strings.Join(lines[start-1:end], "\n")
	if limit := d.cfg.BundleSourceCap; limit > 0 && len(src) > limit {
		src = src[:limit]
	}
	return src
}

// shallowBundled reports whether hs is matched by .ctignore and must
// therefore surface as name+signature only, never children/docs. The
// expansion planner also consults it so a matched symbol's children
// never enter the walk at all.
func (d *Dispatcher) shallowBundled(gen *genindex.Generation, hs *genindex.HotSymbol) bool {
	if d.ignoreF == nil {
		return false
	}
	u, ok := gen.UnitByID(hs.UnitID)
	if !ok {
		return false
	}
	return d.ignoreF.MatchesSymbol(u.Name, u.Version, hs.CanonicalPath)
}

// --- status ---

type statusParams struct {
	Kind       string `json:"kind"`
	Visibility string `json:"visibility"`
	Unit       string `json:"unit"`
}

type statusData struct {
	Implemented   int       `json:"implemented"`
	Unimplemented int       `json:"unimplemented"`
	Todo          int       `json:"todo"`
	Entries       []findRow `json:"entries"`
	Truncated     bool      `json:"truncated"`
}

func (d *Dispatcher) handleStatus(req Request) Response {
	var p statusParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.RequestID, ctxerr.Wrap(ctxerr.InvalidArg, err, "parse status params"))
		}
	}
	snap := d.pool.Acquire()
	defer snap.Release()
	gen := snap.Generation()
	if err := d.checkGen(gen); err != nil {
		return errResponse(req.RequestID, err)
	}

	res := query.Status(gen, query.StatusFilters{
		Kind:       model.Kind(p.Kind),
		Visibility: model.Visibility(p.Visibility),
		UnitName:   p.Unit,
	}, d.cfg.MaxList)

	entries := make([]findRow, 0, len(res.Entries))
	for _, hs := range res.Entries {
		entries = append(entries, findRow{
			SymbolID:      hs.SymbolID,
			CanonicalPath: hs.CanonicalPath,
			Name:          hs.Name,
			Kind:          string(hs.Kind),
			Visibility:    string(hs.Visibility),
			Status:        string(hs.Status),
		})
	}
	data := statusData{
		Implemented:   res.Implemented,
		Unimplemented: res.Unimplemented,
		Todo:          res.Todo,
		Entries:       entries,
		Truncated:     res.Truncated,
	}
	return SuccessResponse(req.RequestID, data, res.Truncated, Metrics{Bytes: estimateBytes(data)})
}

// --- diag ---

func (d *Dispatcher) handleDiag(req Request) Response {
	snap := d.pool.Acquire()
	defer snap.Release()
	gen := snap.Generation()

	schemaVersion, _ := gen.Store.ReadMeta("schema_version")
	toolVersion, _ := gen.Store.ReadMeta("tool_version")
	extractorFP, _ := gen.Store.ReadMeta("extractor_fingerprint")
	featureSetRaw, _ := gen.Store.ReadMeta("feature_set")
	target, _ := gen.Store.ReadMeta("target_triple")
	lastDurRaw, _ := gen.Store.ReadMeta("last_index_duration_ms")

	var featureSet []string
	if featureSetRaw != "" {
		_ = json.Unmarshal([]byte(featureSetRaw), &featureSet)
	}
	var lastDur int64
	_, _ = fmt.Sscanf(lastDurRaw, "%d", &lastDur)

	unitCount := len(gen.UnitCounts())

	diag := query.Diag{
		CatalogPath:          d.cfg.CatalogPath(""),
		SchemaVersion:        atoiOr(schemaVersion, 0),
		ToolVersion:          toolVersion,
		ProtocolVersions:     []string{fmt.Sprintf("%d", ProtocolVersion)},
		SymbolCount:          len(gen.All()),
		UnitCount:            unitCount,
		LastIndexDurationMS:  lastDur,
		ExtractorFingerprint: extractorFP,
		FeatureSet:           featureSet,
		Target:               target,
		TransportKind:        string(d.cfg.Transport),
	}
	return SuccessResponse(req.RequestID, diag, false, Metrics{Bytes: estimateBytes(diag)})
}

func atoiOr(s string, def int) int {
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}

// --- reindex ---

type reindexParams struct {
	Unit string `json:"unit"`
}

type reindexData struct {
	Units     []string `json:"units"`
	Succeeded int      `json:"succeeded"`
	Failed    []string `json:"failed"`
}

func (d *Dispatcher) handleReindex(ctx context.Context, req Request) Response {
	var p reindexParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.RequestID, ctxerr.Wrap(ctxerr.InvalidArg, err, "parse reindex params"))
		}
	}
	if d.reindex == nil {
		return errResponse(req.RequestID, ctxerr.New(ctxerr.Internal, "reindex orchestrator not configured"))
	}

	var summary RunSummary
	var err error
	if p.Unit == "" {
		summary, err = d.reindex.Full(ctx)
	} else {
		summary, err = d.reindex.Unit(ctx, p.Unit)
	}
	if err != nil {
		return errResponse(req.RequestID, ctxerr.Wrap(ctxerr.ExtractorFailed, err, "reindex"))
	}

	data := reindexData{Units: summary.Units, Succeeded: summary.Succeeded, Failed: summary.Failed}
	return SuccessResponse(req.RequestID, data, false, Metrics{Bytes: estimateBytes(data)})
}

// --- bench ---

type benchParams struct {
	Queries  []string `json:"queries"`
	Duration int      `json:"duration_s"`
}

type benchData struct {
	Queries     int     `json:"queries"`
	ElapsedMS   int64   `json:"elapsed_ms"`
	QueriesPerS float64 `json:"queries_per_s"`
}

// handleBench repeatedly runs find() against the configured bench
// queries, measuring in-memory resolution throughput only (no IPC
// round-trip overhead).
func (d *Dispatcher) handleBench(ctx context.Context, req Request) Response {
	var p benchParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errResponse(req.RequestID, ctxerr.Wrap(ctxerr.InvalidArg, err, "parse bench params"))
		}
	}
	queries := p.Queries
	if len(queries) == 0 {
		queries = []string{"a", "b", "c"}
	}
	duration := time.Duration(p.Duration) * time.Second
	if duration <= 0 {
		duration = time.Duration(d.cfg.BenchDurationS) * time.Second
	}
	if duration <= 0 {
		duration = 10 * time.Second
	}
	maxQueries := d.cfg.BenchQueries

	snap := d.pool.Acquire()
	defer snap.Release()
	gen := snap.Generation()

	deadline := time.Now().Add(duration)
	start := time.Now()
	count := 0
	for time.Now().Before(deadline) {
		if maxQueries > 0 && count >= maxQueries {
			break
		}
		select {
		case <-ctx.Done():
			goto done
		default:
		}
		q := queries[count%len(queries)]
		_ = query.Find(gen, q, "", query.Filters{})
		count++
	}
done:
	elapsed := time.Since(start)
	qps := 0.0
	if elapsed > 0 {
		qps = float64(count) / elapsed.Seconds()
	}
	data := benchData{Queries: count, ElapsedMS: elapsed.Milliseconds(), QueriesPerS: qps}
	return SuccessResponse(req.RequestID, data, false, Metrics{Bytes: estimateBytes(data)})
}

func estimateBytes(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}
