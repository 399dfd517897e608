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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ctindex/ct/internal/catalog"
	"github.com/ctindex/ct/internal/config"
	"github.com/ctindex/ct/internal/genindex"
	"github.com/ctindex/ct/internal/ignore"
	"github.com/ctindex/ct/internal/model"
	"github.com/ctindex/ct/internal/query"
)

// fakeReindexer stands in for *Orchestrator so dispatch tests never
// shell out to a real extractor subprocess.
type fakeReindexer struct {
	fullSummary RunSummary
	fullErr     error
	unitSummary RunSummary
	unitErr     error
	gotUnit     string
}

func (f *fakeReindexer) Full(ctx context.Context) (RunSummary, error) {
	return f.fullSummary, f.fullErr
}

func (f *fakeReindexer) Unit(ctx context.Context, unitName string) (RunSummary, error) {
	f.gotUnit = unitName
	return f.unitSummary, f.unitErr
}

// buildTestPool commits a small two-unit catalog (core, api) to a side
// store and returns a genindex.Pool wrapping the built generation:
// core.util.State shadowed by core.util.state.State, plus
// api.handler.State.
func buildTestPool(t *testing.T) *genindex.Pool {
	t.Helper()
	dir := t.TempDir()
	livePath := filepath.Join(dir, "symbols.sqlite")

	side, err := catalog.PrepareSide(livePath)
	require.NoError(t, err)

	coreID, err := side.InsertUnit(model.Unit{Name: "core", Fingerprint: "corefp", Root: "/ws/core"})
	require.NoError(t, err)
	apiID, err := side.InsertUnit(model.Unit{Name: "api", Fingerprint: "apifp", Root: "/ws/api"})
	require.NoError(t, err)

	coreFileID, err := side.InsertFile(model.File{UnitID: coreID, Path: "/ws/core/src/util.rs", Digest: "coredigest"})
	require.NoError(t, err)
	apiFileID, err := side.InsertFile(model.File{UnitID: apiID, Path: "/ws/api/src/handler.rs", Digest: "apidigest"})
	require.NoError(t, err)

	symbols := []model.Symbol{
		{
			SymbolID: "sym-core-util-state", UnitID: coreID, FileID: coreFileID,
			CanonicalPath: "core.util.State", Name: "State", Kind: model.KindStruct,
			Visibility: model.VisPublic, Signature: "pub struct State", Status: model.StatusImplemented,
			SpanStart: 10, SpanEnd: 20, DefHash: "dh1",
		},
		{
			SymbolID: "sym-core-util-state-state", UnitID: coreID, FileID: coreFileID,
			CanonicalPath: "core.util.state.State", Name: "State", Kind: model.KindStruct,
			Visibility: model.VisPrivate, Signature: "struct State", Status: model.StatusTodo,
			SpanStart: 30, SpanEnd: 40, DefHash: "dh2",
		},
		{
			SymbolID: "sym-api-handler-state", UnitID: apiID, FileID: apiFileID,
			CanonicalPath: "api.handler.State", Name: "State", Kind: model.KindStruct,
			Visibility: model.VisPublic, Signature: "pub struct State", Status: model.StatusUnimplemented,
			SpanStart: 5, SpanEnd: 8, DefHash: "dh3",
		},
		{
			SymbolID: "sym-api-handler-greet", UnitID: apiID, FileID: apiFileID,
			CanonicalPath: "api.handler.greet", Name: "greet", Kind: model.KindFn,
			Visibility: model.VisPublic, Signature: "pub fn greet()", Status: model.StatusImplemented,
			Docs: "Greets the caller.", SpanStart: 1, SpanEnd: 3, DefHash: "dh4",
		},
		{
			SymbolID: "sym-core-util-state-id", UnitID: coreID, FileID: coreFileID,
			CanonicalPath: "core.util.State.id", Name: "id", Kind: model.KindField,
			Visibility: model.VisPublic, Signature: "id: u64", Status: model.StatusImplemented,
			SpanStart: 11, SpanEnd: 11, DefHash: "dh5",
		},
	}
	for _, s := range symbols {
		require.NoError(t, side.InsertSymbol(s))
	}

	require.NoError(t, catalog.CommitSide(side, livePath))

	store, err := catalog.OpenRead(livePath)
	require.NoError(t, err)
	gen, err := genindex.Build(store, 0)
	require.NoError(t, err)
	return genindex.NewPool(gen)
}

func newTestDispatcher(t *testing.T, rx Reindexer) (*Dispatcher, *config.Config) {
	t.Helper()
	pool := buildTestPool(t)
	cfg := config.Default()
	cfg.MaxContextSize = 16000
	return NewDispatcher(pool, cfg, nil, rx, &ignore.File{}, nil), cfg
}

func rawParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestDispatchFindOrdersShadowedMatches(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	resp := d.Handle(context.Background(), Request{
		Cmd: "find", RequestID: "r1", ProtocolVersion: ProtocolVersion,
		Params: rawParams(t, findParams{Q: "State"}),
	})
	require.True(t, resp.OK)
	rows, ok := resp.Data.([]findRow)
	require.True(t, ok)
	require.Len(t, rows, 3)

	// core.util.State first, then api.handler.State, then the
	// shadowed private core.util.state.State.
	require.Equal(t, "core.util.State", rows[0].CanonicalPath)
	require.Equal(t, "api.handler.State", rows[1].CanonicalPath)
	require.Equal(t, "core.util.state.State", rows[2].CanonicalPath)
}

func TestDispatchFindRequiresQ(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	resp := d.Handle(context.Background(), Request{
		Cmd: "find", RequestID: "r2", ProtocolVersion: ProtocolVersion,
		Params: rawParams(t, findParams{}),
	})
	require.False(t, resp.OK)
	require.Equal(t, "INVALID_ARG", resp.ErrCode)
}

func TestDispatchDocOmitsDocsByDefault(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	resp := d.Handle(context.Background(), Request{
		Cmd: "doc", RequestID: "r3", ProtocolVersion: ProtocolVersion,
		Params: rawParams(t, docParams{Path: "api.handler.greet"}),
	})
	require.True(t, resp.OK)
	data, ok := resp.Data.(docData)
	require.True(t, ok)
	require.Equal(t, "", data.Docs)

	resp = d.Handle(context.Background(), Request{
		Cmd: "doc", RequestID: "r4", ProtocolVersion: ProtocolVersion,
		Params: rawParams(t, docParams{Path: "api.handler.greet", IncludeDocs: "true"}),
	})
	require.True(t, resp.OK)
	data, ok = resp.Data.(docData)
	require.True(t, ok)
	require.Equal(t, "Greets the caller.", data.Docs)
}

func TestDispatchDocNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	resp := d.Handle(context.Background(), Request{
		Cmd: "doc", RequestID: "r5", ProtocolVersion: ProtocolVersion,
		Params: rawParams(t, docParams{Path: "core.nope"}),
	})
	require.False(t, resp.OK)
	require.Equal(t, "NOT_FOUND", resp.ErrCode)
}

func TestDispatchLsReturnsRootEvenUnexpanded(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	resp := d.Handle(context.Background(), Request{
		Cmd: "ls", RequestID: "r6", ProtocolVersion: ProtocolVersion,
		Params: rawParams(t, lsParams{Path: "core.util.State"}),
	})
	require.True(t, resp.OK)
	entries, ok := resp.Data.([]entryData)
	require.True(t, ok)
	require.Len(t, entries, 1)
	require.Equal(t, "core.util.State", entries[0].CanonicalPath)
}

func TestDispatchLsDecisionEnvelopeOverCap(t *testing.T) {
	pool := buildTestPool(t)
	cfg := config.Default()
	cfg.MaxContextSize = 1 // force every expansion over the cap
	d := NewDispatcher(pool, cfg, nil, nil, &ignore.File{}, nil)

	resp := d.Handle(context.Background(), Request{
		Cmd: "ls", RequestID: "r7", ProtocolVersion: ProtocolVersion,
		Params: rawParams(t, lsParams{Path: "core.util.State", Expansion: ">"}),
	})
	require.True(t, resp.OK)
	require.Nil(t, resp.Data)
	require.NotNil(t, resp.DecisionRequired)
	require.Equal(t, "expansion exceeds max_context_size", resp.DecisionRequired.Reason)

	resp = d.Handle(context.Background(), Request{
		Cmd: "ls", RequestID: "r8", ProtocolVersion: ProtocolVersion,
		Params: rawParams(t, lsParams{Path: "core.util.State", Expansion: ">", Decision: "abort"}),
	})
	require.False(t, resp.OK)
	require.Equal(t, "OVER_MAX_CONTEXT", resp.ErrCode)
}

func TestDispatchStatusAggregatesCounts(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	resp := d.Handle(context.Background(), Request{
		Cmd: "status", RequestID: "r9", ProtocolVersion: ProtocolVersion,
	})
	require.True(t, resp.OK)
	data, ok := resp.Data.(statusData)
	require.True(t, ok)
	require.Equal(t, 3, data.Implemented)
	require.Equal(t, 1, data.Unimplemented)
	require.Equal(t, 1, data.Todo)
	require.Len(t, data.Entries, 5)
}

func TestDispatchDiagReportsStaticSnapshot(t *testing.T) {
	d, cfg := newTestDispatcher(t, nil)
	resp := d.Handle(context.Background(), Request{
		Cmd: "diag", RequestID: "r10", ProtocolVersion: ProtocolVersion,
	})
	require.True(t, resp.OK)
	diag, ok := resp.Data.(query.Diag)
	require.True(t, ok)
	require.Equal(t, 5, diag.SymbolCount)
	require.Equal(t, 2, diag.UnitCount)
	require.Equal(t, string(cfg.Transport), diag.TransportKind)
	require.NotNil(t, resp.Metrics)
}

func TestDispatchReindexFullDelegatesToOrchestrator(t *testing.T) {
	rx := &fakeReindexer{fullSummary: RunSummary{Units: []string{"core", "api"}, Succeeded: 2}}
	d, _ := newTestDispatcher(t, rx)

	resp := d.Handle(context.Background(), Request{
		Cmd: "reindex", RequestID: "r11", ProtocolVersion: ProtocolVersion,
	})
	require.True(t, resp.OK)
	data, ok := resp.Data.(reindexData)
	require.True(t, ok)
	require.Equal(t, 2, data.Succeeded)
	require.Equal(t, []string{"core", "api"}, data.Units)
}

func TestDispatchReindexUnitDelegatesWithName(t *testing.T) {
	rx := &fakeReindexer{unitSummary: RunSummary{Units: []string{"core"}, Succeeded: 1}}
	d, _ := newTestDispatcher(t, rx)

	resp := d.Handle(context.Background(), Request{
		Cmd: "reindex", RequestID: "r12", ProtocolVersion: ProtocolVersion,
		Params: rawParams(t, reindexParams{Unit: "core"}),
	})
	require.True(t, resp.OK)
	require.Equal(t, "core", rx.gotUnit)
}

func TestDispatchReindexWithoutOrchestratorConfigured(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	resp := d.Handle(context.Background(), Request{
		Cmd: "reindex", RequestID: "r13", ProtocolVersion: ProtocolVersion,
	})
	require.False(t, resp.OK)
	require.Equal(t, "INTERNAL", resp.ErrCode)
}

func TestDispatchUnknownCmd(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	resp := d.Handle(context.Background(), Request{
		Cmd: "frobnicate", RequestID: "r14", ProtocolVersion: ProtocolVersion,
	})
	require.False(t, resp.OK)
	require.Equal(t, "INVALID_ARG", resp.ErrCode)
}

func TestDispatchRejectsUnsupportedProtocolVersion(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	resp := d.Handle(context.Background(), Request{
		Cmd: "diag", RequestID: "r15", ProtocolVersion: ProtocolVersion + 99,
	})
	require.False(t, resp.OK)
	require.Equal(t, "INVALID_ARG", resp.ErrCode)
}

func TestDispatchBenchReturnsThroughput(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	// Cancel immediately: handleBench checks ctx.Done() before every
	// iteration, so this exercises the loop without waiting out the
	// requested duration_s.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := d.Handle(ctx, Request{
		Cmd: "bench", RequestID: "r16", ProtocolVersion: ProtocolVersion,
		Params: rawParams(t, benchParams{Queries: []string{"State"}, Duration: 1}),
	})
	require.True(t, resp.OK)
	data, ok := resp.Data.(benchData)
	require.True(t, ok)
	require.GreaterOrEqual(t, data.Queries, 0)
}

func TestDispatchRejectsForeignWorkspaceCatalog(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)

	snap := d.pool.Acquire()
	require.NoError(t, snap.Generation().Store.WriteMeta("workspace_fingerprint", "stamped-by-another-workspace"))
	snap.Release()

	d.SetWorkspaceFingerprint("this-workspace")
	resp := d.Handle(context.Background(), Request{
		Cmd: "find", RequestID: "r17", ProtocolVersion: ProtocolVersion,
		Params: rawParams(t, findParams{Q: "State"}),
	})
	require.False(t, resp.OK)
	require.Equal(t, "INDEX_MISMATCH", resp.ErrCode)
}

func TestDispatchAcceptsUnstampedCatalog(t *testing.T) {
	d, _ := newTestDispatcher(t, nil)
	d.SetWorkspaceFingerprint("this-workspace")
	resp := d.Handle(context.Background(), Request{
		Cmd: "find", RequestID: "r18", ProtocolVersion: ProtocolVersion,
		Params: rawParams(t, findParams{Q: "State"}),
	})
	require.True(t, resp.OK)
}

func TestDispatchLsNeverExpandsIgnoredSymbols(t *testing.T) {
	pool := buildTestPool(t)
	cfg := config.Default()
	ig := &ignore.File{Patterns: []ignore.Pattern{
		{Kind: ignore.KindModulePath, ModulePath: "core.util.State", Raw: "core.util.State"},
	}}
	d := NewDispatcher(pool, cfg, nil, nil, ig, nil)

	resp := d.Handle(context.Background(), Request{
		Cmd: "ls", RequestID: "r19", ProtocolVersion: ProtocolVersion,
		Params: rawParams(t, lsParams{Path: "core.util.State", Expansion: ">"}),
	})
	require.True(t, resp.OK)
	entries, ok := resp.Data.([]entryData)
	require.True(t, ok)

	// The matched symbol surfaces by name and signature only; its
	// field children never enter the expansion at all.
	require.Len(t, entries, 1)
	require.Equal(t, "core.util.State", entries[0].CanonicalPath)
	require.True(t, entries[0].ShallowOnly)
	require.Empty(t, entries[0].Docs)
	for _, e := range entries {
		require.NotEqual(t, "core.util.State.id", e.CanonicalPath)
	}
}
