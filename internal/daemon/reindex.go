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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ctindex/ct/internal/ctxerr"

	"github.com/ctindex/ct/internal/catalog"
	"github.com/ctindex/ct/internal/config"
	"github.com/ctindex/ct/internal/genindex"
	"github.com/ctindex/ct/internal/ignore"
	"github.com/ctindex/ct/internal/ingest"
	"github.com/ctindex/ct/internal/refs"
)

// RunSummary reports one reindex run's outcome across workspace members
// (per-unit status, overall failure only if every unit
// failed).
type RunSummary struct {
	Units     []string
	Succeeded int
	Failed    []string
	Duration  time.Duration
}

// Member describes one workspace unit the orchestrator knows how to
// (re)ingest.
type Member struct {
	Name string
	Root string
}

// Orchestrator ties the ingestor, the catalog store's atomic swap, and
// the in-memory generation pool together. Only one reindex runs at a
// time; a mutex serializes Full/Unit calls so that multiple callers
// (the reindex command, the watcher) share one background task.
type Orchestrator struct {
	mu sync.Mutex

	livePath          string
	workspaceRoot     string
	workspaceToolPath string
	extractorToolPath string
	featureSet        []string
	targetTriple      string
	referencesTopN    int
	extractorTimeout  time.Duration
	maxMemMB          int
	excludeGlobs      *ignore.File
	wsFingerprint     string
	members           []Member
	runner            ingest.Runner
	pool              *genindex.Pool
	refIndexCache     map[*genindex.Generation]*refs.Index
	refIndexMu        sync.Mutex
	logger            *slog.Logger
}

// SetWorkspaceFingerprint records the running daemon's workspace
// identity so every committed generation carries it; the dispatcher
// rejects queries against a catalog stamped with a different one.
func (o *Orchestrator) SetWorkspaceFingerprint(fp string) {
	o.wsFingerprint = fp
}

// NewOrchestrator builds an Orchestrator. pool's current generation is
// swapped in place at the end of every successful run.
func NewOrchestrator(cfg *config.Config, livePath, workspaceRoot, workspaceToolPath, extractorToolPath string, members []Member, runner ingest.Runner, pool *genindex.Pool, ig *ignore.File, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if workspaceToolPath == "" {
		workspaceToolPath = "cargo-workspace-describe"
	}
	if extractorToolPath == "" {
		extractorToolPath = "doc-extractor"
	}
	return &Orchestrator{
		livePath:          livePath,
		workspaceRoot:     workspaceRoot,
		workspaceToolPath: workspaceToolPath,
		extractorToolPath: extractorToolPath,
		featureSet:        nil,
		targetTriple:      "",
		referencesTopN:    cfg.ReferencesTopN,
		extractorTimeout:  time.Duration(cfg.ExtractorTimeoutS) * time.Second,
		maxMemMB:          cfg.MaxMemMB,
		excludeGlobs:      ig,
		members:           members,
		runner:            runner,
		pool:              pool,
		refIndexCache:     make(map[*genindex.Generation]*refs.Index),
		logger:            logger,
	}
}

// RefIndex lazily builds (and caches) the reference index for gen, used
// by the dispatcher to resolve best-effort parent contexts without
// rescanning every reference row per request.
func (o *Orchestrator) RefIndex(gen *genindex.Generation) *refs.Index {
	o.refIndexMu.Lock()
	defer o.refIndexMu.Unlock()
	if idx, ok := o.refIndexCache[gen]; ok {
		return idx
	}
	allRefs, err := gen.Store.AllReferences()
	if err != nil {
		o.logger.Warn("reindex: build ref index failed", "error", err)
		return refs.BuildIndex(nil)
	}
	idx := refs.BuildIndex(allRefs)
	o.refIndexCache[gen] = idx
	return idx
}

// Full reindexes every workspace member into a fresh side store and
// atomically swaps it in.
func (o *Orchestrator) Full(ctx context.Context) (RunSummary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run(ctx, nil)
}

// Unit reindexes a single named unit, preserving every other unit's
// rows by copying them unchanged from the current live store.
func (o *Orchestrator) Unit(ctx context.Context, unitName string) (RunSummary, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.run(ctx, []string{unitName})
}

func (o *Orchestrator) run(ctx context.Context, only []string) (RunSummary, error) {
	start := time.Now()

	side, err := catalog.PrepareSide(o.livePath)
	if err != nil {
		if errors.Is(err, catalog.ErrBusy) {
			return RunSummary{}, ctxerr.Wrap(ctxerr.StoreBusy, err, "prepare side store")
		}
		return RunSummary{}, fmt.Errorf("prepare side store: %w", err)
	}

	onlySet := make(map[string]bool, len(only))
	for _, n := range only {
		onlySet[n] = true
	}

	targetMembers := o.members
	if len(onlySet) > 0 {
		targetMembers = nil
		for _, m := range o.members {
			if onlySet[m.Name] {
				targetMembers = append(targetMembers, m)
			}
		}
	}
	pipelineMembers := make([]ingest.WorkspaceMember, 0, len(targetMembers))
	for _, m := range targetMembers {
		pipelineMembers = append(pipelineMembers, ingest.WorkspaceMember{Name: m.Name, Root: m.Root})
	}

	opts := ingest.Options{
		WorkspaceRoot:     o.workspaceRoot,
		WorkspaceToolPath: o.workspaceToolPath,
		ExtractorToolPath: o.extractorToolPath,
		FeatureSet:        o.featureSet,
		TargetTriple:      o.targetTriple,
		ReferencesTopN:    o.referencesTopN,
		ExcludeGlobs:      o.excludeGlobs,
	}
	pipeline := ingest.New(opts, o.runner, side, o.logger)

	var result ingest.Result
	var runErr error
	if len(onlySet) > 0 {
		result, runErr = pipeline.RunMembers(ctx, pipelineMembers)
	} else {
		result, runErr = pipeline.Run(ctx)
	}

	summary := RunSummary{Duration: time.Since(start)}
	for _, st := range result.Statuses {
		summary.Units = append(summary.Units, st.UnitName)
		if st.Err == nil {
			summary.Succeeded++
		} else {
			summary.Failed = append(summary.Failed, st.UnitName)
		}
	}

	// Preserve unaffected units unchanged: for an
	// incremental run, copy every unit's rows not in onlySet from the
	// current live store into the side store before committing.
	if len(onlySet) > 0 {
		if err := o.copyUnaffected(side, onlySet); err != nil {
			side.Close()
			return summary, fmt.Errorf("copy unaffected units: %w", err)
		}
	}

	if runErr != nil {
		side.Close()
		return summary, runErr
	}

	if err := side.WriteMeta("last_index_duration_ms", fmt.Sprintf("%d", summary.Duration.Milliseconds())); err != nil {
		o.logger.Warn("reindex: write duration meta failed", "error", err)
	}
	if o.wsFingerprint != "" {
		if err := side.WriteMeta("workspace_fingerprint", o.wsFingerprint); err != nil {
			o.logger.Warn("reindex: write workspace fingerprint meta failed", "error", err)
		}
	}

	if err := catalog.CommitSide(side, o.livePath); err != nil {
		return summary, fmt.Errorf("commit side store: %w", err)
	}

	store, err := catalog.OpenRead(o.livePath)
	if err != nil {
		return summary, fmt.Errorf("reopen committed store: %w", err)
	}
	gen, err := genindex.Build(store, o.maxMemMB)
	if err != nil {
		store.Close()
		return summary, fmt.Errorf("build generation: %w", err)
	}
	o.pool.Swap(gen)
	o.logger.Info("reindex committed", "units", len(summary.Units), "succeeded", summary.Succeeded, "failed", len(summary.Failed), "duration_ms", summary.Duration.Milliseconds())

	return summary, nil
}

// copyUnaffected copies every unit's rows not present in onlySet from
// the currently live store into side, so an incremental reindex never
// loses rows for units it did not touch.
func (o *Orchestrator) copyUnaffected(side *catalog.Store, onlySet map[string]bool) error {
	prevSnap := o.pool.Acquire()
	defer prevSnap.Release()
	prevGen := prevSnap.Generation()

	seen := make(map[string]bool)
	for _, u := range prevGen.UnitCounts() {
		if onlySet[u.Name] || seen[u.Name] {
			continue
		}
		seen[u.Name] = true
		if err := side.CopyUnitRows(prevGen.Store, u.Name, u.Version); err != nil {
			return fmt.Errorf("copy unit %s: %w", u.Name, err)
		}
	}
	return nil
}
