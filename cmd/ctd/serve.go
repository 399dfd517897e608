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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ctindex/ct/internal/catalog"
	"github.com/ctindex/ct/internal/config"
	"github.com/ctindex/ct/internal/daemon"
	"github.com/ctindex/ct/internal/fingerprint"
	"github.com/ctindex/ct/internal/genindex"
	"github.com/ctindex/ct/internal/ignore"
	"github.com/ctindex/ct/internal/ingest"
	"github.com/ctindex/ct/internal/watch"
)

// app holds every long-lived component a running ctd owns, wired
// together by bootstrap, for the serve loop to close over.
type app struct {
	cfg          *config.Config
	pool         *genindex.Pool
	orchestrator *daemon.Orchestrator
	dispatcher   *daemon.Dispatcher
	metrics      *daemon.MetricsCollector
	server       *daemon.Server
	watcher      *watch.Watcher
	logger       *slog.Logger
	tokenPath    string
}

// bootstrap performs the one-time startup sequence: describe the
// workspace, run an initial full index if no catalog exists yet, build
// the first generation, wire the dispatcher, bind the IPC listener, and
// start the filesystem watcher.
func bootstrap(ctx context.Context, cfg *config.Config, workspaceRoot, workspaceTool, extractorTool string, logger *slog.Logger) (*app, error) {
	runner := ingest.ExecRunner{Timeout: time.Duration(cfg.ExtractorTimeoutS) * time.Second}

	members, err := ingest.DescribeWorkspace(ctx, runner, workspaceTool, workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("describe workspace: %w", err)
	}
	rootMap := make(map[string]string, len(members))
	orchMembers := make([]daemon.Member, 0, len(members))
	for _, m := range members {
		rootMap[m.Name] = m.Root
		orchMembers = append(orchMembers, daemon.Member{Name: m.Name, Root: m.Root})
	}
	wsFingerprint := string(fingerprint.Workspace(rootMap))

	livePath := cfg.CatalogPath(wsFingerprint)

	ignoreFile, err := ignore.Load(filepath.Join(workspaceRoot, ".ctignore"))
	if err != nil {
		logger.Warn("load .ctignore", "error", err)
		ignoreFile = nil
	}
	if len(cfg.ExcludeGlobs) > 0 {
		ignoreFile = ignore.Merge(ignoreFile, cfg.ExcludeGlobs)
	}

	metrics := daemon.NewMetrics()

	pool, orch, err := initialIndex(ctx, cfg, livePath, workspaceRoot, workspaceTool, extractorTool, orchMembers, runner, ignoreFile, logger, metrics)
	if err != nil {
		return nil, err
	}

	orch.SetWorkspaceFingerprint(wsFingerprint)

	dispatcher := daemon.NewDispatcher(pool, cfg, orch.RefIndex, orch, ignoreFile, metrics)
	dispatcher.SetWorkspaceFingerprint(wsFingerprint)

	listener, token, tokenPath, err := bindListener(cfg, workspaceRoot, wsFingerprint, logger)
	if err != nil {
		return nil, err
	}

	idleTimeout := time.Duration(cfg.IdleReadTimeoutS) * time.Second
	server := daemon.New(listener, dispatcher.Handle, idleTimeout, logger)
	if token != "" {
		server.RequireToken(token)
	}

	w, err := watch.New(watchMembers(orchMembers), time.Duration(cfg.DebounceMS)*time.Millisecond, ignoreFile, logger)
	if err != nil {
		logger.Warn("watch: start failed, incremental reindex on change is disabled", "error", err)
	} else {
		go w.Run()
		go driveWatcher(ctx, w, orch, metrics, logger)
	}

	logger.Info("ctd: ready", "workspace", workspaceRoot, "units", len(orchMembers), "catalog", livePath, "goroutines", runtime.NumGoroutine())

	return &app{
		cfg:          cfg,
		pool:         pool,
		orchestrator: orch,
		dispatcher:   dispatcher,
		metrics:      metrics,
		server:       server,
		watcher:      w,
		logger:       logger,
		tokenPath:    tokenPath,
	}, nil
}

// initialIndex opens the existing catalog if present, or ingests the
// workspace from scratch to create one, then builds the first
// in-memory generation, the pool that owns it, and the reindex
// orchestrator that keeps both current from then on.
func initialIndex(ctx context.Context, cfg *config.Config, livePath, workspaceRoot, workspaceTool, extractorTool string, members []daemon.Member, runner ingest.Runner, ignoreFile *ignore.File, logger *slog.Logger, metrics *daemon.MetricsCollector) (*genindex.Pool, *daemon.Orchestrator, error) {
	store, err := catalog.OpenRead(livePath)
	if err != nil {
		logger.Info("ctd: no existing catalog, running initial full index", "path", livePath)
		store, err = runInitialFullIndex(ctx, cfg, livePath, workspaceRoot, extractorTool, members, runner, ignoreFile, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("initial index: %w", err)
		}
	}

	gen, err := genindex.Build(store, cfg.MaxMemMB)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("build initial generation: %w", err)
	}
	metrics.SetSymbolCount(len(gen.All()))

	pool := genindex.NewPool(gen)
	orch := daemon.NewOrchestrator(cfg, livePath, workspaceRoot, workspaceTool, extractorTool, members, runner, pool, ignoreFile, logger)
	return pool, orch, nil
}

// runInitialFullIndex ingests every workspace member into a fresh side
// store and commits it, bypassing the orchestrator (which requires an
// existing pool to swap into) for the one run that creates that pool's
// first generation.
func runInitialFullIndex(ctx context.Context, cfg *config.Config, livePath, workspaceRoot, extractorTool string, members []daemon.Member, runner ingest.Runner, ignoreFile *ignore.File, logger *slog.Logger) (*catalog.Store, error) {
	side, err := catalog.PrepareSide(livePath)
	if err != nil {
		return nil, fmt.Errorf("prepare side store: %w", err)
	}

	pipelineMembers := make([]ingest.WorkspaceMember, 0, len(members))
	for _, m := range members {
		pipelineMembers = append(pipelineMembers, ingest.WorkspaceMember{Name: m.Name, Root: m.Root})
	}

	opts := ingest.Options{
		WorkspaceRoot:     workspaceRoot,
		ExtractorToolPath: extractorTool,
		ReferencesTopN:    cfg.ReferencesTopN,
		ExcludeGlobs:      ignoreFile,
	}
	pipeline := ingest.New(opts, runner, side, logger)
	if _, err := pipeline.RunMembers(ctx, pipelineMembers); err != nil {
		side.Close()
		return nil, err
	}

	if err := catalog.CommitSide(side, livePath); err != nil {
		return nil, fmt.Errorf("commit initial side store: %w", err)
	}
	return catalog.OpenRead(livePath)
}

// bindListener resolves the configured transport into a bound
// net.Listener. For tcp it also generates the session token every
// request must carry and persists it for clients to read.
func bindListener(cfg *config.Config, workspaceRoot, wsFingerprint string, logger *slog.Logger) (net.Listener, string, string, error) {
	endpointDir := filepath.Join(workspaceRoot, ".ct")
	switch cfg.Transport {
	case config.TransportTCP:
		addr := cfg.TCPAddr
		if addr == "" {
			addr = "127.0.0.1:0"
		}
		l, token, err := daemon.ListenLoopbackTCP(addr)
		if err != nil {
			return nil, "", "", err
		}
		tokenPath := filepath.Join(endpointDir, "session.token")
		if err := daemon.WriteTokenFile(tokenPath, token); err != nil {
			l.Close()
			return nil, "", "", err
		}
		if err := writeEndpointFile(endpointDir, "tcp "+l.Addr().String()); err != nil {
			l.Close()
			return nil, "", "", err
		}
		logger.Info("ctd: listening", "transport", "tcp", "addr", l.Addr().String())
		return l, token, tokenPath, nil
	default:
		sockPath := cfg.SocketPath
		if sockPath == "" {
			sockPath = filepath.Join(endpointDir, "ctd-"+shortFingerprint(wsFingerprint)+".sock")
		}
		l, err := daemon.ListenUnix(sockPath)
		if err != nil {
			return nil, "", "", err
		}
		if err := writeEndpointFile(endpointDir, "unix "+sockPath); err != nil {
			l.Close()
			return nil, "", "", err
		}
		logger.Info("ctd: listening", "transport", "unix", "path", sockPath)
		return l, "", "", nil
	}
}

// writeEndpointFile publishes the bound endpoint so ct clients can
// find it without recomputing the workspace fingerprint.
func writeEndpointFile(dir, line string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "endpoint"), []byte(line+"\n"), 0o600)
}

// shortFingerprint abbreviates a workspace fingerprint for embedding in
// endpoint names.
func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

func watchMembers(members []daemon.Member) []watch.Member {
	out := make([]watch.Member, 0, len(members))
	for _, m := range members {
		out = append(out, watch.Member{Name: m.Name, Root: m.Root})
	}
	return out
}

// driveWatcher consumes the watcher's job queue and triggers one
// incremental reindex per unit. A failure is logged without ever
// stopping the watch loop; a success records the reindex duration.
// Backlog drops counted by the watcher are added to the metrics each
// time a job is received.
func driveWatcher(ctx context.Context, w *watch.Watcher, orch *daemon.Orchestrator, metrics *daemon.MetricsCollector, logger *slog.Logger) {
	var dropped int64
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-w.Jobs:
			if !ok {
				return
			}
			for n := w.Dropped(); dropped < n; dropped++ {
				metrics.IncWatchDropped()
			}
			start := time.Now()
			if _, err := orch.Unit(ctx, job.UnitName); err != nil {
				logger.Warn("ctd: incremental reindex failed", "unit", job.UnitName, "error", err)
				continue
			}
			metrics.ObserveReindex(time.Since(start))
			logger.Info("ctd: incremental reindex complete", "unit", job.UnitName, "paths", len(job.Paths))
		}
	}
}

// Close releases every component bootstrap started.
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.server != nil {
		a.server.Close()
	}
}
