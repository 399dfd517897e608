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

// Package main implements ctd, the symbol catalog daemon: one process
// per workspace that indexes it, serves find/doc/ls/export/status/
// diag/reindex/bench over a local IPC endpoint, and watches the
// filesystem for incremental reindex triggers.
//
// Usage:
//
//	ctd --workspace /path/to/repo [--config ctd.yaml]
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/ctindex/ct/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	var (
		workspaceRoot = flag.StringP("workspace", "w", "", "Workspace root to index and serve (default: current directory)")
		configPath    = flag.StringP("config", "c", "", "Path to ctd.yaml (default: <workspace>/.ct/ctd.yaml)")
		workspaceTool = flag.String("workspace-tool", "cargo-workspace-describe", "External workspace descriptor tool")
		extractorTool = flag.String("extractor-tool", "doc-extractor", "External documentation extractor tool")
		metricsAddr   = flag.String("metrics-addr", "", "Optional loopback address for the Prometheus /metrics listener")
		showVersion   = flag.BoolP("version", "V", false, "Show version and exit")
		verbose       = flag.CountP("verbose", "v", "Increase log verbosity (-v for debug)")
	)
	flag.SetInterspersed(false)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `ctd - symbol catalog indexer and query daemon

Usage:
  ctd --workspace <path> [options]

Options:
  -w, --workspace       Workspace root to index and serve
  -c, --config          Path to ctd.yaml configuration file
      --workspace-tool  External workspace descriptor tool (default: cargo-workspace-describe)
      --extractor-tool  External documentation extractor tool (default: doc-extractor)
      --metrics-addr    Optional loopback address for the Prometheus /metrics listener
  -v, --verbose         Increase log verbosity
  -V, --version         Show version and exit
`)
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("ctd version %s (commit %s, built %s)\n", version, commit, date)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *verbose > 0 {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	root := *workspaceRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			logger.Error("resolve working directory", "error", err)
			os.Exit(1)
		}
		root = wd
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		logger.Error("resolve workspace root", "error", err)
		os.Exit(1)
	}

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(absRoot, ".ct", "ctd.yaml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load configuration", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if !cfg.WorkspaceAllowed(absRoot) {
		logger.Error("workspace not permitted by workspace_allow", "workspace", absRoot)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap(ctx, cfg, absRoot, *workspaceTool, *extractorTool, logger)
	if err != nil {
		logger.Error("bootstrap daemon", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", app.metrics.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("ctd: metrics listener failed", "addr", *metricsAddr, "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("ctd: shutting down")
		cancel()
		app.Close()
	}()

	if err := app.server.Serve(); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}
