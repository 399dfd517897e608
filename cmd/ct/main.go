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

// Package main implements ct, the thin CLI client for ctd. It connects
// to a running daemon's IPC endpoint, sends exactly one framed
// request per invocation, and prints the response. Behavior beyond
// that framing is intentionally minimal; ct owns no indexing or query
// logic of its own.
//
// Usage:
//
//	ct find <query> [--kind KIND] [--visibility public|private]
//	ct doc <path> [--docs]
//	ct ls <path> [--expand '>'|'<'...] [--impl-parents]
//	ct export <path> [--expand ...]
//	ct status [--unit NAME]
//	ct diag
//	ct reindex [--unit NAME]
//	ct bench [--duration SECONDS]
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/google/uuid"

	"github.com/ctindex/ct/internal/ctxerr"
	"github.com/ctindex/ct/internal/daemon"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	var (
		workspaceRoot = flag.StringP("workspace", "w", "", "Workspace root (default: current directory)")
		jsonOut       = flag.Bool("json", false, "Print the raw JSON response")
		noColor       = flag.Bool("no-color", false, "Disable colored output")
		showVersion   = flag.BoolP("version", "V", false, "Show version and exit")
	)
	flag.SetInterspersed(false)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `ct - symbol catalog client

Usage:
  ct <command> [args] [options]

Commands:
  find <query>       Resolve a name or path fragment to matching symbols
  doc <path>         Show one symbol's signature and documentation
  ls <path>          Expand a symbol's children/parents up to the context cap
  export <path>      Like ls, additionally attaching bundled source text
  status             Aggregate implementation-status counts
  diag               Daemon and catalog health snapshot
  reindex            Trigger a full or per-unit reindex
  bench              Measure in-memory query throughput

Options:
  -w, --workspace   Workspace root (default: current directory)
      --json        Print the raw JSON response
      --no-color    Disable colored output
  -V, --version     Show version and exit
`)
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("ct version %s (commit %s, built %s)\n", version, commit, date)
		os.Exit(0)
	}
	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}
	cmd := args[0]
	rest := args[1:]

	root := *workspaceRoot
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ct: %v\n", err)
			os.Exit(1)
		}
		root = wd
	}

	params, err := parseCommandArgs(cmd, rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ct: %v\n", err)
		os.Exit(exitInvalidArgs)
	}

	client, err := newClient(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ct: %v\n", err)
		os.Exit(exitDaemonUnavailable)
	}
	defer client.Close()

	stopSpin := maybeSpin(cmd, *jsonOut, !*noColor)
	resp, err := client.Send(cmd, uuid.New().String(), params)
	stopSpin()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ct: %v\n", err)
		os.Exit(exitDaemonUnavailable)
	}

	render(resp, *jsonOut, !*noColor)
	os.Exit(exitCode(resp))
}

// Exit codes surfaced to shell callers.
const (
	exitOK                = 0
	exitInvalidArgs       = 2
	exitDecisionRequired  = 3
	exitDaemonUnavailable = 4
	exitIndexMismatch     = 5
	exitInternal          = 6
)

// exitCode maps a daemon response onto the documented exit codes. A
// decision envelope the caller did not resolve exits 3 so scripted
// callers can distinguish "answer too large" from a hard failure.
func exitCode(resp daemon.Response) int {
	if resp.OK {
		if resp.DecisionRequired != nil {
			return exitDecisionRequired
		}
		return exitOK
	}
	switch ctxerr.Code(resp.ErrCode) {
	case ctxerr.InvalidArg:
		return exitInvalidArgs
	case ctxerr.DaemonUnavailable:
		return exitDaemonUnavailable
	case ctxerr.IndexMismatch:
		return exitIndexMismatch
	default:
		return exitInternal
	}
}
