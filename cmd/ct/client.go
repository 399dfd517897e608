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
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/ctindex/ct/internal/config"
	"github.com/ctindex/ct/internal/daemon"
)

// client holds one connection to a running ctd instance for the
// lifetime of a single request (the client opens, sends one
// framed line, reads one framed line, closes).
type client struct {
	conn  net.Conn
	token string
}

// newClient resolves workspaceRoot's configured transport and dials
// it. A daemon that is not running is reported as DAEMON_UNAVAILABLE,
// matching the err_code a caller would see had the daemon itself
// rejected the connection.
func newClient(workspaceRoot string) (*client, error) {
	cfgPath := filepath.Join(workspaceRoot, ".ct", "ctd.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	endpointDir := filepath.Join(workspaceRoot, ".ct")
	network, addr, err := resolveEndpoint(endpointDir, cfg)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("ctd not running (cannot reach %s endpoint %s): %w", network, addr, err)
	}
	c := &client{conn: conn}
	if network == "tcp" {
		tokenPath := filepath.Join(endpointDir, "session.token")
		tokenBytes, err := os.ReadFile(tokenPath)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("read session token at %s: %w", tokenPath, err)
		}
		c.token = strings.TrimSpace(string(tokenBytes))
	}
	return c, nil
}

// resolveEndpoint prefers the endpoint file a running ctd publishes
// (whose socket name embeds the workspace fingerprint), falling back
// to explicitly configured locations.
func resolveEndpoint(endpointDir string, cfg *config.Config) (network, addr string, err error) {
	if data, err := os.ReadFile(filepath.Join(endpointDir, "endpoint")); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) == 2 {
			return fields[0], fields[1], nil
		}
	}
	switch cfg.Transport {
	case config.TransportTCP:
		if cfg.TCPAddr == "" {
			return "", "", fmt.Errorf("ctd not running (no endpoint file in %s) and tcp_addr is not configured", endpointDir)
		}
		return "tcp", cfg.TCPAddr, nil
	default:
		if cfg.SocketPath == "" {
			return "", "", fmt.Errorf("ctd not running (no endpoint file in %s) and socket_path is not configured", endpointDir)
		}
		return "unix", cfg.SocketPath, nil
	}
}

// Send writes one framed request and reads back exactly one framed
// response line.
func (c *client) Send(cmd, requestID string, params any) (daemon.Response, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return daemon.Response{}, fmt.Errorf("encode params: %w", err)
	}
	req := daemon.Request{
		Cmd:             cmd,
		RequestID:       requestID,
		ProtocolVersion: daemon.ProtocolVersion,
		Token:           c.token,
		Params:          raw,
	}
	line, err := json.Marshal(req)
	if err != nil {
		return daemon.Response{}, fmt.Errorf("encode request: %w", err)
	}
	line = append(line, '\n')
	if _, err := c.conn.Write(line); err != nil {
		return daemon.Response{}, fmt.Errorf("write request: %w", err)
	}

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return daemon.Response{}, fmt.Errorf("read response: %w", err)
		}
		return daemon.Response{}, fmt.Errorf("ctd closed the connection without a response")
	}

	var resp daemon.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return daemon.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func (c *client) Close() error {
	return c.conn.Close()
}

// parseCommandArgs builds the params value for cmd from its
// command-specific flag set.
func parseCommandArgs(cmd string, args []string) (any, error) {
	switch cmd {
	case "find":
		fs := flag.NewFlagSet("find", flag.ContinueOnError)
		kind := fs.String("kind", "", "Filter by kind")
		visibility := fs.String("visibility", "", "Filter by visibility (public|private)")
		unimplemented := fs.Bool("unimplemented", false, "Only unimplemented symbols")
		todo := fs.Bool("todo", false, "Only todo-marked symbols")
		contextPath := fs.String("context", "", "Resolve relative to this canonical path")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return nil, fmt.Errorf("find requires a query argument")
		}
		return map[string]any{
			"q": fs.Arg(0), "kind": *kind, "visibility": *visibility,
			"unimplemented": *unimplemented, "todo": *todo, "context_path": *contextPath,
		}, nil

	case "doc":
		fs := flag.NewFlagSet("doc", flag.ContinueOnError)
		docs := fs.Bool("docs", false, "Include full documentation text")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return nil, fmt.Errorf("doc requires a path argument")
		}
		include := ""
		if *docs {
			include = "true"
		}
		return map[string]any{"path": fs.Arg(0), "include_docs": include}, nil

	case "ls", "export":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		expansion := fs.String("expand", "", "Expansion steps: '>' for children, '<' for parents, e.g. '>><'")
		implParents := fs.Bool("impl-parents", false, "Include impl-derived parent edges")
		decision := fs.String("decision", "", "continue|abort|full, when resuming a capped expansion")
		docs := fs.String("docs", "", "true|all, attach documentation text")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			return nil, fmt.Errorf("%s requires a path argument", cmd)
		}
		return map[string]any{
			"path": fs.Arg(0), "expansion": *expansion, "impl_parents": *implParents,
			"decision": *decision, "include_docs": *docs,
		}, nil

	case "status":
		fs := flag.NewFlagSet("status", flag.ContinueOnError)
		kind := fs.String("kind", "", "Filter by kind")
		visibility := fs.String("visibility", "", "Filter by visibility")
		unit := fs.String("unit", "", "Filter by unit name")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return map[string]any{"kind": *kind, "visibility": *visibility, "unit": *unit}, nil

	case "diag":
		return map[string]any{}, nil

	case "reindex":
		fs := flag.NewFlagSet("reindex", flag.ContinueOnError)
		unit := fs.String("unit", "", "Reindex only this unit (default: full reindex)")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return map[string]any{"unit": *unit}, nil

	case "bench":
		fs := flag.NewFlagSet("bench", flag.ContinueOnError)
		duration := fs.Int("duration", 10, "Benchmark duration in seconds")
		queries := fs.StringSlice("query", nil, "Query string to benchmark (repeatable)")
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		return map[string]any{"duration_s": *duration, "queries": *queries}, nil

	default:
		return nil, fmt.Errorf("unknown command %q", cmd)
	}
}
