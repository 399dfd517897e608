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
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"

	"github.com/ctindex/ct/internal/daemon"
)

// maybeSpin starts an indeterminate spinner for the long-running,
// single-shot commands (reindex rebuilds the catalog; bench runs a
// timed query loop). The protocol returns one response with no
// intermediate progress events, so the spinner carries no position.
// It returns a stop func to call once the response arrives.
func maybeSpin(cmd string, jsonOut, useColor bool) func() {
	if jsonOut || (cmd != "reindex" && cmd != "bench") || !useColor || !isatty.IsTerminal(os.Stderr.Fd()) {
		return func() {}
	}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(cmd+"ing"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = bar.Add(1)
			}
		}
	}()
	return func() {
		close(done)
		_ = bar.Finish()
	}
}

// render prints resp to stdout. With jsonOut it prints the raw wire
// envelope; otherwise it renders a short human-readable tabwriter
// summary, colorized when useColor and stdout is a terminal.
func render(resp daemon.Response, jsonOut, useColor bool) {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
		return
	}

	colorEnabled := useColor && isatty.IsTerminal(os.Stdout.Fd())
	color.NoColor = !colorEnabled

	if resp.DecisionRequired != nil {
		renderDecision(resp)
		return
	}
	if !resp.OK {
		renderError(resp)
		return
	}
	renderData(resp)
}

func renderDecision(resp daemon.Response) {
	d := resp.DecisionRequired
	warn := color.New(color.FgYellow, color.Bold)
	warn.Fprintf(os.Stderr, "expansion capped: %s\n", d.Reason)
	fmt.Fprintf(os.Stderr, "estimated full size: %d characters\n", d.ContentLen)
	fmt.Fprintf(os.Stderr, "re-run with --decision one of: %v\n", d.Options)
}

func renderError(resp daemon.Response) {
	red := color.New(color.FgRed, color.Bold)
	red.Fprintf(os.Stderr, "error [%s]: %s\n", resp.ErrCode, resp.Err)
}

func renderData(resp daemon.Response) {
	if resp.Data == nil {
		fmt.Println("ok")
		return
	}

	switch data := resp.Data.(type) {
	case []any:
		renderList(data)
	case map[string]any:
		renderObject(data)
	default:
		fmt.Printf("%v\n", data)
	}

	if resp.Truncated {
		color.New(color.FgYellow).Fprintln(os.Stderr, "(truncated: results capped)")
	}
	if resp.Metrics != nil {
		color.New(color.Faint).Fprintf(os.Stderr, "%d ms, %d bytes\n", resp.Metrics.ElapsedMS, resp.Metrics.Bytes)
	}
}

// renderList prints one row per element, field order taken from the
// first element (find/status results); if that element is not a map,
// no columns are printed.
func renderList(items []any) {
	if len(items) == 0 {
		fmt.Println("(no results)")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	cols := objectKeys(items, "canonical_path", "name", "kind", "visibility", "status")
	bold := color.New(color.Bold)
	for _, c := range cols {
		bold.Fprintf(tw, "%s\t", c)
	}
	fmt.Fprintln(tw)

	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			fmt.Fprintf(tw, "%v\n", it)
			continue
		}
		for _, c := range cols {
			fmt.Fprintf(tw, "%v\t", obj[c])
		}
		fmt.Fprintln(tw)
	}
}

// objectKeys returns the preferred columns that are present in the
// first item, falling back to every key of that item.
func objectKeys(items []any, preferred ...string) []string {
	first, ok := items[0].(map[string]any)
	if !ok {
		return nil
	}
	var cols []string
	for _, p := range preferred {
		if _, ok := first[p]; ok {
			cols = append(cols, p)
		}
	}
	if len(cols) > 0 {
		return cols
	}
	for k := range first {
		cols = append(cols, k)
	}
	return cols
}

func renderObject(obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()
	bold := color.New(color.Bold)
	for _, k := range keys {
		bold.Fprintf(tw, "%s:\t", k)
		fmt.Fprintf(tw, "%v\n", obj[k])
	}
}
