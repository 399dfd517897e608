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

package refs

import (
	"testing"

	"github.com/ctindex/ct/internal/model"
)

func TestExtractFindsKnownMentions(t *testing.T) {
	e := NewExtractor([]string{"unit_a.helpers.format_name", "unit_a.Server", "unit_a.Server.run"}, 16)
	body := "fn handle() {\n    let s = Server::new();\n    format_name(s);\n}\n"

	refs := Extract("unit_a.handle", "sym1", 7, 10, 14, body, e)
	if len(refs) == 0 {
		t.Fatal("expected at least one reference")
	}
	var sawFormat, sawServer bool
	for _, r := range refs {
		if r.TargetPath == "unit_a.helpers.format_name" {
			sawFormat = true
		}
		if r.TargetPath == "unit_a.Server" {
			sawServer = true
		}
		if r.FromSymbolID != "sym1" || r.FileID != 7 {
			t.Errorf("ref has wrong anchor: %+v", r)
		}
	}
	if !sawFormat || !sawServer {
		t.Errorf("missing expected references, got %+v", refs)
	}
}

func TestExtractExcludesSelfAndDedups(t *testing.T) {
	e := NewExtractor([]string{"unit_a.run"}, 16)
	body := "fn run() {\n    run();\n    run();\n}\n"
	refs := Extract("unit_a.run", "sym1", 1, 1, 3, body, e)
	if len(refs) != 0 {
		t.Errorf("self-reference must be excluded, got %+v", refs)
	}
}

func TestExtractRespectsCeiling(t *testing.T) {
	e := NewExtractor([]string{"a", "b", "c"}, 2)
	body := "a b c a b c"
	refs := Extract("self", "sym1", 1, 1, 1, body, e)
	if len(refs) > 2 {
		t.Errorf("expected at most 2 refs under ceiling, got %d", len(refs))
	}
}

func TestBuildIndexAndReferencingSymbols(t *testing.T) {
	idx := BuildIndex([]model.Reference{
		{FromSymbolID: "s2", TargetPath: "unit_a.Target"},
		{FromSymbolID: "s1", TargetPath: "unit_a.Target"},
		{FromSymbolID: "s1", TargetPath: "unit_a.Target"},
		{FromSymbolID: "s3", TargetPath: "unit_a.Other"},
	})

	got := idx.ReferencingSymbols("unit_a.Target")
	want := []string{"s1", "s2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ReferencingSymbols = %v, want %v", got, want)
	}
	if len(idx.ReferencingSymbols("unit_a.Nonexistent")) != 0 {
		t.Error("expected no entries for unreferenced path")
	}
}
