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

package ingest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctindex/ct/internal/catalog"
)

// fakeRunner serves canned JSON for the workspace descriptor and
// extractor invocations without shelling out.
type fakeRunner struct {
	workspaceJSON []byte
	extractorJSON []byte
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	for _, a := range args {
		if a == "--workspace" {
			return f.workspaceJSON, nil
		}
	}
	return f.extractorJSON, nil
}

func TestPipelineRunIngestsOneUnit(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "lib.rs")
	content := "fn handle() {\n    unimplemented!()\n}\n\nfn other() {\n    true;\n}\n"
	if err := os.WriteFile(srcPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	members := []WorkspaceMember{{Name: "unit_a", Root: dir, Version: "0.1.0"}}
	membersJSON, err := json.Marshal(members)
	if err != nil {
		t.Fatalf("marshal members: %v", err)
	}

	out := ExtractorOutput{
		ToolVersion: "1.0.0",
		FeatureSet:  []string{"default"},
		Target:      "x86_64-unknown-linux-gnu",
		Items: []ExtractedItem{
			{Path: "handle", Name: "handle", Kind: "fn", Visibility: "public", Signature: "fn handle()", File: srcPath, SpanStart: 1, SpanEnd: 3},
			{Path: "other", Name: "other", Kind: "fn", Visibility: "private", Signature: "fn other()", File: srcPath, SpanStart: 5, SpanEnd: 7},
		},
	}
	extractorJSON, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal extractor output: %v", err)
	}

	runner := &fakeRunner{workspaceJSON: membersJSON, extractorJSON: extractorJSON}

	side, err := catalog.PrepareSide(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("PrepareSide: %v", err)
	}

	opts := Options{
		WorkspaceRoot:     dir,
		WorkspaceToolPath: "workspace-tool",
		ExtractorToolPath: "extractor-tool",
		ReferencesTopN:    16,
	}
	p := New(opts, runner, side, nil)

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Succeeded() != 1 {
		t.Fatalf("expected 1 unit succeeded, got %d (%+v)", result.Succeeded(), result.Statuses)
	}
	if result.Statuses[0].Symbols != 2 {
		t.Errorf("expected 2 symbols inserted, got %d", result.Statuses[0].Symbols)
	}

	rows, err := side.AllSymbols()
	if err != nil {
		t.Fatalf("AllSymbols: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 symbol rows in store, got %d", len(rows))
	}
	if rows[0].CanonicalPath != "unit_a.handle" {
		t.Errorf("expected canonical path unit_a.handle first, got %s", rows[0].CanonicalPath)
	}
}

func TestPipelineRunFailsWhenAllUnitsFail(t *testing.T) {
	dir := t.TempDir()
	members := []WorkspaceMember{{Name: "unit_a", Root: dir, Version: "0.1.0"}}
	membersJSON, _ := json.Marshal(members)

	runner := &fakeRunner{workspaceJSON: membersJSON, extractorJSON: []byte("not json")}

	side, err := catalog.PrepareSide(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("PrepareSide: %v", err)
	}

	p := New(Options{WorkspaceRoot: dir, WorkspaceToolPath: "w", ExtractorToolPath: "e"}, runner, side, nil)
	_, err = p.Run(context.Background())
	if err == nil {
		t.Fatal("expected error when all units fail")
	}
}
