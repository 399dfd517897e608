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

// Package ingest orchestrates the indexing pipeline: discover workspace
// members, invoke the external documentation extractor per unit,
// canonicalize and normalize its output into catalog rows, classify
// implementation status, extract sparse references, and insert
// everything into a prepared side store for atomic commit.
//
// The pipeline is a sequence of phases (discover, extract, normalize,
// write) with per-unit error tolerance and an aggregated result
// summary. Parsing is an external collaborator's job (the extractor
// tool); this package normalizes and persists whatever that tool
// reports.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ctindex/ct/internal/catalog"
	"github.com/ctindex/ct/internal/classify"
	"github.com/ctindex/ct/internal/fingerprint"
	"github.com/ctindex/ct/internal/ignore"
	"github.com/ctindex/ct/internal/model"
	"github.com/ctindex/ct/internal/refs"
	"github.com/ctindex/ct/internal/sigparse"
)

// UnitStatus reports one workspace member's outcome. An extractor
// failure is recorded here and the run continues with the remaining
// units.
type UnitStatus struct {
	UnitName string
	Symbols  int
	Err      error
}

// Result summarizes one ingestion run across all workspace members.
type Result struct {
	Statuses []UnitStatus
}

// Succeeded reports how many units indexed without error.
func (r Result) Succeeded() int {
	n := 0
	for _, s := range r.Statuses {
		if s.Err == nil {
			n++
		}
	}
	return n
}

// Options configures one ingestion run.
type Options struct {
	WorkspaceRoot     string
	WorkspaceToolPath string
	ExtractorToolPath string
	FeatureSet        []string
	TargetTriple      string
	ReferencesTopN    int
	ExtractorTimeout  int // seconds, 0 = ExecRunner default
	ExcludeGlobs      *ignore.File
}

// Pipeline runs one ingestion pass into a prepared side store.
type Pipeline struct {
	opts     Options
	runner   Runner
	logger   *slog.Logger
	side     *catalog.Store
	metaDone bool
}

// New builds a Pipeline writing into side (opened via
// catalog.PrepareSide by the caller).
func New(opts Options, runner Runner, side *catalog.Store, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{opts: opts, runner: runner, logger: logger, side: side}
}

// Run discovers workspace members and ingests each in turn. The
// overall commit fails only if zero units indexed successfully; the
// caller decides whether to proceed to CommitSide based on
// Result.Succeeded().
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	members, err := DescribeWorkspace(ctx, p.runner, p.opts.WorkspaceToolPath, p.opts.WorkspaceRoot)
	if err != nil {
		return Result{}, fmt.Errorf("describe workspace: %w", err)
	}
	return p.runMembers(ctx, members)
}

// RunMembers ingests exactly the given members, skipping workspace
// discovery. Used for an incremental reindex where the
// caller already knows which unit(s) changed.
func (p *Pipeline) RunMembers(ctx context.Context, members []WorkspaceMember) (Result, error) {
	return p.runMembers(ctx, members)
}

func (p *Pipeline) runMembers(ctx context.Context, members []WorkspaceMember) (Result, error) {
	var result Result
	for _, m := range members {
		n, err := p.ingestUnit(ctx, m)
		result.Statuses = append(result.Statuses, UnitStatus{UnitName: m.Name, Symbols: n, Err: err})
		if err != nil {
			p.logger.Warn("unit ingestion failed", "unit", m.Name, "error", err)
		}
	}

	if result.Succeeded() == 0 && len(members) > 0 {
		return result, fmt.Errorf("ingest: all %d units failed", len(members))
	}
	return result, nil
}

// ingestUnit extracts, normalizes, classifies and stages one
// workspace member's rows.
func (p *Pipeline) ingestUnit(ctx context.Context, m WorkspaceMember) (int, error) {
	out, err := ExtractUnit(ctx, p.runner, p.opts.ExtractorToolPath, m.Root, p.opts.FeatureSet, p.opts.TargetTriple)
	if err != nil {
		return 0, fmt.Errorf("extractor failed for unit %s: %w", m.Name, err)
	}
	p.recordToolMeta(out)

	fileDigests := make(map[string]fingerprint.Digest)
	unit := model.Unit{Name: m.Name, Version: m.Version, Root: m.Root}

	fileIDs := make(map[string]int64)
	canonByRaw := make(map[string]string)

	type pending struct {
		item          ExtractedItem
		canonicalPath string
	}
	var orderable []pending

	for _, item := range out.Items {
		if p.opts.ExcludeGlobs != nil {
			rel, relErr := filepath.Rel(m.Root, item.File)
			if relErr == nil && p.opts.ExcludeGlobs.MatchesPath(rel) {
				continue
			}
		}
		canon := canonicalPath(m.Name, item.Path)
		canonByRaw[item.Path] = canon
		orderable = append(orderable, pending{item: item, canonicalPath: canon})
	}

	sort.Slice(orderable, func(i, j int) bool {
		if orderable[i].canonicalPath != orderable[j].canonicalPath {
			return orderable[i].canonicalPath < orderable[j].canonicalPath
		}
		return orderable[i].item.SpanStart < orderable[j].item.SpanStart
	})

	allPaths := make([]string, 0, len(orderable))
	for _, o := range orderable {
		allPaths = append(allPaths, o.canonicalPath)
	}
	extractor := refs.NewExtractor(allPaths, topNOrDefault(p.opts.ReferencesTopN))

	// Insert the unit row first (fingerprint filled in once file digests
	// are known) so file rows have a unit_id to reference.
	unitID, err := p.side.InsertUnit(unit)
	if err != nil {
		return 0, fmt.Errorf("insert unit %s: %w", m.Name, err)
	}
	unit.ID = unitID

	unitFingerprintInputs := make([]fingerprint.Digest, 0, len(orderable))
	inserted := 0

	for _, o := range orderable {
		item := o.item

		fileID, fileDigest, err := p.resolveFile(item.File, fileIDs, fileDigests, unitID)
		if err != nil {
			return inserted, fmt.Errorf("unit %s: file %s: %w", m.Name, item.File, err)
		}
		unitFingerprintInputs = appendUnique(unitFingerprintInputs, fileDigest)

		signature := sigparse.NormalizeSignature(item.Signature)
		status := model.StatusImplemented
		kind := model.Kind(item.Kind)
		if kind.IsFunctionLike() {
			var cerr error
			status, cerr = classify.Classify(item.File, item.SpanStart, item.SpanEnd)
			if cerr != nil {
				return inserted, fmt.Errorf("unit %s: classify %s: %w", m.Name, o.canonicalPath, cerr)
			}
		}

		vis := model.VisPrivate
		if strings.EqualFold(item.Visibility, "public") {
			vis = model.VisPublic
		}

		name := item.Name
		if name == "" {
			name = o.canonicalPath[strings.LastIndex(o.canonicalPath, ".")+1:]
		}

		spanText, sterr := readSpanText(item.File, item.SpanStart, item.SpanEnd)
		if sterr != nil {
			return inserted, fmt.Errorf("unit %s: read span %s: %w", m.Name, o.canonicalPath, sterr)
		}

		symID := fingerprint.SymbolID(toolEnvDigest(out), o.canonicalPath, item.Kind, fileDigest, item.SpanStart, item.SpanEnd)
		defHash := fingerprint.DefHash(signature, spanText)

		sym := model.Symbol{
			SymbolID:      string(symID),
			UnitID:        unitID,
			FileID:        fileID,
			CanonicalPath: o.canonicalPath,
			Name:          name,
			Kind:          kind,
			Visibility:    vis,
			Signature:     signature,
			Docs:          item.Docs,
			Status:        status,
			SpanStart:     item.SpanStart,
			SpanEnd:       item.SpanEnd,
			DefHash:       string(defHash),
		}

		// An impl block is staged twice: as an impl record (for the
		// for_path/trait_path lookups the parent ascent needs) and as
		// an addressable symbol row of kind impl, so ascending from a
		// method can stop at the enclosing impl before reaching the
		// type and trait.
		if kind == model.KindImpl {
			if err := p.side.InsertImpl(model.Impl{
				ForPath:   implTargetPath(canonByRaw, item.ForPath),
				TraitPath: implTargetPath(canonByRaw, item.TraitPath),
				FileID:    fileID,
				LineStart: item.SpanStart,
				LineEnd:   item.SpanEnd,
			}); err != nil {
				return inserted, fmt.Errorf("insert impl: %w", err)
			}
		}

		if err := p.side.InsertSymbol(sym); err != nil {
			return inserted, fmt.Errorf("insert symbol %s: %w", o.canonicalPath, err)
		}
		inserted++

		if kind.IsFunctionLike() {
			for _, ref := range refs.Extract(o.canonicalPath, sym.SymbolID, fileID, item.SpanStart, item.SpanEnd, spanText, extractor) {
				if err := p.side.InsertReference(ref); err != nil {
					return inserted, fmt.Errorf("insert reference: %w", err)
				}
			}
		}
	}

	unit.Fingerprint = string(fingerprint.Unit(unit.Name, unit.Version, unitFingerprintInputs, toolEnvDigest(out)))
	if _, err := p.side.InsertUnit(unit); err != nil {
		return inserted, fmt.Errorf("update unit fingerprint %s: %w", m.Name, err)
	}

	return inserted, nil
}

// recordToolMeta stamps the side store with the extractor environment
// the first successful extraction reports: tool version, feature set,
// target triple, environment fingerprint and creation time.
func (p *Pipeline) recordToolMeta(out *ExtractorOutput) {
	if p.metaDone {
		return
	}
	p.metaDone = true
	featureJSON, _ := json.Marshal(out.FeatureSet)
	meta := map[string]string{
		"tool_version":          out.ToolVersion,
		"feature_set":           string(featureJSON),
		"target_triple":         out.Target,
		"extractor_fingerprint": string(toolEnvDigest(out)),
		"created_at":            fmt.Sprintf("%d", time.Now().Unix()),
	}
	for k, v := range meta {
		if err := p.side.WriteMeta(k, v); err != nil {
			p.logger.Warn("write catalog meta failed", "key", k, "error", err)
		}
	}
}

// resolveFile digests path once per unit and inserts/reuses its file row.
func (p *Pipeline) resolveFile(path string, fileIDs map[string]int64, fileDigests map[string]fingerprint.Digest, unitID int64) (int64, fingerprint.Digest, error) {
	if id, ok := fileIDs[path]; ok {
		return id, fileDigests[path], nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, "", err
	}
	digest := fingerprint.File(content)
	f := model.File{UnitID: unitID, Path: path, Digest: string(digest)}
	id, err := p.side.InsertFile(f)
	if err != nil {
		return 0, "", err
	}
	fileIDs[path] = id
	fileDigests[path] = digest
	return id, digest, nil
}

// canonicalPath builds the dotted "unit_name.segment.segment..." form
// from the extractor's raw item path.
func canonicalPath(unitName, rawPath string) string {
	rawPath = strings.TrimPrefix(rawPath, "::")
	rawPath = strings.ReplaceAll(rawPath, "::", ".")
	if rawPath == "" {
		return unitName
	}
	if strings.HasPrefix(rawPath, unitName+".") || rawPath == unitName {
		return rawPath
	}
	return unitName + "." + rawPath
}

// implTargetPath resolves an impl's raw for/trait path to the catalog's
// canonical namespace. Targets outside the extracted item set (external
// units) keep their dotted form as an opaque name reference.
func implTargetPath(canonByRaw map[string]string, raw string) string {
	if raw == "" {
		return ""
	}
	if c, ok := canonByRaw[raw]; ok {
		return c
	}
	return strings.ReplaceAll(strings.TrimPrefix(raw, "::"), "::", ".")
}

func topNOrDefault(n int) int {
	if n <= 0 {
		return 16
	}
	return n
}

func appendUnique(digests []fingerprint.Digest, d fingerprint.Digest) []fingerprint.Digest {
	for _, existing := range digests {
		if existing == d {
			return digests
		}
	}
	return append(digests, d)
}

func toolEnvDigest(out *ExtractorOutput) fingerprint.Digest {
	return fingerprint.ToolEnvironment(out.ToolVersion, "", out.FeatureSet, out.Target, "")
}

func readSpanText(path string, start, end int) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	lines := strings.Split(string(content), "\n")
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return "", nil
	}
	return strings.Join(lines[start-1:end], "\n"), nil
}
