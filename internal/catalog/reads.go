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

package catalog

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/ctindex/ct/internal/model"
)

// ReadSymbol fetches a full symbol row by its id.
func (s *Store) ReadSymbol(id string) (model.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT symbol_id, unit_id, file_id, canonical_path, name, kind,
		visibility, signature, docs, status, span_start, span_end, def_hash
		FROM symbols WHERE symbol_id = ?`, id)
	return scanSymbol(row)
}

// ReadFile fetches a file row by its id.
func (s *Store) ReadFile(id int64) (model.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT id, unit_id, path, digest FROM files WHERE id = ?`, id)
	var f model.File
	if err := row.Scan(&f.ID, &f.UnitID, &f.Path, &f.Digest); err != nil {
		if err == sql.ErrNoRows {
			return f, ErrFileNotFound
		}
		return f, fmt.Errorf("read file: %w", err)
	}
	return f, nil
}

// ReadUnit fetches a unit row by its id.
func (s *Store) ReadUnit(id int64) (model.Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT id, name, version, fingerprint, root, external FROM units WHERE id = ?`, id)
	var u model.Unit
	var external int
	if err := row.Scan(&u.ID, &u.Name, &u.Version, &u.Fingerprint, &u.Root, &external); err != nil {
		return u, fmt.Errorf("read unit: %w", err)
	}
	u.External = external != 0
	return u, nil
}

// QueryByName returns all symbols whose lowercased name equals lower,
// in no particular order; callers apply the stable total order
// themselves (internal/query).
func (s *Store) QueryByName(lower string) ([]model.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT symbol_id, unit_id, file_id, canonical_path, name, kind,
		visibility, signature, docs, status, span_start, span_end, def_hash
		FROM symbols WHERE name_lower = ?`, lower)
	if err != nil {
		return nil, fmt.Errorf("query by name: %w", err)
	}
	defer rows.Close()
	return scanSymbols(rows)
}

// QueryByNamePrefix returns symbols whose lowercased name starts with
// prefix, bounded by limit.
func (s *Store) QueryByNamePrefix(prefix string, limit int) ([]model.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT symbol_id, unit_id, file_id, canonical_path, name, kind,
		visibility, signature, docs, status, span_start, span_end, def_hash
		FROM symbols WHERE name_lower GLOB ? LIMIT ?`, globEscape(prefix)+"*", limit)
	if err != nil {
		return nil, fmt.Errorf("query by name prefix: %w", err)
	}
	defer rows.Close()
	return scanSymbols(rows)
}

// QueryByPathPrefix returns symbols whose canonical_path starts with
// prefix. Path matching is case-sensitive; only name lookup is
// case-insensitive.
func (s *Store) QueryByPathPrefix(prefix string) ([]model.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT symbol_id, unit_id, file_id, canonical_path, name, kind,
		visibility, signature, docs, status, span_start, span_end, def_hash
		FROM symbols WHERE canonical_path = ? OR canonical_path GLOB ?`,
		prefix, globEscape(prefix)+".*")
	if err != nil {
		return nil, fmt.Errorf("query by path prefix: %w", err)
	}
	defer rows.Close()
	return scanSymbols(rows)
}

// QueryByCanonicalPath returns the (usually singleton, occasionally
// shadowed) set of symbols whose canonical_path equals path exactly.
func (s *Store) QueryByCanonicalPath(path string) ([]model.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT symbol_id, unit_id, file_id, canonical_path, name, kind,
		visibility, signature, docs, status, span_start, span_end, def_hash
		FROM symbols WHERE canonical_path = ?`, path)
	if err != nil {
		return nil, fmt.Errorf("query by canonical path: %w", err)
	}
	defer rows.Close()
	return scanSymbols(rows)
}

// AllSymbols returns every symbol in deterministic (canonical_path,
// span_start) order, for status aggregation and full scans.
func (s *Store) AllSymbols() ([]model.Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT symbol_id, unit_id, file_id, canonical_path, name, kind,
		visibility, signature, docs, status, span_start, span_end, def_hash
		FROM symbols ORDER BY canonical_path, span_start`)
	if err != nil {
		return nil, fmt.Errorf("all symbols: %w", err)
	}
	defer rows.Close()
	return scanSymbols(rows)
}

// ImplsForType returns the impl records whose for_path equals forPath.
func (s *Store) ImplsForType(forPath string) ([]model.Impl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id, for_path, trait_path, file_id, line_start, line_end
		FROM impls WHERE for_path = ? ORDER BY line_start`, forPath)
	if err != nil {
		return nil, fmt.Errorf("impls for type: %w", err)
	}
	defer rows.Close()
	var out []model.Impl
	for rows.Next() {
		var im model.Impl
		if err := rows.Scan(&im.ID, &im.ForPath, &im.TraitPath, &im.FileID, &im.LineStart, &im.LineEnd); err != nil {
			return nil, err
		}
		out = append(out, im)
	}
	return out, rows.Err()
}

// ImplAt returns the impl records recorded at a specific file and
// starting line, used to resolve an impl symbol back to its for_path
// and trait_path.
func (s *Store) ImplAt(fileID int64, lineStart int) ([]model.Impl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT id, for_path, trait_path, file_id, line_start, line_end
		FROM impls WHERE file_id = ? AND line_start = ? ORDER BY id`, fileID, lineStart)
	if err != nil {
		return nil, fmt.Errorf("impl at: %w", err)
	}
	defer rows.Close()
	var out []model.Impl
	for rows.Next() {
		var im model.Impl
		if err := rows.Scan(&im.ID, &im.ForPath, &im.TraitPath, &im.FileID, &im.LineStart, &im.LineEnd); err != nil {
			return nil, err
		}
		out = append(out, im)
	}
	return out, rows.Err()
}

// ReferencesTo returns reference rows whose target_path matches path,
// used to compute best-effort parent contexts.
func (s *Store) ReferencesTo(path string) ([]model.Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT from_symbol_id, target_path, file_id, span_start, span_end
		FROM refs WHERE target_path = ? ORDER BY target_path, span_start`, path)
	if err != nil {
		return nil, fmt.Errorf("references to: %w", err)
	}
	defer rows.Close()
	var out []model.Reference
	for rows.Next() {
		var r model.Reference
		if err := rows.Scan(&r.FromSymbolID, &r.TargetPath, &r.FileID, &r.SpanStart, &r.SpanEnd); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AllReferences returns every reference row in the store, used to
// build the reverse reference index (internal/refs) once per
// generation rather than querying per symbol during expansion.
func (s *Store) AllReferences() ([]model.Reference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(`SELECT from_symbol_id, target_path, file_id, span_start, span_end
		FROM refs ORDER BY target_path, span_start`)
	if err != nil {
		return nil, fmt.Errorf("all references: %w", err)
	}
	defer rows.Close()
	var out []model.Reference
	for rows.Next() {
		var r model.Reference
		if err := rows.Scan(&r.FromSymbolID, &r.TargetPath, &r.FileID, &r.SpanStart, &r.SpanEnd); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReadMeta reads a singleton meta value.
func (s *Store) ReadMeta(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key)
	var v string
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return v, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSymbol(row scannable) (model.Symbol, error) {
	var sym model.Symbol
	var kind, vis, status string
	if err := row.Scan(&sym.SymbolID, &sym.UnitID, &sym.FileID, &sym.CanonicalPath, &sym.Name,
		&kind, &vis, &sym.Signature, &sym.Docs, &status, &sym.SpanStart, &sym.SpanEnd, &sym.DefHash); err != nil {
		if err == sql.ErrNoRows {
			return sym, ErrSymbolNotFound
		}
		return sym, fmt.Errorf("read symbol: %w", err)
	}
	sym.Kind = model.Kind(kind)
	sym.Visibility = model.Visibility(vis)
	sym.Status = model.Status(status)
	return sym, nil
}

func scanSymbols(rows *sql.Rows) ([]model.Symbol, error) {
	var out []model.Symbol
	for rows.Next() {
		sym, err := scanSymbol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// globEscape escapes sqlite GLOB metacharacters in a literal prefix so
// prefix queries never misinterpret user-controlled names as patterns.
func globEscape(s string) string {
	r := strings.NewReplacer("*", "[*]", "?", "[?]", "[", "[[]")
	return r.Replace(s)
}
