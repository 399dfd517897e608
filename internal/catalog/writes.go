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
	"fmt"
	"strings"

	"github.com/ctindex/ct/internal/model"
)

// InsertUnit inserts or updates a unit row and returns its id.
func (s *Store) InsertUnit(u model.Unit) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO units(name, version, fingerprint, root, external)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name, version) DO UPDATE SET fingerprint = excluded.fingerprint,
			root = excluded.root, external = excluded.external`,
		u.Name, u.Version, u.Fingerprint, u.Root, boolToInt(u.External))
	if err != nil {
		return 0, fmt.Errorf("insert unit: %w", err)
	}
	// Look the row back up: after the update branch of an upsert,
	// LastInsertId does not name the updated row.
	var id int64
	row := s.db.QueryRow(`SELECT id FROM units WHERE name = ? AND version = ?`, u.Name, u.Version)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup unit after upsert: %w", err)
	}
	return id, nil
}

// InsertFile inserts a file row if new, or updates its digest if the
// unit already has a row for this path. A file row is reused across
// generations when its digest is unchanged.
func (s *Store) InsertFile(f model.File) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO files(unit_id, path, digest) VALUES (?, ?, ?)
		ON CONFLICT(unit_id, path) DO UPDATE SET digest = excluded.digest`,
		f.UnitID, f.Path, f.Digest)
	if err != nil {
		return 0, fmt.Errorf("insert file: %w", err)
	}
	var id int64
	row := s.db.QueryRow(`SELECT id FROM files WHERE unit_id = ? AND path = ?`, f.UnitID, f.Path)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup file after upsert: %w", err)
	}
	return id, nil
}

// InsertSymbol inserts one symbol row. Callers are responsible for
// feeding rows in deterministic order
// (by canonical_path, then span_start) so that ties in
// (unit_id, kind, span_start) are never ambiguous between runs.
func (s *Store) InsertSymbol(sym model.Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO symbols(symbol_id, unit_id, file_id, canonical_path, name,
		name_lower, kind, visibility, signature, docs, status, span_start, span_end, def_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol_id) DO UPDATE SET
			canonical_path = excluded.canonical_path, name = excluded.name,
			name_lower = excluded.name_lower, kind = excluded.kind,
			visibility = excluded.visibility, signature = excluded.signature,
			docs = excluded.docs, status = excluded.status,
			span_start = excluded.span_start, span_end = excluded.span_end,
			def_hash = excluded.def_hash`,
		sym.SymbolID, sym.UnitID, sym.FileID, sym.CanonicalPath, sym.Name,
		strings.ToLower(sym.Name), string(sym.Kind), string(sym.Visibility),
		sym.Signature, sym.Docs, string(sym.Status), sym.SpanStart, sym.SpanEnd, sym.DefHash)
	if err != nil {
		return fmt.Errorf("insert symbol: %w", err)
	}
	return nil
}

// InsertImpl records one impl block.
func (s *Store) InsertImpl(im model.Impl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO impls(for_path, trait_path, file_id, line_start, line_end)
		VALUES (?, ?, ?, ?, ?)`, im.ForPath, im.TraitPath, im.FileID, im.LineStart, im.LineEnd)
	if err != nil {
		return fmt.Errorf("insert impl: %w", err)
	}
	return nil
}

// InsertReference records one sparse reference edge.
func (s *Store) InsertReference(r model.Reference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO refs(from_symbol_id, target_path, file_id, span_start, span_end)
		VALUES (?, ?, ?, ?, ?)`, r.FromSymbolID, r.TargetPath, r.FileID, r.SpanStart, r.SpanEnd)
	if err != nil {
		return fmt.Errorf("insert reference: %w", err)
	}
	return nil
}

// CopyUnitRows copies every file/symbol/impl/reference row belonging to
// unitName from src into this store unchanged. Used during incremental
// reindex to preserve unaffected units in the new
// generation without reingesting them.
func (s *Store) CopyUnitRows(src *Store, unitName, version string) error {
	src.mu.RLock()
	defer src.mu.RUnlock()

	row := src.db.QueryRow(`SELECT id, name, version, fingerprint, root, external FROM units
		WHERE name = ? AND version = ?`, unitName, version)
	var u model.Unit
	var external int
	if err := row.Scan(&u.ID, &u.Name, &u.Version, &u.Fingerprint, &u.Root, &external); err != nil {
		return fmt.Errorf("copy unit: source unit not found: %w", err)
	}
	u.External = external != 0
	newUnitID, err := s.InsertUnit(u)
	if err != nil {
		return err
	}

	fileRows, err := src.db.Query(`SELECT id, path, digest FROM files WHERE unit_id = ?`, u.ID)
	if err != nil {
		return fmt.Errorf("copy unit: query files: %w", err)
	}
	fileIDMap := map[int64]int64{}
	var oldFiles []model.File
	for fileRows.Next() {
		var f model.File
		if err := fileRows.Scan(&f.ID, &f.Path, &f.Digest); err != nil {
			fileRows.Close()
			return err
		}
		f.UnitID = u.ID
		oldFiles = append(oldFiles, f)
	}
	fileRows.Close()
	for _, f := range oldFiles {
		oldID := f.ID
		f.UnitID = newUnitID
		newID, err := s.InsertFile(f)
		if err != nil {
			return err
		}
		fileIDMap[oldID] = newID
	}

	symRows, err := src.db.Query(`SELECT symbol_id, file_id, canonical_path, name, kind,
		visibility, signature, docs, status, span_start, span_end, def_hash
		FROM symbols WHERE unit_id = ?`, u.ID)
	if err != nil {
		return fmt.Errorf("copy unit: query symbols: %w", err)
	}
	for symRows.Next() {
		var sym model.Symbol
		var kind, vis, status string
		var oldFileID int64
		if err := symRows.Scan(&sym.SymbolID, &oldFileID, &sym.CanonicalPath, &sym.Name, &kind,
			&vis, &sym.Signature, &sym.Docs, &status, &sym.SpanStart, &sym.SpanEnd, &sym.DefHash); err != nil {
			symRows.Close()
			return err
		}
		sym.Kind = model.Kind(kind)
		sym.Visibility = model.Visibility(vis)
		sym.Status = model.Status(status)
		sym.UnitID = newUnitID
		sym.FileID = fileIDMap[oldFileID]
		if err := s.InsertSymbol(sym); err != nil {
			symRows.Close()
			return err
		}
	}
	symRows.Close()

	implRows, err := src.db.Query(`SELECT im.for_path, im.trait_path, im.file_id, im.line_start, im.line_end
		FROM impls im JOIN files f ON f.id = im.file_id WHERE f.unit_id = ?`, u.ID)
	if err != nil {
		return fmt.Errorf("copy unit: query impls: %w", err)
	}
	for implRows.Next() {
		var im model.Impl
		var oldFileID int64
		if err := implRows.Scan(&im.ForPath, &im.TraitPath, &oldFileID, &im.LineStart, &im.LineEnd); err != nil {
			implRows.Close()
			return err
		}
		im.FileID = fileIDMap[oldFileID]
		if err := s.InsertImpl(im); err != nil {
			implRows.Close()
			return err
		}
	}
	implRows.Close()

	refRows, err := src.db.Query(`SELECT r.from_symbol_id, r.target_path, r.file_id, r.span_start, r.span_end
		FROM refs r JOIN files f ON f.id = r.file_id WHERE f.unit_id = ?`, u.ID)
	if err != nil {
		return fmt.Errorf("copy unit: query refs: %w", err)
	}
	for refRows.Next() {
		var r model.Reference
		var oldFileID int64
		if err := refRows.Scan(&r.FromSymbolID, &r.TargetPath, &oldFileID, &r.SpanStart, &r.SpanEnd); err != nil {
			refRows.Close()
			return err
		}
		r.FileID = fileIDMap[oldFileID]
		if err := s.InsertReference(r); err != nil {
			refRows.Close()
			return err
		}
	}
	refRows.Close()

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
