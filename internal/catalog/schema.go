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

// schemaVersion is bumped whenever the DDL below changes shape. A
// mismatch between a stored catalog's recorded version and this
// constant surfaces as ctxerr.StoreCorrupt.
const schemaVersion = 1

// ddl creates the full catalog schema. Foreign keys are declared for
// documentation and integrity-check purposes; referenced unit and file
// rows additionally exist by construction, since the ingestor inserts
// them before the rows that reference them.
var ddl = []string{
	`PRAGMA foreign_keys = ON`,

	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS units (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		name        TEXT NOT NULL,
		version     TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL,
		root        TEXT NOT NULL,
		external    INTEGER NOT NULL DEFAULT 0,
		UNIQUE(name, version)
	)`,

	`CREATE TABLE IF NOT EXISTS files (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		unit_id INTEGER NOT NULL REFERENCES units(id),
		path    TEXT NOT NULL,
		digest  TEXT NOT NULL,
		UNIQUE(unit_id, path)
	)`,

	`CREATE TABLE IF NOT EXISTS symbols (
		symbol_id      TEXT PRIMARY KEY,
		unit_id        INTEGER NOT NULL REFERENCES units(id),
		file_id        INTEGER NOT NULL REFERENCES files(id),
		canonical_path TEXT NOT NULL,
		name           TEXT NOT NULL,
		name_lower     TEXT NOT NULL,
		kind           TEXT NOT NULL,
		visibility     TEXT NOT NULL,
		signature      TEXT NOT NULL,
		docs           TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		span_start     INTEGER NOT NULL,
		span_end       INTEGER NOT NULL,
		def_hash       TEXT NOT NULL,
		UNIQUE(unit_id, kind, span_start)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_symbols_name_lower ON symbols(name_lower)`,
	`CREATE INDEX IF NOT EXISTS idx_symbols_canonical_path ON symbols(canonical_path)`,
	`CREATE INDEX IF NOT EXISTS idx_symbols_file_id ON symbols(file_id)`,

	`CREATE TABLE IF NOT EXISTS impls (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		for_path   TEXT NOT NULL,
		trait_path TEXT NOT NULL DEFAULT '',
		file_id    INTEGER NOT NULL REFERENCES files(id),
		line_start INTEGER NOT NULL,
		line_end   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_impls_for_path ON impls(for_path)`,
	`CREATE INDEX IF NOT EXISTS idx_impls_trait_path ON impls(trait_path)`,

	`CREATE TABLE IF NOT EXISTS refs (
		from_symbol_id TEXT NOT NULL REFERENCES symbols(symbol_id),
		target_path    TEXT NOT NULL,
		file_id        INTEGER NOT NULL REFERENCES files(id),
		span_start     INTEGER NOT NULL,
		span_end       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refs_from ON refs(from_symbol_id)`,
	`CREATE INDEX IF NOT EXISTS idx_refs_target ON refs(target_path)`,
}
