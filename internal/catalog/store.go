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

// Package catalog implements the durable relational store: a
// single-writer, multi-reader sqlite file with write-ahead logging,
// relaxed fsync between transactions, and strict fsync before an
// atomic rename-over swap. The driver is pure Go (modernc.org/sqlite),
// so the daemon builds without cgo.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is an open handle onto one generation of the catalog, or a
// side store being prepared by the ingestor.
type Store struct {
	db     *sql.DB
	path   string
	mu     sync.RWMutex
	closed bool
}

// openWithPragmas opens path and applies the journaling mode appropriate
// for the store's role.
func openWithPragmas(path string, synchronous string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=" + synchronous,
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}
	return db, nil
}

// OpenRead opens the current generation's live store for concurrent
// reads. Fails with ErrCorrupt if the schema version does not match
// this binary's expectation.
func OpenRead(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotExist, err)
	}
	db, err := openWithPragmas(path, "NORMAL")
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, path: path}
	if err := s.checkSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// sideStaleAfter is how old a leftover side file must be before a new
// writer may assume its creator crashed and reclaim it.
const sideStaleAfter = 10 * time.Minute

// PrepareSide creates "<path>.tmp", applies the schema, and returns a
// handle open for bulk insert. synchronous is relaxed (NORMAL) during
// the bulk-insert phase; CommitSide upgrades to FULL before the final
// fsync. A recent side file left by another live writer fails with
// ErrBusy; a stale one from a crashed reindex is reclaimed, since only
// the live store at path is authoritative.
func PrepareSide(path string) (*Store, error) {
	sidePath := path + ".tmp"
	if fi, err := os.Stat(sidePath); err == nil {
		if time.Since(fi.ModTime()) < sideStaleAfter {
			return nil, fmt.Errorf("%w: side store %s exists", ErrBusy, sidePath)
		}
	}
	_ = os.Remove(sidePath)
	_ = os.Remove(sidePath + "-wal")
	_ = os.Remove(sidePath + "-shm")

	if err := os.MkdirAll(filepath.Dir(sidePath), 0o750); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}

	db, err := openWithPragmas(sidePath, "NORMAL")
	if err != nil {
		return nil, err
	}
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	s := &Store{db: db, path: sidePath}
	if err := s.writeMeta("schema_version", fmt.Sprintf("%d", schemaVersion)); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// CommitSide fsyncs the side store, closes it, and renames it over the
// live store at livePath. A crash between fsync and rename leaves the
// previous generation at livePath fully intact.
func CommitSide(side *Store, livePath string) error {
	side.mu.Lock()
	if _, err := side.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		side.mu.Unlock()
		return fmt.Errorf("raise durability: %w", err)
	}
	if _, err := side.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		side.mu.Unlock()
		return fmt.Errorf("checkpoint wal: %w", err)
	}
	sidePath := side.path
	if err := side.db.Close(); err != nil {
		side.mu.Unlock()
		return fmt.Errorf("close side store: %w", err)
	}
	side.closed = true
	side.mu.Unlock()

	if err := syncFile(sidePath); err != nil {
		return fmt.Errorf("fsync side store: %w", err)
	}
	if err := os.Rename(sidePath, livePath); err != nil {
		return fmt.Errorf("rename-over swap: %w", err)
	}
	if err := syncDir(filepath.Dir(livePath)); err != nil {
		return fmt.Errorf("fsync catalog dir: %w", err)
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// Close releases the store's underlying connection. Safe to call once
// the last in-flight request holding this generation has finished.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for the ingestor's bulk-insert path.
// Query code should prefer the typed read methods in reads.go.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) checkSchemaVersion() error {
	row := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`)
	var v string
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("%w: missing schema_version: %v", ErrCorrupt, err)
	}
	if v != fmt.Sprintf("%d", schemaVersion) {
		return fmt.Errorf("%w: schema_version %s != %d", ErrCorrupt, v, schemaVersion)
	}
	return nil
}

func (s *Store) writeMeta(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO meta(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// WriteMeta is the exported form used by the ingestor to record
// tool_version, extractor fingerprint, feature set, target triple and
// creation timestamp.
func (s *Store) WriteMeta(key, value string) error {
	return s.writeMeta(key, value)
}
