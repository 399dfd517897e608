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

// Package watch implements the filesystem watcher and debounced
// reindex trigger: subscribe to every workspace member
// root, coalesce bursts within a debounce window, map changed paths to
// their owning unit by longest-prefix match, and enqueue one reindex
// job per affected unit.
//
// An fsnotify.Watcher walks each member root (skipping a fixed set of
// noisy directories), a single debounce timer is reset on every event,
// and a select loop fires one job per affected unit when the timer
// expires. Jobs that cannot be enqueued are dropped and counted rather
// than blocking the event producer.
package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ctindex/ct/internal/ignore"
)

// defaultSkipDirs are directories never worth watching regardless of
// .ctignore contents.
var defaultSkipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true,
	"dist": true, "build": true, "bin": true, "target": true,
}

// Job is one enqueued reindex request for a single unit, carrying the
// set of paths observed to have changed (informational; the ingestor
// re-extracts the whole unit).
type Job struct {
	UnitName string
	Paths    []string
}

// Member is one workspace root the watcher subscribes to.
type Member struct {
	Name string
	Root string
}

// Watcher subscribes to every member root and emits one Job per unit
// after each debounce window closes.
type Watcher struct {
	debounce time.Duration
	members  []Member
	ignore   *ignore.File
	logger   *slog.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]map[string]bool // unit name -> set of changed paths

	Jobs chan Job

	dropped int64 // atomic backlog-drop count
}

// New builds a Watcher over members with the given debounce window. If
// ig is non-nil, paths it matches are excluded from triggering reindex.
func New(members []Member, debounce time.Duration, ig *ignore.File, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		debounce: debounce,
		members:  members,
		ignore:   ig,
		logger:   logger,
		fsw:      fsw,
		pending:  make(map[string]map[string]bool),
		Jobs:     make(chan Job, 64),
	}

	sorted := append([]Member(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i].Root) > len(sorted[j].Root) })
	w.members = sorted

	for _, m := range members {
		w.addDirs(m.Root)
	}
	return w, nil
}

// addDirs walks root recursively, subscribing every directory except
// defaultSkipDirs and hidden directories.
func (w *Watcher) addDirs(root string) {
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		if defaultSkipDirs[base] || (strings.HasPrefix(base, ".") && base != filepath.Base(root)) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("watch: add directory failed", "path", path, "error", err)
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
		}
		return nil
	})
}

// ownerOf maps a changed path to its unit by longest-prefix match
// against member roots; unknown paths return "".
func (w *Watcher) ownerOf(path string) string {
	for _, m := range w.members {
		if strings.HasPrefix(path, m.Root) {
			return m.Name
		}
	}
	return ""
}

// Run drives the debounce loop until ctx-equivalent stop is requested
// via Close. Jobs are sent on w.Jobs; callers should drain it promptly.
func (w *Watcher) Run() {
	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.record(event.Name)
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			timerCh = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch: fsnotify error", "error", err)

		case <-timerCh:
			timerCh = nil
			w.flush()
		}
	}
}

// record adds path to its unit's pending set, subject to .ctignore
// exclusion and the longest-prefix owner map.
func (w *Watcher) record(path string) {
	unit := w.ownerOf(path)
	if unit == "" {
		return
	}
	if w.ignore != nil {
		if rel, err := filepath.Rel(w.ownerRoot(unit), path); err == nil && w.ignore.MatchesPath(rel) {
			return
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[unit] == nil {
		w.pending[unit] = make(map[string]bool)
	}
	w.pending[unit][path] = true
}

func (w *Watcher) ownerRoot(unitName string) string {
	for _, m := range w.members {
		if m.Name == unitName {
			return m.Root
		}
	}
	return ""
}

// flush enqueues one Job per unit with pending changes. If the queue
// is full the job is dropped and a rate-limit notice is logged; the
// watcher never blocks the fsnotify goroutine draining the kernel's
// event queue.
func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]map[string]bool)
	w.mu.Unlock()

	for unit, paths := range pending {
		job := Job{UnitName: unit}
		for p := range paths {
			job.Paths = append(job.Paths, p)
		}
		sort.Strings(job.Paths)
		select {
		case w.Jobs <- job:
		default:
			n := atomic.AddInt64(&w.dropped, 1)
			w.logger.Warn("watch: dropping reindex job, backlog full", "unit", unit, "dropped_total", n)
		}
	}
}

// Dropped returns the number of jobs dropped due to a full backlog.
func (w *Watcher) Dropped() int64 { return atomic.LoadInt64(&w.dropped) }

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
