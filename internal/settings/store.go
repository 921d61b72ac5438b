// Package settings implements the durable configuration store: a dot-path
// keyed JSON document persisted atomically to settings.json, with change
// notifications and backup fallback on corruption.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/models"
)

const (
	settingsFileName = "settings.json"
	backupDirName    = "backups"
	maxBackups       = 5
)

// Change describes one settings mutation, delivered after persistence.
type Change struct {
	Path string
	Old  any
	New  any
}

type watcher struct {
	prefix string
	ch     chan Change
}

// Store is the settings store. All exported methods are safe for concurrent
// use; writes are serialized by an exclusive lock and persisted before Set
// returns.
type Store struct {
	log  zerolog.Logger
	path string

	mu       sync.RWMutex
	doc      map[string]any
	watchers []*watcher
}

// Open loads (or initializes) the settings document in dataDir.
// A corrupt file falls back to the most recent backup; if none parses, the
// defaults are used and a recoverable error is logged.
func Open(dataDir string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		log:  log.With().Str("component", "settings").Logger(),
		path: filepath.Join(dataDir, settingsFileName),
	}

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) load() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", models.ErrConfig, s.path, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err == nil {
		return doc, nil
	}

	s.log.Error().Str("path", s.path).Msg("corrupt settings file, trying backups")
	if doc := s.loadNewestBackup(); doc != nil {
		return doc, nil
	}
	s.log.Error().Msg("no usable backup, starting from defaults")
	return map[string]any{}, nil
}

// loadNewestBackup returns the newest parseable backup document, or nil.
func (s *Store) loadNewestBackup() map[string]any {
	dir := filepath.Join(filepath.Dir(s.path), backupDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names))) // timestamped names
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err == nil {
			s.log.Warn().Str("backup", name).Msg("recovered settings from backup")
			return doc
		}
	}
	return nil
}

// Get returns the value at the dot-path, or the registered default when the
// path is unset.
func (s *Store) Get(path string) any {
	s.mu.RLock()
	v, ok := lookup(s.doc, path)
	s.mu.RUnlock()
	if ok {
		return v
	}
	return Default(path)
}

// GetString returns the value at path as a string, or fallback.
func (s *Store) GetString(path, fallback string) string {
	if v, ok := s.Get(path).(string); ok {
		return v
	}
	return fallback
}

// GetFloat returns the value at path as a float64, or fallback.
// JSON numbers always decode to float64.
func (s *Store) GetFloat(path string, fallback float64) float64 {
	switch v := s.Get(path).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

// GetBool returns the value at path as a bool, or fallback.
func (s *Store) GetBool(path string, fallback bool) bool {
	if v, ok := s.Get(path).(bool); ok {
		return v
	}
	return fallback
}

// Set writes value at the dot-path and persists before returning. Watch
// events are emitted only after the file hit disk.
func (s *Store) Set(path string, value any) error {
	s.mu.Lock()
	old, _ := lookup(s.doc, path)
	if err := insert(s.doc, path, value); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", models.ErrConfig, err)
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: marshal settings: %v", models.ErrPersistence, err)
	}
	if err := s.writeAtomic(data); err != nil {
		// Roll the in-memory document back so memory never diverges from disk.
		if old != nil {
			_ = insert(s.doc, path, old)
		} else {
			remove(s.doc, path)
		}
		s.mu.Unlock()
		return err
	}
	watchers := append([]*watcher(nil), s.watchers...)
	s.mu.Unlock()

	s.notify(watchers, Change{Path: path, Old: old, New: value})
	return nil
}

// Watch returns a stream of changes whose path starts with prefix. The
// channel is buffered; a slow consumer loses oldest notifications.
func (s *Store) Watch(prefix string) <-chan Change {
	w := &watcher{prefix: prefix, ch: make(chan Change, 16)}
	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()
	return w.ch
}

func (s *Store) notify(watchers []*watcher, c Change) {
	for _, w := range watchers {
		if !strings.HasPrefix(c.Path, w.prefix) {
			continue
		}
		select {
		case w.ch <- c:
		default:
			// Drop oldest so the newest change is always observable.
			select {
			case <-w.ch:
			default:
			}
			select {
			case w.ch <- c:
			default:
			}
		}
	}
}

// writeAtomic persists data with temp + fsync + rename, then rotates backups.
func (s *Store) writeAtomic(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", models.ErrPersistence, s.path, err)
	}
	s.rotateBackups(data)
	return nil
}

// rotateBackups writes a timestamped copy and prunes old ones. Backup
// failures are logged, never surfaced: the primary write already succeeded.
func (s *Store) rotateBackups(data []byte) {
	dir := filepath.Join(filepath.Dir(s.path), backupDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn().Err(err).Msg("cannot create backup dir")
		return
	}
	name := fmt.Sprintf("settings-%s.json", time.Now().UTC().Format("20060102T150405.000"))
	if err := renameio.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		s.log.Warn().Err(err).Msg("backup write failed")
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for len(names) > maxBackups {
		_ = os.Remove(filepath.Join(dir, names[0]))
		names = names[1:]
	}
}

// Reload re-reads the document from disk, emitting watch events for every
// top-level key that changed. Used by the fsnotify watcher on external edits.
func (s *Store) Reload() error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.doc
	s.doc = doc
	watchers := append([]*watcher(nil), s.watchers...)
	s.mu.Unlock()

	for _, c := range diffDocs("", old, doc) {
		s.notify(watchers, c)
	}
	return nil
}

// lookup walks the dot-path. Returns (value, true) when present.
func lookup(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur := any(doc)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// insert writes value at the dot-path, creating intermediate objects.
func insert(doc map[string]any, path string, value any) error {
	parts := strings.Split(path, ".")
	cur := doc
	for i, p := range parts {
		if p == "" {
			return fmt.Errorf("empty path segment in %q", path)
		}
		if i == len(parts)-1 {
			cur[p] = value
			return nil
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	return nil
}

// remove deletes the value at the dot-path if present.
func remove(doc map[string]any, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			delete(cur, p)
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
}

// diffDocs emits a Change per leaf that differs between two documents.
func diffDocs(prefix string, old, new map[string]any) []Change {
	var out []Change
	seen := map[string]bool{}
	for k, nv := range new {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		seen[k] = true
		ov := old[k]
		om, oOK := ov.(map[string]any)
		nm, nOK := nv.(map[string]any)
		if oOK && nOK {
			out = append(out, diffDocs(path, om, nm)...)
			continue
		}
		if !jsonEqual(ov, nv) {
			out = append(out, Change{Path: path, Old: ov, New: nv})
		}
	}
	for k, ov := range old {
		if seen[k] {
			continue
		}
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		out = append(out, Change{Path: path, Old: ov, New: nil})
	}
	return out
}

func jsonEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}
