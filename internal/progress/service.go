// Package progress persists podcast playback positions so episodes resume
// where the listener left off, across restarts of both the plugin and the
// whole process.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/models"
)

const (
	dataFileName = "podcast_data.json"

	// flushInterval bounds how stale the on-disk positions can get while an
	// episode plays.
	flushInterval = 10 * time.Second

	// completionWindow: an episode within this many seconds of its end counts
	// as finished and restarts from zero next time.
	completionWindow = 5.0

	// resumeThreshold: positions at or below this are treated as "not really
	// started" and the episode plays from the top.
	resumeThreshold = 10.0
)

// Entry is one episode's persisted playback record.
type Entry struct {
	PositionS float64   `json:"position_s"`
	DurationS float64   `json:"duration_s"`
	Completed bool      `json:"completed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Prefs holds listener preferences that ride along in the same file.
type Prefs struct {
	PlaybackSpeed float64 `json:"playback_speed,omitempty"`
}

// document is the on-disk shape of podcast_data.json.
type document struct {
	Progress map[string]Entry `json:"progress"`
	Prefs    Prefs            `json:"prefs"`
}

// Service tracks per-episode positions in memory and flushes dirty entries to
// podcast_data.json. Writes are atomic; a failed flush keeps the entries
// dirty so the next tick retries.
type Service struct {
	log  zerolog.Logger
	path string

	mu         sync.Mutex
	entries    map[string]Entry
	prefs      Prefs
	dirty      map[string]bool
	prefsDirty bool
}

// Open loads (or initializes) the progress file in dataDir.
func Open(dataDir string, log zerolog.Logger) (*Service, error) {
	s := &Service{
		log:     log.With().Str("component", "progress").Logger(),
		path:    filepath.Join(dataDir, dataFileName),
		entries: map[string]Entry{},
		dirty:   map[string]bool{},
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", models.ErrPersistence, s.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", models.ErrPersistence, s.path, err)
	}
	if doc.Progress != nil {
		s.entries = doc.Progress
	}
	s.prefs = doc.Prefs
	return s, nil
}

// Record updates an episode's position. Positions within the completion
// window of the duration mark the episode completed and reset to zero.
func (s *Service) Record(episodeID string, positionS, durationS float64) {
	if episodeID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Entry{
		PositionS: positionS,
		DurationS: durationS,
		UpdatedAt: time.Now().UTC(),
	}
	if durationS > 0 && durationS-positionS <= completionWindow {
		e.Completed = true
		e.PositionS = 0
	}
	s.entries[episodeID] = e
	s.dirty[episodeID] = true
}

// ResumePosition returns where playback of an episode should begin. Completed
// episodes and positions at or below the resume threshold start from zero.
func (s *Service) ResumePosition(episodeID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[episodeID]
	if !ok || e.Completed || e.PositionS <= resumeThreshold {
		return 0
	}
	return e.PositionS
}

// Get returns the stored entry for an episode.
func (s *Service) Get(episodeID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[episodeID]
	return e, ok
}

// SetPlaybackSpeed remembers the listener's preferred speed.
func (s *Service) SetPlaybackSpeed(speed float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs.PlaybackSpeed == speed {
		return
	}
	s.prefs.PlaybackSpeed = speed
	s.prefsDirty = true
}

// PlaybackSpeed returns the preferred speed, defaulting to 1.0.
func (s *Service) PlaybackSpeed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prefs.PlaybackSpeed == 0 {
		return 1.0
	}
	return s.prefs.PlaybackSpeed
}

// Flush persists the document when anything is dirty. On failure the dirty
// set is kept so a later flush retries.
func (s *Service) Flush() error {
	s.mu.Lock()
	if len(s.dirty) == 0 && !s.prefsDirty {
		s.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(document{Progress: s.entries, Prefs: s.prefs}, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", models.ErrPersistence, s.path, err)
	}
	s.mu.Lock()
	s.dirty = map[string]bool{}
	s.prefsDirty = false
	s.mu.Unlock()
	return nil
}

// Run flushes on a fixed interval until ctx is canceled, then flushes once
// more on the way out.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				s.log.Warn().Err(err).Msg("final progress flush failed")
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.log.Warn().Err(err).Msg("progress flush failed, will retry")
			}
		}
	}
}
