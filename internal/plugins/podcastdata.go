package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/milo-audio/milo-go/internal/models"
)

const episodeLibraryFileName = "podcast_library.json"

// EpisodeLibrary is the local episode store: companion apps sync episodes
// into podcast_library.json and the plugin resolves uuids from it.
type EpisodeLibrary struct {
	mu       sync.Mutex
	path     string
	episodes map[string]Episode
}

// OpenEpisodeLibrary loads (or initializes) the library in dataDir.
func OpenEpisodeLibrary(dataDir string) (*EpisodeLibrary, error) {
	l := &EpisodeLibrary{
		path:     filepath.Join(dataDir, episodeLibraryFileName),
		episodes: map[string]Episode{},
	}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", models.ErrPersistence, l.path, err)
	}
	if err := json.Unmarshal(data, &l.episodes); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", models.ErrPersistence, l.path, err)
	}
	return l, nil
}

// LookupEpisode resolves an episode by uuid.
func (l *EpisodeLibrary) LookupEpisode(_ context.Context, uuid string) (Episode, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ep, ok := l.episodes[uuid]; ok {
		return ep, nil
	}
	return Episode{}, fmt.Errorf("episode %q not found", uuid)
}

// Put stores (or replaces) an episode.
func (l *EpisodeLibrary) Put(ep Episode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.episodes[ep.UUID] = ep
	data, err := json.MarshalIndent(l.episodes, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(l.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", models.ErrPersistence, l.path, err)
	}
	return nil
}

var _ EpisodeProvider = (*EpisodeLibrary)(nil)
