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

const radioDataFileName = "radio_data.json"

// Station describes one playable radio station.
type Station struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StreamURL string `json:"stream_url"`
	Country   string `json:"country,omitempty"`
	Genre     string `json:"genre,omitempty"`
	Codec     string `json:"codec,omitempty"`
	Bitrate   int    `json:"bitrate,omitempty"`
	Favicon   string `json:"favicon,omitempty"`
}

// StationProvider resolves station ids to playable stations. The remote radio
// catalog client implements this; the RadioData store implements it for
// custom stations.
type StationProvider interface {
	LookupStation(ctx context.Context, id string) (Station, error)
}

// radioDocument is the on-disk shape of radio_data.json.
type radioDocument struct {
	Favorites []string           `json:"favorites"`
	Custom    map[string]Station `json:"custom_stations"`
	Broken    map[string]bool    `json:"broken"`
}

// RadioData is the local radio persistence: favorites, custom stations, and
// stations the user marked broken.
type RadioData struct {
	mu   sync.Mutex
	path string
	doc  radioDocument
}

// OpenRadioData loads (or initializes) radio_data.json in dataDir.
func OpenRadioData(dataDir string) (*RadioData, error) {
	rd := &RadioData{
		path: filepath.Join(dataDir, radioDataFileName),
		doc: radioDocument{
			Custom: map[string]Station{},
			Broken: map[string]bool{},
		},
	}
	data, err := os.ReadFile(rd.path)
	if errors.Is(err, os.ErrNotExist) {
		return rd, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", models.ErrPersistence, rd.path, err)
	}
	if err := json.Unmarshal(data, &rd.doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", models.ErrPersistence, rd.path, err)
	}
	if rd.doc.Custom == nil {
		rd.doc.Custom = map[string]Station{}
	}
	if rd.doc.Broken == nil {
		rd.doc.Broken = map[string]bool{}
	}
	return rd, nil
}

func (rd *RadioData) saveLocked() error {
	data, err := json.MarshalIndent(rd.doc, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(rd.path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", models.ErrPersistence, rd.path, err)
	}
	return nil
}

// LookupStation resolves a custom station by id.
func (rd *RadioData) LookupStation(_ context.Context, id string) (Station, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if st, ok := rd.doc.Custom[id]; ok {
		return st, nil
	}
	return Station{}, fmt.Errorf("station %q not found", id)
}

// AddCustom stores (or replaces) a custom station.
func (rd *RadioData) AddCustom(st Station) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.doc.Custom[st.ID] = st
	return rd.saveLocked()
}

// AddFavorite records a station id as a favorite (idempotent).
func (rd *RadioData) AddFavorite(id string) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	for _, f := range rd.doc.Favorites {
		if f == id {
			return nil
		}
	}
	rd.doc.Favorites = append(rd.doc.Favorites, id)
	return rd.saveLocked()
}

// RemoveFavorite drops a station id from the favorites.
func (rd *RadioData) RemoveFavorite(id string) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	out := rd.doc.Favorites[:0]
	for _, f := range rd.doc.Favorites {
		if f != id {
			out = append(out, f)
		}
	}
	rd.doc.Favorites = out
	return rd.saveLocked()
}

// Favorites returns the ordered favorite station ids.
func (rd *RadioData) Favorites() []string {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return append([]string(nil), rd.doc.Favorites...)
}

// MarkBroken flags a station the user reported as dead.
func (rd *RadioData) MarkBroken(id string) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.doc.Broken[id] = true
	return rd.saveLocked()
}

// IsBroken reports the broken flag for a station.
func (rd *RadioData) IsBroken(id string) bool {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.doc.Broken[id]
}
