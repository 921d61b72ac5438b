package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/settings"
	"github.com/milo-audio/milo-go/internal/systemd"
)

const (
	spotifyUnit    = "milo-spotify.service"
	spotifyAPIBase = "http://127.0.0.1:3678"
	spotifyPoll    = time.Second
)

// Spotify drives the local Connect daemon, which exposes an HTTP control and
// status socket on a fixed port. While the daemon reports paused for longer
// than spotify.auto_disconnect_delay, the plugin autonomously drops from
// Connected back to Ready so another source can take the slot.
type Spotify struct {
	*Base
	store  *settings.Store
	log    zerolog.Logger
	api    string
	client *http.Client

	mu         sync.Mutex
	started    bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	pausedAt   time.Time // zero when not paused
	disengaged bool      // auto-disconnect fired; stay Ready until play resumes
}

// NewSpotify creates the Spotify Connect plugin. apiBase "" uses the fixed
// daemon port.
func NewSpotify(units systemd.Supervisor, reporter Reporter, store *settings.Store, apiBase string, log zerolog.Logger) *Spotify {
	if apiBase == "" {
		apiBase = spotifyAPIBase
	}
	return &Spotify{
		Base:   NewBase(models.SourceSpotify, spotifyUnit, units, reporter, log),
		store:  store,
		log:    log.With().Str("plugin", "spotify").Logger(),
		api:    apiBase,
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

func (s *Spotify) Initialize(context.Context) error { return nil }

// Start brings the daemon up and probes its status endpoint.
func (s *Spotify) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.report(models.StateStarting, nil)
	if err := s.startUnit(ctx, s.unit); err != nil {
		s.report(models.StateError, models.Metadata{"reason": err.Error()})
		return err
	}
	if err := s.probeReady(ctx); err != nil {
		s.report(models.StateError, models.Metadata{"reason": err.Error()})
		return err
	}
	s.report(models.StateReady, models.Metadata{"is_playing": false})

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.started = true
	s.pollCancel = cancel
	s.pollDone = done
	s.pausedAt = time.Time{}
	s.disengaged = false
	s.mu.Unlock()

	go s.poll(pollCtx, done)
	s.startWatchdog(s.Stop)
	return nil
}

// Stop tears the daemon down. Idempotent.
func (s *Spotify) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.pollCancel
	done := s.pollDone
	s.mu.Unlock()

	s.report(models.StateStopping, nil)
	s.stopWatchdog()
	if cancel != nil {
		cancel()
		<-done
	}
	if err := s.stopUnit(ctx, s.unit); err != nil {
		s.report(models.StateError, models.Metadata{"reason": err.Error()})
		return err
	}
	s.report(models.StateInactive, nil)
	return nil
}

// probeReady polls GET /status until 200 or the readiness timeout.
func (s *Spotify) probeReady(ctx context.Context) error {
	deadline := time.Now().Add(readinessTimeout)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.api+"/status", nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: spotify daemon status probe", models.ErrTimedOut)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// daemonStatus is the daemon's /status response shape.
type daemonStatus struct {
	PlayerState struct {
		IsPlaying bool `json:"is_playing"`
		IsPaused  bool `json:"is_paused"`
	} `json:"player_state"`
	Track struct {
		Name        string   `json:"name"`
		AlbumName   string   `json:"album_name"`
		ArtistNames []string `json:"artist_names"`
		AlbumCover  string   `json:"album_cover_url"`
		PositionMS  int64    `json:"position_ms"`
	} `json:"track"`
	Stopped bool `json:"stopped"`
	Paused  bool `json:"paused"`
}

func (s *Spotify) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(spotifyPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := s.fetchStatus(ctx)
			if err != nil {
				s.log.Debug().Err(err).Msg("status fetch failed")
				continue
			}
			s.observe(st)
		}
	}
}

func (s *Spotify) fetchStatus(ctx context.Context) (*daemonStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.api+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status http %d", resp.StatusCode)
	}
	var st daemonStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

// observe folds one daemon status into plugin state, driving both the
// metadata bag and the auto-disconnect timer.
func (s *Spotify) observe(st *daemonStatus) {
	playing := st.PlayerState.IsPlaying && !st.Paused && !st.Stopped
	paused := (st.Paused || st.PlayerState.IsPaused) && !st.Stopped

	s.updateMetadata(models.Metadata{
		"title":       st.Track.Name,
		"artist":      strings.Join(st.Track.ArtistNames, ", "),
		"album":       st.Track.AlbumName,
		"art_url":     st.Track.AlbumCover,
		"position_ms": st.Track.PositionMS,
		"is_playing":  playing,
	})

	now := time.Now()
	delay := time.Duration(s.store.GetFloat(settings.KeySpotifyDisconnect, 10)) * time.Second

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	switch {
	case playing:
		s.pausedAt = time.Time{}
		if s.disengaged || s.State() != models.StateConnected {
			s.disengaged = false
			s.mu.Unlock()
			s.report(models.StateConnected, nil)
			return
		}
	case paused:
		if s.pausedAt.IsZero() {
			s.pausedAt = now
		}
		if pausedFor := now.Sub(s.pausedAt); !s.disengaged && pausedFor >= delay {
			// Auto-disconnect: free the active-source slot but keep the
			// daemon discoverable (Ready, not Inactive).
			s.disengaged = true
			s.mu.Unlock()
			s.log.Info().Dur("paused_for", pausedFor).Msg("auto-disconnect after pause")
			s.report(models.StateReady, nil)
			return
		}
	default: // stopped/idle
		s.pausedAt = time.Time{}
		if s.State() == models.StateConnected {
			s.mu.Unlock()
			s.report(models.StateReady, nil)
			return
		}
	}
	s.mu.Unlock()
}

// HandleCommand forwards playback controls to the daemon's HTTP API.
func (s *Spotify) HandleCommand(ctx context.Context, name string, _ map[string]any) (any, error) {
	var path string
	switch name {
	case "play", "resume":
		path = "/player/resume"
	case "pause", "stop":
		path = "/player/pause"
	default:
		return nil, fmt.Errorf("%w: spotify %q", models.ErrUnknownCommand, name)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.api+path, strings.NewReader("{}"))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: spotify %s: %v", models.ErrPluginInternal, name, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: spotify %s: http %d", models.ErrPluginInternal, name, resp.StatusCode)
	}
	return nil, nil
}

var _ Plugin = (*Spotify)(nil)
