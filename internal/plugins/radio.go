package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/mpv"
	"github.com/milo-audio/milo-go/internal/systemd"
)

const (
	radioUnit       = "milo-radio.service"
	radioSocketPath = "/run/milo/radio.sock"
)

// Radio plays internet radio stations through a dedicated media player
// instance controlled over its IPC socket. Station resolution goes through a
// StationProvider chain: the remote catalog first, then local custom
// stations.
type Radio struct {
	*Base
	log       zerolog.Logger
	socket    string
	providers []StationProvider
	data      *RadioData

	mu         sync.Mutex
	started    bool
	player     *mpv.Client
	current    Station
	eventsDone chan struct{}
}

// NewRadio creates the radio plugin. socket "" uses the fixed player socket.
// Providers are consulted in order for play_station lookups.
func NewRadio(units systemd.Supervisor, reporter Reporter, data *RadioData, providers []StationProvider, socket string, log zerolog.Logger) *Radio {
	if socket == "" {
		socket = radioSocketPath
	}
	return &Radio{
		Base:      NewBase(models.SourceRadio, radioUnit, units, reporter, log),
		log:       log.With().Str("plugin", "radio").Logger(),
		socket:    socket,
		providers: append(append([]StationProvider(nil), providers...), data),
		data:      data,
	}
}

func (r *Radio) Initialize(context.Context) error { return nil }

// Start brings the player unit up and connects to its IPC socket.
func (r *Radio) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	r.report(models.StateStarting, nil)
	if err := r.startUnit(ctx, r.unit); err != nil {
		r.report(models.StateError, models.Metadata{"reason": err.Error()})
		return err
	}

	player, err := r.connect(ctx)
	if err != nil {
		r.report(models.StateError, models.Metadata{"reason": err.Error()})
		return err
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.started = true
	r.player = player
	r.eventsDone = done
	r.mu.Unlock()

	go r.consumeEvents(player, done)
	r.report(models.StateReady, models.Metadata{"is_playing": false, "is_buffering": false})
	r.startWatchdog(r.Stop)
	return nil
}

// connect waits for the socket then dials and subscribes to the properties
// the metadata bag is built from.
func (r *Radio) connect(ctx context.Context) (*mpv.Client, error) {
	deadline := time.Now().Add(readinessTimeout)
	for !mpv.Probe(r.socket) {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: radio player socket", models.ErrTimedOut)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	player, err := mpv.Dial(r.socket, r.log)
	if err != nil {
		return nil, err
	}
	for i, prop := range []string{"pause", "core-idle", "paused-for-cache", "media-title"} {
		if err := player.ObserveProperty(ctx, i+1, prop); err != nil {
			player.Close()
			return nil, err
		}
	}
	return player, nil
}

// Stop tears the player down. Idempotent.
func (r *Radio) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	player := r.player
	done := r.eventsDone
	r.player = nil
	r.mu.Unlock()

	r.report(models.StateStopping, nil)
	r.stopWatchdog()
	if player != nil {
		_ = player.Close()
		<-done
	}
	if err := r.stopUnit(ctx, r.unit); err != nil {
		r.report(models.StateError, models.Metadata{"reason": err.Error()})
		return err
	}
	r.report(models.StateInactive, nil)
	return nil
}

// consumeEvents folds player property changes into the metadata bag.
func (r *Radio) consumeEvents(player *mpv.Client, done chan struct{}) {
	defer close(done)
	var paused, idle, buffering bool
	for pc := range player.Events() {
		switch pc.Name {
		case "pause":
			paused, _ = pc.Data.(bool)
		case "core-idle":
			idle, _ = pc.Data.(bool)
		case "paused-for-cache":
			buffering, _ = pc.Data.(bool)
		case "media-title":
			if title, ok := pc.Data.(string); ok && title != "" {
				r.updateMetadata(models.Metadata{"stream_title": title})
			}
			continue
		default:
			continue
		}
		playing := !paused && !idle
		r.updateMetadata(models.Metadata{
			"is_playing":   playing,
			"is_buffering": buffering,
		})
		if playing && r.State() == models.StateReady {
			r.report(models.StateConnected, nil)
		} else if !playing && r.State() == models.StateConnected {
			r.report(models.StateReady, nil)
		}
	}
}

func (r *Radio) currentPlayer() (*mpv.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.player == nil {
		return nil, fmt.Errorf("%w: radio player not running", models.ErrPluginInternal)
	}
	return r.player, nil
}

// HandleCommand implements play/pause/resume/stop plus station management.
func (r *Radio) HandleCommand(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "play", "resume":
		player, err := r.currentPlayer()
		if err != nil {
			return nil, err
		}
		return nil, wrapPluginErr("radio", player.SetPause(ctx, false))
	case "pause":
		player, err := r.currentPlayer()
		if err != nil {
			return nil, err
		}
		return nil, wrapPluginErr("radio", player.SetPause(ctx, true))
	case "stop":
		player, err := r.currentPlayer()
		if err != nil {
			return nil, err
		}
		return nil, wrapPluginErr("radio", player.Stop(ctx))
	case "play_station":
		id, _ := args["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("%w: play_station needs id", models.ErrUnknownCommand)
		}
		return nil, r.playStation(ctx, id)
	case "mark_broken":
		id, _ := args["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("%w: mark_broken needs id", models.ErrUnknownCommand)
		}
		if err := r.data.MarkBroken(id); err != nil {
			return nil, err
		}
		// Marking the station that is playing also stops it.
		r.mu.Lock()
		playingIt := r.current.ID == id && r.player != nil
		r.mu.Unlock()
		if playingIt {
			player, err := r.currentPlayer()
			if err == nil {
				return nil, wrapPluginErr("radio", player.Stop(ctx))
			}
		}
		return nil, nil
	case "add_favorite":
		id, _ := args["id"].(string)
		return nil, r.data.AddFavorite(id)
	case "remove_favorite":
		id, _ := args["id"].(string)
		return nil, r.data.RemoveFavorite(id)
	case "list_favorites":
		return r.data.Favorites(), nil
	}
	return nil, fmt.Errorf("%w: radio %q", models.ErrUnknownCommand, name)
}

// playStation resolves the station and starts playback.
func (r *Radio) playStation(ctx context.Context, id string) error {
	station, err := r.lookup(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrPluginInternal, err)
	}
	player, err := r.currentPlayer()
	if err != nil {
		return err
	}
	if err := player.LoadFile(ctx, station.StreamURL); err != nil {
		return fmt.Errorf("%w: load %s: %v", models.ErrPluginInternal, station.ID, err)
	}
	if err := player.SetPause(ctx, false); err != nil {
		return fmt.Errorf("%w: %v", models.ErrPluginInternal, err)
	}

	r.mu.Lock()
	r.current = station
	r.mu.Unlock()
	r.updateMetadata(models.Metadata{
		"station_id":   station.ID,
		"station_name": station.Name,
		"favicon":      station.Favicon,
		"is_buffering": true,
		"is_playing":   false,
	})
	return nil
}

func (r *Radio) lookup(ctx context.Context, id string) (Station, error) {
	var lastErr error
	for _, p := range r.providers {
		st, err := p.LookupStation(ctx, id)
		if err == nil {
			return st, nil
		}
		lastErr = err
	}
	return Station{}, lastErr
}

func wrapPluginErr(plugin string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", models.ErrPluginInternal, plugin, err)
}

var _ Plugin = (*Radio)(nil)
