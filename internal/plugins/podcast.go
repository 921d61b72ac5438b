package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/mpv"
	"github.com/milo-audio/milo-go/internal/progress"
	"github.com/milo-audio/milo-go/internal/systemd"
)

const (
	podcastUnit       = "milo-podcast.service"
	podcastSocketPath = "/run/milo/podcast.sock"
)

// playbackSpeeds is the accepted set for set_speed.
var playbackSpeeds = map[float64]bool{
	0.5: true, 0.75: true, 1.0: true, 1.25: true, 1.5: true, 2.0: true,
}

// Episode is one playable podcast episode.
type Episode struct {
	UUID         string  `json:"uuid"`
	Title        string  `json:"title"`
	PodcastTitle string  `json:"podcast_title"`
	AudioURL     string  `json:"audio_url"`
	DurationS    float64 `json:"duration_s,omitempty"`
	Artwork      string  `json:"artwork,omitempty"`
}

// EpisodeProvider resolves episode uuids to playable episodes.
type EpisodeProvider interface {
	LookupEpisode(ctx context.Context, uuid string) (Episode, error)
}

// Podcast plays episodes through its own media player instance. Playback
// positions go through the progress service so an episode resumes where it
// stopped; the resume seek happens before the plugin reports Connected.
type Podcast struct {
	*Base
	log      zerolog.Logger
	socket   string
	provider EpisodeProvider
	progress *progress.Service

	mu         sync.Mutex
	started    bool
	player     *mpv.Client
	current    Episode
	duration   float64
	position   float64
	eventsDone chan struct{}
}

// NewPodcast creates the podcast plugin. socket "" uses the fixed player
// socket.
func NewPodcast(units systemd.Supervisor, reporter Reporter, provider EpisodeProvider, prog *progress.Service, socket string, log zerolog.Logger) *Podcast {
	if socket == "" {
		socket = podcastSocketPath
	}
	return &Podcast{
		Base:     NewBase(models.SourcePodcast, podcastUnit, units, reporter, log),
		log:      log.With().Str("plugin", "podcast").Logger(),
		socket:   socket,
		provider: provider,
		progress: prog,
	}
}

func (p *Podcast) Initialize(context.Context) error { return nil }

// Start brings the player unit up and connects to its IPC socket.
func (p *Podcast) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.report(models.StateStarting, nil)
	if err := p.startUnit(ctx, p.unit); err != nil {
		p.report(models.StateError, models.Metadata{"reason": err.Error()})
		return err
	}

	player, err := p.connect(ctx)
	if err != nil {
		p.report(models.StateError, models.Metadata{"reason": err.Error()})
		return err
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.started = true
	p.player = player
	p.current = Episode{}
	p.eventsDone = done
	p.mu.Unlock()

	go p.consumeEvents(player, done)
	p.report(models.StateReady, models.Metadata{"is_playing": false})
	p.startWatchdog(p.Stop)
	return nil
}

func (p *Podcast) connect(ctx context.Context) (*mpv.Client, error) {
	deadline := time.Now().Add(readinessTimeout)
	for !mpv.Probe(p.socket) {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: podcast player socket", models.ErrTimedOut)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	player, err := mpv.Dial(p.socket, p.log)
	if err != nil {
		return nil, err
	}
	for i, prop := range []string{"pause", "core-idle", "paused-for-cache", "time-pos", "duration", "speed"} {
		if err := player.ObserveProperty(ctx, i+1, prop); err != nil {
			player.Close()
			return nil, err
		}
	}
	return player, nil
}

// Stop tears the player down, flushing positions first so nothing recorded
// this session is lost.
func (p *Podcast) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	player := p.player
	done := p.eventsDone
	p.player = nil
	p.mu.Unlock()

	p.report(models.StateStopping, nil)
	p.stopWatchdog()
	p.recordPosition()
	if err := p.progress.Flush(); err != nil {
		p.log.Warn().Err(err).Msg("progress flush on stop failed")
	}
	if player != nil {
		_ = player.Close()
		<-done
	}
	if err := p.stopUnit(ctx, p.unit); err != nil {
		p.report(models.StateError, models.Metadata{"reason": err.Error()})
		return err
	}
	p.report(models.StateInactive, nil)
	return nil
}

// recordPosition snapshots the current episode's position into the progress
// service.
func (p *Podcast) recordPosition() {
	p.mu.Lock()
	uuid := p.current.UUID
	pos, dur := p.position, p.duration
	p.mu.Unlock()
	if uuid != "" {
		p.progress.Record(uuid, pos, dur)
	}
}

// consumeEvents folds player property changes into metadata and the progress
// service.
func (p *Podcast) consumeEvents(player *mpv.Client, done chan struct{}) {
	defer close(done)
	var paused, idle bool
	for pc := range player.Events() {
		switch pc.Name {
		case "pause":
			paused, _ = pc.Data.(bool)
		case "core-idle":
			idle, _ = pc.Data.(bool)
		case "paused-for-cache":
			buffering, _ := pc.Data.(bool)
			p.updateMetadata(models.Metadata{"is_buffering": buffering})
			continue
		case "time-pos":
			pos, ok := pc.Data.(float64)
			if !ok {
				continue
			}
			p.mu.Lock()
			p.position = pos
			uuid, dur := p.current.UUID, p.duration
			p.mu.Unlock()
			if uuid != "" {
				p.progress.Record(uuid, pos, dur)
			}
			p.updateMetadata(models.Metadata{"position_s": pos, "duration_s": dur})
			continue
		case "duration":
			if dur, ok := pc.Data.(float64); ok {
				p.mu.Lock()
				p.duration = dur
				p.mu.Unlock()
				p.updateMetadata(models.Metadata{"duration_s": dur})
			}
			continue
		case "speed":
			if speed, ok := pc.Data.(float64); ok {
				p.updateMetadata(models.Metadata{"playback_speed": speed})
			}
			continue
		default:
			continue
		}
		playing := !paused && !idle
		p.updateMetadata(models.Metadata{"is_playing": playing})
		if playing && p.State() == models.StateReady {
			p.report(models.StateConnected, nil)
		} else if !playing && p.State() == models.StateConnected {
			p.report(models.StateReady, nil)
			p.recordPosition()
			if err := p.progress.Flush(); err != nil {
				p.log.Warn().Err(err).Msg("progress flush on pause failed")
			}
		}
	}
}

func (p *Podcast) currentPlayer() (*mpv.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.player == nil {
		return nil, fmt.Errorf("%w: podcast player not running", models.ErrPluginInternal)
	}
	return p.player, nil
}

// HandleCommand implements episode playback and transport controls.
func (p *Podcast) HandleCommand(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "play":
		if uuid, _ := args["episode_uuid"].(string); uuid != "" {
			return nil, p.playEpisode(ctx, uuid)
		}
		player, err := p.currentPlayer()
		if err != nil {
			return nil, err
		}
		return nil, wrapPluginErr("podcast", player.SetPause(ctx, false))
	case "resume":
		player, err := p.currentPlayer()
		if err != nil {
			return nil, err
		}
		return nil, wrapPluginErr("podcast", player.SetPause(ctx, false))
	case "pause":
		player, err := p.currentPlayer()
		if err != nil {
			return nil, err
		}
		return nil, wrapPluginErr("podcast", player.SetPause(ctx, true))
	case "stop":
		player, err := p.currentPlayer()
		if err != nil {
			return nil, err
		}
		p.recordPosition()
		return nil, wrapPluginErr("podcast", player.Stop(ctx))
	case "seek":
		pos, ok := toFloat(args["position_s"])
		if !ok || pos < 0 {
			return nil, fmt.Errorf("%w: seek needs position_s >= 0", models.ErrUnknownCommand)
		}
		player, err := p.currentPlayer()
		if err != nil {
			return nil, err
		}
		return nil, wrapPluginErr("podcast", player.Seek(ctx, pos))
	case "set_speed":
		speed, ok := toFloat(args["speed"])
		if !ok || !playbackSpeeds[speed] {
			return nil, fmt.Errorf("%w: set_speed allows 0.5 0.75 1 1.25 1.5 2", models.ErrUnknownCommand)
		}
		player, err := p.currentPlayer()
		if err != nil {
			return nil, err
		}
		if err := player.SetSpeed(ctx, speed); err != nil {
			return nil, wrapPluginErr("podcast", err)
		}
		p.progress.SetPlaybackSpeed(speed)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: podcast %q", models.ErrUnknownCommand, name)
}

// playEpisode loads the episode, seeks to the resume point, and starts
// playback. The resume seek completes before Connected is reported so the
// listener never hears the episode start from the top first.
func (p *Podcast) playEpisode(ctx context.Context, uuid string) error {
	ep, err := p.provider.LookupEpisode(ctx, uuid)
	if err != nil {
		return fmt.Errorf("%w: episode %s: %v", models.ErrPluginInternal, uuid, err)
	}
	player, err := p.currentPlayer()
	if err != nil {
		return err
	}

	// Leaving a previous episode: capture its position first.
	p.recordPosition()

	if err := player.LoadFile(ctx, ep.AudioURL); err != nil {
		return fmt.Errorf("%w: load %s: %v", models.ErrPluginInternal, uuid, err)
	}

	p.mu.Lock()
	p.current = ep
	p.duration = ep.DurationS
	p.position = 0
	p.mu.Unlock()

	if resume := p.progress.ResumePosition(uuid); resume > 0 {
		if err := p.awaitLoaded(ctx, player); err != nil {
			return err
		}
		if err := player.Seek(ctx, resume); err != nil {
			return fmt.Errorf("%w: resume seek: %v", models.ErrPluginInternal, err)
		}
		p.mu.Lock()
		p.position = resume
		p.mu.Unlock()
	}
	if speed := p.progress.PlaybackSpeed(); speed != 1.0 {
		if err := player.SetSpeed(ctx, speed); err != nil {
			p.log.Warn().Err(err).Float64("speed", speed).Msg("restoring playback speed failed")
		}
	}
	if err := player.SetPause(ctx, false); err != nil {
		return fmt.Errorf("%w: %v", models.ErrPluginInternal, err)
	}

	p.updateMetadata(models.Metadata{
		"episode_uuid": ep.UUID,
		"title":        ep.Title,
		"podcast_name": ep.PodcastTitle,
		"artwork":      ep.Artwork,
		"duration_s":   ep.DurationS,
	})
	return nil
}

// awaitLoaded waits for the player to know the track duration, which marks
// the file as seekable.
func (p *Podcast) awaitLoaded(ctx context.Context, player *mpv.Client) error {
	deadline := time.Now().Add(readinessTimeout)
	for {
		if dur, err := player.GetFloat(ctx, "duration"); err == nil && dur > 0 {
			p.mu.Lock()
			p.duration = dur
			p.mu.Unlock()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: episode load", models.ErrTimedOut)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

var _ Plugin = (*Podcast)(nil)
