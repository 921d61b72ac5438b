package plugins

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/progress"
	"github.com/milo-audio/milo-go/internal/systemd"
)

// scriptedPlayer is a minimal IPC endpoint for the podcast player: every
// command succeeds, get_property answers 123.5, and property changes can be
// pushed to the client.
type scriptedPlayer struct {
	t     *testing.T
	ln    net.Listener
	path  string
	conns chan net.Conn
}

func newScriptedPlayer(t *testing.T) *scriptedPlayer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "podcast.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &scriptedPlayer{t: t, ln: ln, path: path, conns: make(chan net.Conn, 1)}
	t.Cleanup(func() { _ = ln.Close() })
	go s.serve()
	return s
}

func (s *scriptedPlayer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		// Keep only the most recent connection: the plugin probes the
		// socket (and closes that conn) before dialing for real, and
		// pushProperty must write to the live one.
		select {
		case old := <-s.conns:
			_ = old.Close()
		default:
		}
		s.conns <- conn
		go s.handle(conn)
	}
}

func (s *scriptedPlayer) handle(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req struct {
			Command   []any `json:"command"`
			RequestID int64 `json:"request_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		resp := map[string]any{"request_id": req.RequestID, "error": "success"}
		if len(req.Command) > 0 && req.Command[0] == "get_property" {
			resp["data"] = 123.5
		}
		data, _ := json.Marshal(resp)
		_, _ = conn.Write(append(data, '\n'))
	}
}

func (s *scriptedPlayer) pushProperty(name string, data any) {
	select {
	case conn := <-s.conns:
		payload, _ := json.Marshal(map[string]any{
			"event": "property-change", "name": name, "data": data,
		})
		_, _ = conn.Write(append(payload, '\n'))
		s.conns <- conn
	case <-time.After(time.Second):
		s.t.Fatal("no player connection to push on")
	}
}

type stubEpisodes map[string]Episode

func (s stubEpisodes) LookupEpisode(_ context.Context, uuid string) (Episode, error) {
	ep, ok := s[uuid]
	if !ok {
		return Episode{}, fmt.Errorf("unknown episode %s", uuid)
	}
	return ep, nil
}

func newPodcastFixture(t *testing.T) (*Podcast, *scriptedPlayer) {
	t.Helper()
	player := newScriptedPlayer(t)
	units := systemd.NewMock()
	units.AddUnit(podcastUnit, systemd.UnitInactive)
	prog, err := progress.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("progress.Open: %v", err)
	}
	episodes := stubEpisodes{
		"ep-42": {
			UUID:         "ep-42",
			Title:        "The Forty-Second",
			PodcastTitle: "Answers Weekly",
			AudioURL:     "http://cdn.example/ep-42.mp3",
			DurationS:    1800,
		},
	}
	p := NewPodcast(units, &recordingReporter{}, episodes, prog, player.path, zerolog.Nop())
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p, player
}

func waitForMetaKey(t *testing.T, p *Podcast, key string, want any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := p.Status()[key]; got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("metadata[%q] = %v, want %v (bag: %v)", key, p.Status()[key], want, p.Status())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPodcastPlayPublishesEpisodeMetadata(t *testing.T) {
	p, _ := newPodcastFixture(t)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := p.HandleCommand(ctx, "play", map[string]any{"episode_uuid": "ep-42"}); err != nil {
		t.Fatalf("play: %v", err)
	}

	waitForMetaKey(t, p, "podcast_name", "Answers Weekly")
	waitForMetaKey(t, p, "episode_uuid", "ep-42")
	waitForMetaKey(t, p, "title", "The Forty-Second")
	if _, ok := p.Status()["podcast_title"]; ok {
		t.Fatalf("metadata bag carries podcast_title: %v", p.Status())
	}
}

func TestPodcastPlayerPropertiesMapToMetadata(t *testing.T) {
	p, player := newPodcastFixture(t)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	player.pushProperty("speed", 1.5)
	waitForMetaKey(t, p, "playback_speed", 1.5)
	if _, ok := p.Status()["speed"]; ok {
		t.Fatalf("metadata bag carries raw speed key: %v", p.Status())
	}

	player.pushProperty("paused-for-cache", true)
	waitForMetaKey(t, p, "is_buffering", true)
	player.pushProperty("paused-for-cache", false)
	waitForMetaKey(t, p, "is_buffering", false)
}

func TestPodcastSetSpeedPersistsPreference(t *testing.T) {
	p, _ := newPodcastFixture(t)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := p.HandleCommand(ctx, "set_speed", map[string]any{"speed": 1.25}); err != nil {
		t.Fatalf("set_speed: %v", err)
	}
	if got := p.progress.PlaybackSpeed(); got != 1.25 {
		t.Fatalf("persisted speed = %v, want 1.25", got)
	}
	if _, err := p.HandleCommand(ctx, "set_speed", map[string]any{"speed": 3.0}); !errors.Is(err, models.ErrUnknownCommand) {
		t.Fatalf("set_speed 3.0 err = %v, want ErrUnknownCommand", err)
	}
}

var _ EpisodeProvider = stubEpisodes{}
