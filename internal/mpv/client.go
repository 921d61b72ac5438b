// Package mpv is a JSON IPC client for the media player instances behind the
// radio and podcast plugins. The player exposes a line-oriented JSON protocol
// on a unix socket; this client multiplexes commands and property-change
// events over one connection.
package mpv

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PropertyChange is one observed-property update from the player.
type PropertyChange struct {
	Name string
	Data any
}

// Client is a connection to one player instance. Safe for concurrent use.
type Client struct {
	log  zerolog.Logger
	path string

	mu      sync.Mutex
	conn    net.Conn
	nextID  int64
	pending map[int64]chan response
	closed  bool

	events chan PropertyChange
}

type request struct {
	Command   []any `json:"command"`
	RequestID int64 `json:"request_id"`
}

type response struct {
	RequestID int64           `json:"request_id"`
	Error     string          `json:"error"`
	Data      json.RawMessage `json:"data"`
}

// Dial connects to the player's IPC socket. The caller owns Close.
func Dial(path string, log zerolog.Logger) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("mpv dial %s: %w", path, err)
	}
	c := &Client{
		log:     log.With().Str("component", "mpv").Str("socket", path).Logger(),
		path:    path,
		conn:    conn,
		pending: make(map[int64]chan response),
		events:  make(chan PropertyChange, 64),
	}
	go c.readLoop()
	return c, nil
}

// Probe reports whether the socket is connectable. Used as a readiness check
// without holding a connection open.
func Probe(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Events delivers property-change notifications for observed properties.
// The channel is closed when the connection dies.
func (c *Client) Events() <-chan PropertyChange { return c.events }

// Close shuts the connection down; in-flight commands fail.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	return conn.Close()
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var raw struct {
			RequestID int64           `json:"request_id"`
			Error     string          `json:"error"`
			Data      json.RawMessage `json:"data"`
			Event     string          `json:"event"`
			Name      string          `json:"name"`
		}
		if err := json.Unmarshal(line, &raw); err != nil {
			c.log.Debug().Err(err).Msg("unparseable ipc line")
			continue
		}
		if raw.Event == "property-change" {
			var data any
			if len(raw.Data) > 0 {
				_ = json.Unmarshal(raw.Data, &data)
			}
			select {
			case c.events <- PropertyChange{Name: raw.Name, Data: data}:
			default:
				// The plugin's coalescer only cares about the latest
				// snapshot; losing an intermediate change is harmless.
			}
			continue
		}
		if raw.Event != "" {
			continue // playback-restart etc., not observed here
		}
		c.mu.Lock()
		ch, ok := c.pending[raw.RequestID]
		if ok {
			delete(c.pending, raw.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- response{RequestID: raw.RequestID, Error: raw.Error, Data: raw.Data}
		}
	}

	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan response)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	close(c.events)
}

// Command runs one IPC command and decodes its result into out (nil to
// discard).
func (c *Client) Command(ctx context.Context, out any, args ...any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("mpv: connection closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	data, err := json.Marshal(request{Command: args, RequestID: id})
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("mpv write: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return errors.New("mpv: connection closed")
		}
		if resp.Error != "success" {
			return fmt.Errorf("mpv command %v: %s", args, resp.Error)
		}
		if out != nil && len(resp.Data) > 0 {
			return json.Unmarshal(resp.Data, out)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// ObserveProperty subscribes to change events for a property.
func (c *Client) ObserveProperty(ctx context.Context, id int, name string) error {
	return c.Command(ctx, nil, "observe_property", id, name)
}

// LoadFile starts playback of url, replacing the current track.
func (c *Client) LoadFile(ctx context.Context, url string) error {
	return c.Command(ctx, nil, "loadfile", url, "replace")
}

// Stop stops playback and clears the playlist.
func (c *Client) Stop(ctx context.Context) error {
	return c.Command(ctx, nil, "stop")
}

// SetPause pauses or resumes playback.
func (c *Client) SetPause(ctx context.Context, paused bool) error {
	return c.Command(ctx, nil, "set_property", "pause", paused)
}

// Seek jumps to an absolute position in seconds.
func (c *Client) Seek(ctx context.Context, seconds float64) error {
	return c.Command(ctx, nil, "seek", seconds, "absolute")
}

// SetSpeed sets the playback speed multiplier.
func (c *Client) SetSpeed(ctx context.Context, speed float64) error {
	return c.Command(ctx, nil, "set_property", "speed", speed)
}

// GetFloat reads a float property (time-pos, duration, ...).
func (c *Client) GetFloat(ctx context.Context, name string) (float64, error) {
	var v float64
	err := c.Command(ctx, &v, "get_property", name)
	return v, err
}
