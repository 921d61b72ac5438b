package mpv

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakePlayer is a scripted IPC endpoint: it answers every command with
// success and can push property-change events.
type fakePlayer struct {
	t        *testing.T
	ln       net.Listener
	path     string
	commands chan []any
	conns    chan net.Conn
}

func newFakePlayer(t *testing.T) *fakePlayer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "player.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakePlayer{
		t:        t,
		ln:       ln,
		path:     path,
		commands: make(chan []any, 16),
		conns:    make(chan net.Conn, 1),
	}
	t.Cleanup(func() { _ = ln.Close() })
	go f.serve()
	return f
}

func (f *fakePlayer) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		select {
		case f.conns <- conn:
		default:
		}
		go f.handle(conn)
	}
}

func (f *fakePlayer) handle(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req struct {
			Command   []any `json:"command"`
			RequestID int64 `json:"request_id"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		select {
		case f.commands <- req.Command:
		default:
		}
		resp := map[string]any{"request_id": req.RequestID, "error": "success"}
		if len(req.Command) > 0 && req.Command[0] == "get_property" {
			resp["data"] = 123.5
		}
		data, _ := json.Marshal(resp)
		_, _ = conn.Write(append(data, '\n'))
	}
}

func (f *fakePlayer) pushEvent(name string, data any) {
	select {
	case conn := <-f.conns:
		payload, _ := json.Marshal(map[string]any{
			"event": "property-change", "name": name, "data": data,
		})
		_, _ = conn.Write(append(payload, '\n'))
		f.conns <- conn
	case <-time.After(time.Second):
		f.t.Fatal("no connection to push event on")
	}
}

func TestProbe(t *testing.T) {
	f := newFakePlayer(t)
	if !Probe(f.path) {
		t.Fatal("Probe = false for a live socket")
	}
	if Probe(filepath.Join(t.TempDir(), "absent.sock")) {
		t.Fatal("Probe = true for a missing socket")
	}
}

func TestCommandRoundTrip(t *testing.T) {
	f := newFakePlayer(t)
	c, err := Dial(f.path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	ctx := context.Background()

	if err := c.LoadFile(ctx, "http://radio.example/stream"); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cmd := <-f.commands
	if cmd[0] != "loadfile" || cmd[1] != "http://radio.example/stream" || cmd[2] != "replace" {
		t.Fatalf("wire command = %v", cmd)
	}

	if err := c.SetPause(ctx, true); err != nil {
		t.Fatalf("SetPause: %v", err)
	}
	cmd = <-f.commands
	if cmd[0] != "set_property" || cmd[1] != "pause" || cmd[2] != true {
		t.Fatalf("wire command = %v", cmd)
	}

	pos, err := c.GetFloat(ctx, "time-pos")
	if err != nil {
		t.Fatalf("GetFloat: %v", err)
	}
	if pos != 123.5 {
		t.Fatalf("GetFloat = %v, want 123.5", pos)
	}
}

func TestPropertyChangeEvents(t *testing.T) {
	f := newFakePlayer(t)
	c, err := Dial(f.path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.ObserveProperty(context.Background(), 1, "pause"); err != nil {
		t.Fatalf("ObserveProperty: %v", err)
	}
	f.pushEvent("pause", true)

	select {
	case pc := <-c.Events():
		if pc.Name != "pause" || pc.Data != true {
			t.Fatalf("event = %+v", pc)
		}
	case <-time.After(time.Second):
		t.Fatal("no property-change event delivered")
	}
}

func TestEventsChannelClosesOnDisconnect(t *testing.T) {
	f := newFakePlayer(t)
	c, err := Dial(f.path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	_ = c.Close()
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatal("got event after close, want closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("events channel never closed")
	}
}
