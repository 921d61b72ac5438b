package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/api"
	"github.com/milo-audio/milo-go/internal/dsp"
	"github.com/milo-audio/milo-go/internal/events"
	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/settings"
)

// fakeAudio is a minimal AudioController: one active source, no real plugins.
type fakeAudio struct {
	mu     sync.Mutex
	active models.AudioSource
	state  models.PluginState
	reqErr error
	cmdErr error
}

func (f *fakeAudio) Snapshot() models.SystemAudioState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.SystemAudioState{
		ActiveSource: f.active,
		PluginState:  f.state,
		Routing:      models.RoutingState{Mode: models.ModeDirect},
	}
}

func (f *fakeAudio) RequestSource(_ context.Context, target models.AudioSource) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reqErr != nil {
		return f.reqErr
	}
	f.active = target
	f.state = models.StateReady
	if target == models.SourceNone {
		f.state = models.StateInactive
	}
	return nil
}

func (f *fakeAudio) Command(_ context.Context, source models.AudioSource, name string, _ map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmdErr != nil {
		return nil, f.cmdErr
	}
	if source != f.active {
		return nil, fmt.Errorf("%w: %s is not the active source", models.ErrRejected, source)
	}
	return name, nil
}

func (f *fakeAudio) SourceStatus(models.AudioSource) (models.PluginState, models.Metadata) {
	return models.StateInactive, nil
}

type fakeRouting struct {
	mu      sync.Mutex
	current models.RoutingState
	err     error
}

func (f *fakeRouting) Current() models.RoutingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeRouting) Set(_ context.Context, mode models.RoutingMode, equalizer bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.current = models.RoutingState{Mode: mode, Equalizer: equalizer}
	return nil
}

type fakeVolume struct {
	mu     sync.Mutex
	levels map[string]models.VolumeState
}

func (f *fakeVolume) get(target string) models.VolumeState {
	st, ok := f.levels[target]
	if !ok {
		st = models.VolumeState{TargetID: target, LevelDB: -30}
	}
	return st
}

func (f *fakeVolume) Get(target string) models.VolumeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get(target)
}

func (f *fakeVolume) Set(_ context.Context, target string, db float64) (models.VolumeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.get(target)
	st.LevelDB = db
	f.levels[target] = st
	return st, nil
}

func (f *fakeVolume) Bump(ctx context.Context, target string, delta float64) (models.VolumeState, error) {
	f.mu.Lock()
	cur := f.get(target).LevelDB
	f.mu.Unlock()
	return f.Set(ctx, target, cur+delta)
}

func (f *fakeVolume) Mute(_ context.Context, target string, muted bool) (models.VolumeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.get(target)
	st.Muted = muted
	f.levels[target] = st
	return st, nil
}

func (f *fakeVolume) Percent(db float64) int { return int(100 * (db + 60) / 60) }

type fakeLevels struct{ err error }

func (f *fakeLevels) QueryLevels(context.Context) (dsp.Levels, error) {
	if f.err != nil {
		return dsp.Levels{}, f.err
	}
	return dsp.Levels{PeakDB: -6.2, RMSDB: -14.8}, nil
}

type testEnv struct {
	srv     *httptest.Server
	audio   *fakeAudio
	routing *fakeRouting
	volume  *fakeVolume
	levels  *fakeLevels
	store   *settings.Store
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	store, err := settings.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("settings.Open: %v", err)
	}
	env := &testEnv{
		audio:   &fakeAudio{active: models.SourceNone, state: models.StateInactive},
		routing: &fakeRouting{current: models.RoutingState{Mode: models.ModeDirect}},
		volume:  &fakeVolume{levels: map[string]models.VolumeState{}},
		levels:  &fakeLevels{},
		store:   store,
	}
	router := api.NewRouter(api.Deps{
		Audio:    env.audio,
		Routing:  env.routing,
		Volume:   env.volume,
		Store:    store,
		Levels:   env.levels,
		Bus:      events.NewBroadcaster(zerolog.Nop(), nil),
		Registry: prometheus.NewRegistry(),
		Log:      zerolog.Nop(),
	})
	env.srv = httptest.NewServer(router)
	t.Cleanup(env.srv.Close)
	return env
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do %s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestSetSourceAndState(t *testing.T) {
	env := newTestServer(t)

	resp := do(t, env.srv, http.MethodPost, "/api/audio/source", `{"target":"radio"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["active_source"] != "radio" {
		t.Fatalf("active_source = %v", body["active_source"])
	}

	resp = do(t, env.srv, http.MethodGet, "/api/audio/state", "")
	body = decodeBody(t, resp)
	if body["plugin_state"] != "ready" {
		t.Fatalf("plugin_state = %v", body["plugin_state"])
	}
}

func TestSetSourceValidation(t *testing.T) {
	env := newTestServer(t)

	resp := do(t, env.srv, http.MethodPost, "/api/audio/source", `{"target":"vinyl"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown source status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(t, env.srv, http.MethodPost, "/api/audio/source", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing source status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCommandConflictMapsTo409(t *testing.T) {
	env := newTestServer(t)

	// Nothing active: commands are rejected.
	resp := do(t, env.srv, http.MethodPost, "/api/audio/radio/command", `{"name":"play"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	do(t, env.srv, http.MethodPost, "/api/audio/source", `{"target":"radio"}`).Body.Close()
	resp = do(t, env.srv, http.MethodPost, "/api/audio/radio/command", `{"name":"play"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after activation = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTransitionErrorMapsTo502(t *testing.T) {
	env := newTestServer(t)
	env.audio.reqErr = fmt.Errorf("%w: start radio: boom", models.ErrTransition)

	resp := do(t, env.srv, http.MethodPost, "/api/audio/source", `{"target":"radio"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRoutingRoundTrip(t *testing.T) {
	env := newTestServer(t)

	resp := do(t, env.srv, http.MethodPut, "/api/routing", `{"mode":"multiroom","equalizer":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["device_suffix"] != "multiroom_eq" {
		t.Fatalf("device_suffix = %v", body["device_suffix"])
	}

	resp = do(t, env.srv, http.MethodPut, "/api/routing", `{"mode":"sideways"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad mode status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestVolumeEndpoints(t *testing.T) {
	env := newTestServer(t)

	resp := do(t, env.srv, http.MethodPut, "/api/volume/local", `{"level_db":-12}`)
	body := decodeBody(t, resp)
	if body["level_db"] != -12.0 {
		t.Fatalf("level_db = %v", body["level_db"])
	}
	if body["percent"] != 80.0 {
		t.Fatalf("percent = %v, want 80", body["percent"])
	}

	resp = do(t, env.srv, http.MethodPut, "/api/volume/local", `{"delta_db":-3}`)
	body = decodeBody(t, resp)
	if body["level_db"] != -15.0 {
		t.Fatalf("level after bump = %v, want -15", body["level_db"])
	}

	resp = do(t, env.srv, http.MethodPut, "/api/volume/local", `{"muted":true}`)
	body = decodeBody(t, resp)
	if body["muted"] != true {
		t.Fatalf("muted = %v", body["muted"])
	}

	resp = do(t, env.srv, http.MethodPut, "/api/volume/local", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSettingsWhitelist(t *testing.T) {
	env := newTestServer(t)

	resp := do(t, env.srv, http.MethodPut, "/api/settings/volume.max_db", `{"value":-3}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("whitelisted put status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if got := env.store.GetFloat("volume.max_db", 0); got != -3 {
		t.Fatalf("stored value = %v, want -3", got)
	}

	resp = do(t, env.srv, http.MethodPut, "/api/settings/system.secret", `{"value":"x"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-whitelisted put status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(t, env.srv, http.MethodGet, "/api/settings/spotify.auto_disconnect_delay", "")
	body := decodeBody(t, resp)
	if body["value"] != 10.0 {
		t.Fatalf("default value = %v, want 10", body["value"])
	}
}

func TestDSPLevels(t *testing.T) {
	env := newTestServer(t)

	resp := do(t, env.srv, http.MethodGet, "/api/dsp/levels", "")
	body := decodeBody(t, resp)
	if body["peak_db"] != -6.2 {
		t.Fatalf("peak_db = %v", body["peak_db"])
	}

	env.levels.err = fmt.Errorf("connection refused")
	resp = do(t, env.srv, http.MethodGet, "/api/dsp/levels", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("unreachable dsp status = %d, want 502", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPingAndHealth(t *testing.T) {
	env := newTestServer(t)

	resp := do(t, env.srv, http.MethodGet, "/api/ping", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ping status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = do(t, env.srv, http.MethodGet, "/api/health", "")
	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Fatalf("health = %v", body)
	}
}

func TestMetricsExposed(t *testing.T) {
	env := newTestServer(t)
	resp := do(t, env.srv, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}
