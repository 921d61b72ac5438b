package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/milo-audio/milo-go/internal/events"
	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/plugins"
)

// fakePlugin reports through whatever Reporter it is bound to, mimicking the
// real Base lifecycle without units or sockets.
type fakePlugin struct {
	src models.AudioSource
	rep plugins.Reporter

	mu         sync.Mutex
	startErr   error
	stopErr    error
	startDelay time.Duration
	startCalls int
	stopCalls  int
}

func (f *fakePlugin) Source() models.AudioSource       { return f.src }
func (f *fakePlugin) Unit() string                     { return "milo-" + string(f.src) + ".service" }
func (f *fakePlugin) Initialize(context.Context) error { return nil }
func (f *fakePlugin) Status() models.Metadata          { return nil }

func (f *fakePlugin) Start(ctx context.Context) error {
	f.mu.Lock()
	f.startCalls++
	delay, err := f.startDelay, f.startErr
	f.mu.Unlock()

	f.rep.ReportPluginState(f.src, models.StateStarting, nil)
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		f.rep.ReportPluginState(f.src, models.StateError, models.Metadata{"reason": err.Error()})
		return err
	}
	f.rep.ReportPluginState(f.src, models.StateReady, models.Metadata{"is_playing": false})
	return nil
}

func (f *fakePlugin) Stop(context.Context) error {
	f.mu.Lock()
	err := f.stopErr
	f.stopCalls++
	f.mu.Unlock()

	f.rep.ReportPluginState(f.src, models.StateStopping, nil)
	if err != nil {
		return err
	}
	f.rep.ReportPluginState(f.src, models.StateInactive, nil)
	return nil
}

func (f *fakePlugin) HandleCommand(_ context.Context, name string, _ map[string]any) (any, error) {
	if name == "echo" {
		return "ok", nil
	}
	return nil, models.ErrUnknownCommand
}

func (f *fakePlugin) calls() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, f.stopCalls
}

type fakeRouting struct {
	mu      sync.Mutex
	started []models.AudioSource
	current func() models.RoutingState
}

func (f *fakeRouting) OnPluginStarted(_ context.Context, source models.AudioSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, source)
}

func (f *fakeRouting) Current() models.RoutingState {
	if f.current != nil {
		return f.current()
	}
	return models.RoutingState{Mode: models.ModeDirect}
}

type fixture struct {
	machine *Machine
	bus     *events.Broadcaster
	routing *fakeRouting
	plugs   map[models.AudioSource]*fakePlugin
}

func newFixture(t *testing.T, sources ...models.AudioSource) *fixture {
	t.Helper()
	if len(sources) == 0 {
		sources = []models.AudioSource{models.SourceSpotify, models.SourceRadio}
	}
	bus := events.NewBroadcaster(zerolog.Nop(), nil)
	rt := &fakeRouting{}

	plugs := make(map[models.AudioSource]*fakePlugin, len(sources))
	var list []plugins.Plugin
	for _, src := range sources {
		p := &fakePlugin{src: src}
		plugs[src] = p
		list = append(list, p)
	}
	registry, err := plugins.NewRegistry(list...)
	require.NoError(t, err)

	m := New(registry, bus, rt, zerolog.Nop())
	for _, p := range plugs {
		p.rep = m
	}
	return &fixture{machine: m, bus: bus, routing: rt, plugs: plugs}
}

// collectUntil reads events until one of type stop arrives or the timeout
// hits.
func collectUntil(t *testing.T, sub *events.Subscription, stop string) []models.Event {
	t.Helper()
	var out []models.Event
	for {
		select {
		case ev := <-sub.C():
			out = append(out, ev)
			if ev.Type == stop {
				return out
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s, got %d events", stop, len(out))
		}
	}
}

func TestActivateEmitsOrderedEvents(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub.ID)

	require.NoError(t, f.machine.RequestSource(context.Background(), models.SourceRadio))

	evs := collectUntil(t, sub, models.EventTransitionFinished)
	var types []string
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	require.Equal(t, []string{
		models.EventTransitionStarted,
		models.EventPluginStateChanged, // starting
		models.EventPluginStateChanged, // ready
		models.EventTransitionFinished,
	}, types)

	snap := f.machine.Snapshot()
	require.Equal(t, models.SourceRadio, snap.ActiveSource)
	require.Equal(t, models.StateReady, snap.PluginState)
	require.False(t, snap.Transitioning)
	require.Equal(t, []models.AudioSource{models.SourceRadio}, f.routing.started)
}

func TestSwitchStopsOldBeforeStartingNew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.RequestSource(ctx, models.SourceSpotify))
	require.NoError(t, f.machine.RequestSource(ctx, models.SourceRadio))

	_, spotifyStops := f.plugs[models.SourceSpotify].calls()
	radioStarts, _ := f.plugs[models.SourceRadio].calls()
	require.Equal(t, 1, spotifyStops)
	require.Equal(t, 1, radioStarts)
	require.Equal(t, models.SourceRadio, f.machine.Snapshot().ActiveSource)

	// The displaced source's last recorded state is inactive.
	state, _ := f.machine.SourceStatus(models.SourceSpotify)
	require.Equal(t, models.StateInactive, state)
}

func TestSameTargetRequestDuringTransitionIsNoop(t *testing.T) {
	f := newFixture(t)
	f.plugs[models.SourceRadio].startDelay = 300 * time.Millisecond
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.machine.RequestSource(ctx, models.SourceRadio) }()

	// Wait for the transition to be in flight, then duplicate the request.
	require.Eventually(t, func() bool {
		return f.machine.Snapshot().Transitioning
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, f.machine.RequestSource(ctx, models.SourceRadio))
	require.Less(t, time.Since(start), 100*time.Millisecond, "duplicate request must return immediately")

	require.NoError(t, <-done)
	starts, _ := f.plugs[models.SourceRadio].calls()
	require.Equal(t, 1, starts)
}

func TestRequestNoneQueuesBehindTransition(t *testing.T) {
	f := newFixture(t)
	f.plugs[models.SourceRadio].startDelay = 200 * time.Millisecond
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.machine.RequestSource(ctx, models.SourceRadio) }()
	require.Eventually(t, func() bool {
		return f.machine.Snapshot().Transitioning
	}, time.Second, 5*time.Millisecond)

	// Queues behind the radio activation, then stops it.
	require.NoError(t, f.machine.RequestSource(ctx, models.SourceNone))
	require.NoError(t, <-done)

	starts, stops := f.plugs[models.SourceRadio].calls()
	require.Equal(t, 1, starts)
	require.Equal(t, 1, stops)

	snap := f.machine.Snapshot()
	require.Equal(t, models.SourceNone, snap.ActiveSource)
	require.Equal(t, models.StateInactive, snap.PluginState)
}

func TestStartFailureLeavesSlotEmpty(t *testing.T) {
	f := newFixture(t)
	f.plugs[models.SourceRadio].startErr = errors.New("socket never came up")

	err := f.machine.RequestSource(context.Background(), models.SourceRadio)
	require.ErrorIs(t, err, models.ErrTransition)

	snap := f.machine.Snapshot()
	require.Equal(t, models.SourceNone, snap.ActiveSource)
	require.Equal(t, models.StateInactive, snap.PluginState)
	require.False(t, snap.Transitioning)
}

func TestStopFailureAbortsSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.machine.RequestSource(ctx, models.SourceSpotify))

	// A hard stop failure (not a timeout): the target never starts, because
	// two live audio paths are worse than a failed switch.
	f.plugs[models.SourceSpotify].stopErr = errors.New("unit wedged")
	err := f.machine.RequestSource(ctx, models.SourceRadio)
	require.ErrorIs(t, err, models.ErrTransition)

	starts, _ := f.plugs[models.SourceRadio].calls()
	require.Equal(t, 0, starts)
	state, _ := f.machine.SourceStatus(models.SourceSpotify)
	require.Equal(t, models.StateError, state)
}

func TestStopTimeoutForcesErrorAndContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.machine.RequestSource(ctx, models.SourceSpotify))

	// An unresponsive plugin whose stop runs out the clock is forced into
	// Error and the switch proceeds to the target.
	f.plugs[models.SourceSpotify].stopErr = context.DeadlineExceeded
	require.NoError(t, f.machine.RequestSource(ctx, models.SourceRadio))

	starts, _ := f.plugs[models.SourceRadio].calls()
	require.Equal(t, 1, starts)

	snap := f.machine.Snapshot()
	require.Equal(t, models.SourceRadio, snap.ActiveSource)
	require.Equal(t, models.StateReady, snap.PluginState)
	state, _ := f.machine.SourceStatus(models.SourceSpotify)
	require.Equal(t, models.StateError, state)
}

func TestSnapshotReadsRoutingOutsideMachineLock(t *testing.T) {
	f := newFixture(t)
	// Mirror the real engine, whose Current() can be waiting on a read of
	// the active source while Snapshot runs.
	f.routing.current = func() models.RoutingState {
		_ = f.machine.ActiveSource()
		return models.RoutingState{Mode: models.ModeDirect}
	}

	done := make(chan models.SystemAudioState, 1)
	go func() { done <- f.machine.Snapshot() }()
	select {
	case snap := <-done:
		require.Equal(t, models.SourceNone, snap.ActiveSource)
		require.Equal(t, models.ModeDirect, snap.Routing.Mode)
	case <-time.After(2 * time.Second):
		t.Fatal("Snapshot deadlocked against a routing read of the active source")
	}
}

func TestConnectedReportFromNonActiveSourceIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.machine.RequestSource(ctx, models.SourceRadio))

	f.machine.ReportPluginState(models.SourceSpotify, models.StateConnected, nil)

	snap := f.machine.Snapshot()
	require.Equal(t, models.SourceRadio, snap.ActiveSource)
	require.Equal(t, models.StateReady, snap.PluginState)
}

func TestMetadataOnlyForwardedForActiveSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.machine.RequestSource(ctx, models.SourceRadio))

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub.ID)

	f.machine.ReportMetadata(models.SourceSpotify, models.Metadata{"title": "ghost"})
	f.machine.ReportMetadata(models.SourceRadio, models.Metadata{"station_name": "fip"})

	select {
	case ev := <-sub.C():
		require.Equal(t, models.EventPluginMetadata, ev.Type)
		require.Equal(t, models.SourceRadio, ev.Source)
	case <-time.After(time.Second):
		t.Fatal("no metadata event for the active source")
	}
	require.Equal(t, "fip", f.machine.Snapshot().Metadata["station_name"])
}

func TestPodcastMetadataEmitsProgressEvent(t *testing.T) {
	f := newFixture(t, models.SourcePodcast)
	ctx := context.Background()
	require.NoError(t, f.machine.RequestSource(ctx, models.SourcePodcast))

	sub := f.bus.Subscribe()
	defer f.bus.Unsubscribe(sub.ID)

	f.machine.ReportMetadata(models.SourcePodcast, models.Metadata{
		"episode_uuid": "ep-9", "position_s": 42.0, "duration_s": 1800.0,
	})

	sawProgress := false
	for !sawProgress {
		select {
		case ev := <-sub.C():
			if ev.Type == models.EventPodcastProgress {
				require.Equal(t, 42.0, ev.Data["position_s"])
				sawProgress = true
			}
		case <-time.After(time.Second):
			t.Fatal("no podcast progress event")
		}
	}
}

func TestCommandRequiresActiveSource(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.machine.Command(ctx, models.SourceRadio, "echo", nil)
	require.ErrorIs(t, err, models.ErrRejected)

	require.NoError(t, f.machine.RequestSource(ctx, models.SourceRadio))
	out, err := f.machine.Command(ctx, models.SourceRadio, "echo", nil)
	require.NoError(t, err)
	require.Equal(t, "ok", out)

	_, err = f.machine.Command(ctx, models.SourceSpotify, "echo", nil)
	require.ErrorIs(t, err, models.ErrRejected)
}

func TestRequestSameActiveSourceIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.machine.RequestSource(ctx, models.SourceRadio))
	require.NoError(t, f.machine.RequestSource(ctx, models.SourceRadio))

	starts, _ := f.plugs[models.SourceRadio].calls()
	require.Equal(t, 1, starts)
}
