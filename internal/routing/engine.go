// Package routing computes and applies the ALSA output mode (direct vs
// multiroom, bypass vs equalized). Applying a mode swaps the routing.env
// device binding, reconciles the multiroom transport units, restarts the
// active plugin so it reopens its device, and rebinds transport groups to the
// unified meta-stream.
package routing

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/dsp"
	"github.com/milo-audio/milo-go/internal/events"
	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/settings"
	"github.com/milo-audio/milo-go/internal/snapcast"
	"github.com/milo-audio/milo-go/internal/systemd"
)

const (
	envFileName = "routing.env"

	transportWait = 10 * time.Second
)

// TransportUnits are the multiroom transport services reconciled on mode
// changes.
var TransportUnits = []string{"milo-snapserver.service", "milo-snapclient.service"}

// ActiveSourceFunc is the read-only capability the engine uses to find the
// plugin whose unit must be restarted after a device-binding change.
type ActiveSourceFunc func() models.AudioSource

// Transport is the multiroom control surface; satisfied by *snapcast.Client.
type Transport interface {
	BindAllGroups(ctx context.Context) error
}

// DSP is the equalizer control plane; satisfied by *dsp.Client.
type DSP interface {
	LoadPreset(ctx context.Context, name string) error
	Bypass(ctx context.Context, bypassed bool) error
}

// Engine owns the routing lock and the applied state.
type Engine struct {
	log       zerolog.Logger
	store     *settings.Store
	units     systemd.Supervisor
	transport Transport
	dspc      DSP
	bus       *events.Broadcaster
	active    ActiveSourceFunc
	unitFor   map[models.AudioSource]string
	envPath   string

	mu          sync.Mutex
	current     models.RoutingState
	lastApplied map[models.AudioSource]models.RoutingState

	applies  prometheus.Counter
	failures prometheus.Counter
}

// Config wires the engine's collaborators.
type Config struct {
	Store     *settings.Store
	Units     systemd.Supervisor
	Transport Transport
	DSP       DSP
	Bus       *events.Broadcaster
	Active    ActiveSourceFunc
	// UnitFor maps each source to its service unit name.
	UnitFor map[models.AudioSource]string
	DataDir string
	Log     zerolog.Logger
	Metrics prometheus.Registerer
}

// New builds the engine with the persisted routing state as current.
func New(cfg Config) *Engine {
	e := &Engine{
		log:       cfg.Log.With().Str("component", "routing").Logger(),
		store:     cfg.Store,
		units:     cfg.Units,
		transport: cfg.Transport,
		dspc:      cfg.DSP,
		bus:       cfg.Bus,
		active:    cfg.Active,
		unitFor:   cfg.UnitFor,
		envPath:   filepath.Join(cfg.DataDir, envFileName),
		current: models.RoutingState{
			Mode:      models.RoutingMode(cfg.Store.GetString(settings.KeyRoutingMode, "direct")),
			Equalizer: cfg.Store.GetBool(settings.KeyRoutingEqualizer, false),
		},
		lastApplied: make(map[models.AudioSource]models.RoutingState),
		applies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "milo_routing_applies_total", Help: "Routing configurations applied.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "milo_routing_failures_total", Help: "Routing applications that failed and were reverted.",
		}),
	}
	if e.current.Mode != models.ModeDirect && e.current.Mode != models.ModeMultiroom {
		e.current.Mode = models.ModeDirect
	}
	if cfg.Metrics != nil {
		cfg.Metrics.MustRegister(e.applies, e.failures)
	}
	return e
}

// Current returns the applied routing state.
func (e *Engine) Current() models.RoutingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Bootstrap writes the env file for the persisted state without touching
// services. Called once at startup so the resolver always has a file.
func (e *Engine) Bootstrap() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writeEnv(e.current)
}

// Set applies a new routing configuration under the exclusive routing lock.
// On failure it attempts a best-effort revert and returns ErrRouting; callers
// must surface that to the user, never retry silently.
func (e *Engine) Set(ctx context.Context, mode models.RoutingMode, equalizer bool) error {
	if mode != models.ModeDirect && mode != models.ModeMultiroom {
		return fmt.Errorf("%w: unknown mode %q", models.ErrRouting, mode)
	}

	// The active-source callback takes the state machine's lock, which a
	// concurrent Snapshot may hold while waiting on Current(). Read it before
	// e.mu so the two locks are never held together from this side.
	src := e.active()

	e.mu.Lock()
	defer e.mu.Unlock()

	old := e.current
	next := models.RoutingState{Mode: mode, Equalizer: equalizer}
	if next == old {
		return nil // idempotent: no services touched, no event emitted
	}

	if err := e.applyLocked(ctx, old, next, src); err != nil {
		e.failures.Inc()
		e.log.Error().Err(err).Msg("routing apply failed, reverting")
		if revertErr := e.applyLocked(ctx, next, old, src); revertErr != nil {
			e.log.Error().Err(revertErr).Msg("routing revert also failed")
		} else {
			e.current = old
		}
		return fmt.Errorf("%w: %v", models.ErrRouting, err)
	}

	e.current = next
	if src != models.SourceNone {
		e.lastApplied[src] = next
	}

	// Persist after the configuration is in effect.
	if err := e.store.Set(settings.KeyRoutingMode, string(next.Mode)); err != nil {
		e.log.Warn().Err(err).Msg("persist routing.mode failed")
	}
	if err := e.store.Set(settings.KeyRoutingEqualizer, next.Equalizer); err != nil {
		e.log.Warn().Err(err).Msg("persist routing.equalizer failed")
	}

	e.applies.Inc()
	e.bus.Publish(models.Event{
		Category: models.CategoryRouting,
		Type:     models.EventRoutingChanged,
		Data: map[string]any{
			"mode":          string(next.Mode),
			"equalizer":     next.Equalizer,
			"device_suffix": next.DeviceSuffix(),
		},
	})
	return nil
}

// applyLocked runs the apply sequence from → to. Caller holds e.mu and has
// already read the active source.
func (e *Engine) applyLocked(ctx context.Context, from, to models.RoutingState, src models.AudioSource) error {
	if err := e.writeEnv(to); err != nil {
		return err
	}

	if from.Mode != to.Mode {
		if err := e.reconcileTransport(ctx, to.Mode); err != nil {
			return err
		}
	}

	if src != models.SourceNone {
		unit, ok := e.unitFor[src]
		if !ok {
			return fmt.Errorf("no unit mapping for source %s", src)
		}
		if err := e.units.Restart(ctx, unit); err != nil {
			return fmt.Errorf("restart active plugin %s: %w", unit, err)
		}
	}

	if to.Mode == models.ModeMultiroom && from.Mode != models.ModeMultiroom {
		if err := e.transport.BindAllGroups(ctx); err != nil {
			return fmt.Errorf("bind transport groups: %w", err)
		}
	}

	// Equalizer control plane: degrade to a warning, the audio path is
	// already correct via the device binding.
	if from.Equalizer != to.Equalizer && e.dspc != nil {
		e.reconcileDSP(ctx, to.Equalizer)
	}
	return nil
}

func (e *Engine) reconcileTransport(ctx context.Context, mode models.RoutingMode) error {
	want := systemd.UnitInactive
	op := e.units.Stop
	if mode == models.ModeMultiroom {
		want = systemd.UnitActive
		op = e.units.Start
	}
	for _, unit := range TransportUnits {
		if err := op(ctx, unit); err != nil {
			return fmt.Errorf("transport %s: %w", unit, err)
		}
	}
	for _, unit := range TransportUnits {
		if err := e.units.WaitUntil(ctx, unit, want, transportWait); err != nil {
			return fmt.Errorf("transport %s: %w", unit, err)
		}
	}
	return nil
}

func (e *Engine) reconcileDSP(ctx context.Context, equalizer bool) {
	var err error
	if equalizer {
		preset := e.store.GetString(settings.KeyDSPPreset, "flat")
		if err = e.dspc.LoadPreset(ctx, preset); err == nil {
			err = e.dspc.Bypass(ctx, false)
		}
		if err == nil {
			e.bus.Publish(models.Event{
				Category: models.CategoryDSP,
				Type:     models.EventDSPPreset,
				Data:     map[string]any{"preset": preset},
			})
		}
	} else {
		err = e.dspc.Bypass(ctx, true)
	}
	if err != nil {
		e.log.Warn().Err(err).Bool("equalizer", equalizer).Msg("dsp control failed")
		e.bus.Publish(models.Event{
			Category: models.CategoryDSP,
			Type:     models.EventSystemError,
			Data:     map[string]any{"code": "dsp_unreachable", "message": err.Error()},
		})
	}
}

// OnPluginStarted re-resolves a plugin's device binding after it reaches
// Ready: when the routing applied while this source last ran differs from the
// current one, only that plugin's unit is restarted.
func (e *Engine) OnPluginStarted(ctx context.Context, source models.AudioSource) {
	e.mu.Lock()
	last, seen := e.lastApplied[source]
	cur := e.current
	e.lastApplied[source] = cur
	e.mu.Unlock()

	if seen && last == cur {
		return
	}
	if !seen {
		// First start after boot: the unit just opened its device against the
		// freshly written env file, nothing to re-resolve.
		return
	}
	unit, ok := e.unitFor[source]
	if !ok {
		return
	}
	e.log.Info().Str("source", string(source)).Str("unit", unit).Msg("routing changed since last run, restarting plugin unit")
	if err := e.units.Restart(ctx, unit); err != nil {
		e.log.Warn().Err(err).Str("unit", unit).Msg("device re-resolution restart failed")
	}
}

// writeEnv writes the two-line key=value file consumed by the ALSA resolver.
func (e *Engine) writeEnv(st models.RoutingState) error {
	eq := ""
	if st.Equalizer {
		eq = "_eq"
	}
	content := fmt.Sprintf("MILO_MODE=%s\nMILO_EQUALIZER=%s\n", st.Mode, eq)
	if err := renameio.WriteFile(e.envPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", models.ErrPersistence, e.envPath, err)
	}
	return nil
}

// EnvPath returns the env file location (tests).
func (e *Engine) EnvPath() string { return e.envPath }

var (
	_ Transport = (*snapcast.Client)(nil)
	_ DSP       = (*dsp.Client)(nil)
)
