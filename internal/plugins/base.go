package plugins

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/systemd"
)

const (
	// metadataWindow collapses bursts: at most one metadata_changed report
	// per window, carrying the latest snapshot.
	metadataWindow = 100 * time.Millisecond

	// readinessTimeout bounds plugin readiness probes.
	readinessTimeout = 5 * time.Second

	// unitRetryDelay is the single-retry delay on service control errors.
	unitRetryDelay = 2 * time.Second

	// watchdogInterval is how often the running unit's state is checked.
	watchdogInterval = 2 * time.Second
)

// Base provides the behaviors every plugin shares: state reporting through
// the Reporter, metadata burst coalescing, and the unit-failure watchdog.
// Concrete plugins embed it and drive it via report/updateMetadata.
type Base struct {
	source   models.AudioSource
	unit     string
	units    systemd.Supervisor
	reporter Reporter
	log      zerolog.Logger

	mu      sync.Mutex
	state   models.PluginState
	meta    models.Metadata
	pending models.Metadata
	limiter *rate.Limiter
	flush   *time.Timer

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// NewBase wires the shared plumbing for one plugin.
func NewBase(source models.AudioSource, unit string, units systemd.Supervisor, reporter Reporter, log zerolog.Logger) *Base {
	return &Base{
		source:   source,
		unit:     unit,
		units:    units,
		reporter: reporter,
		log:      log.With().Str("component", "plugin").Str("source", string(source)).Logger(),
		state:    models.StateInactive,
		limiter:  rate.NewLimiter(rate.Every(metadataWindow), 1),
	}
}

// Source returns the plugin's source identity.
func (b *Base) Source() models.AudioSource { return b.source }

// Unit returns the primary service unit.
func (b *Base) Unit() string { return b.unit }

// State returns the locally tracked lifecycle state.
func (b *Base) State() models.PluginState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status returns the current metadata snapshot.
func (b *Base) Status() models.Metadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta.Clone()
}

// report records a lifecycle transition locally and forwards it to the state
// machine. Plugins never mutate SystemAudioState directly.
func (b *Base) report(state models.PluginState, meta models.Metadata) {
	b.mu.Lock()
	b.state = state
	if meta != nil {
		b.meta = meta.Clone()
	}
	snapshot := b.meta.Clone()
	b.mu.Unlock()
	b.reporter.ReportPluginState(b.source, state, snapshot)
}

// updateMetadata merges keys into the plugin's metadata bag and schedules a
// coalesced metadata_changed report: an immediate one when outside the 100ms
// window, otherwise a single trailing one carrying the latest snapshot.
func (b *Base) updateMetadata(meta models.Metadata) {
	b.mu.Lock()
	if b.meta == nil {
		b.meta = models.Metadata{}
	}
	for k, v := range meta {
		b.meta[k] = v
	}
	if b.limiter.Allow() {
		snapshot := b.meta.Clone()
		b.mu.Unlock()
		b.reporter.ReportMetadata(b.source, snapshot)
		return
	}
	if b.flush == nil {
		b.flush = time.AfterFunc(metadataWindow, func() {
			b.mu.Lock()
			b.flush = nil
			snapshot := b.meta.Clone()
			b.mu.Unlock()
			b.reporter.ReportMetadata(b.source, snapshot)
		})
	}
	b.mu.Unlock()
}

// startUnit starts the unit with one retry on service-control errors, then
// waits for active.
func (b *Base) startUnit(ctx context.Context, unit string) error {
	err := b.units.Start(ctx, unit)
	if err != nil && errors.Is(err, models.ErrServiceControl) {
		b.log.Warn().Err(err).Str("unit", unit).Msg("unit start failed, retrying once")
		select {
		case <-time.After(unitRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = b.units.Start(ctx, unit)
	}
	if err != nil {
		return err
	}
	return b.units.WaitUntil(ctx, unit, systemd.UnitActive, readinessTimeout)
}

// stopUnit stops the unit, tolerating an already-stopped one.
func (b *Base) stopUnit(ctx context.Context, unit string) error {
	if err := b.units.Stop(ctx, unit); err != nil {
		return err
	}
	return b.units.WaitUntil(ctx, unit, systemd.UnitInactive, readinessTimeout)
}

// startWatchdog begins polling the unit state; a failed unit reports Error
// and then requests stop through the owner's Stop.
func (b *Base) startWatchdog(stop func(context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.watchCancel = cancel
	done := make(chan struct{})
	b.watchDone = done
	b.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(watchdogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				state, err := b.units.Status(ctx, b.unit)
				if err != nil {
					b.log.Debug().Err(err).Msg("watchdog status check failed")
					continue
				}
				if state == systemd.UnitFailed {
					b.log.Error().Str("unit", b.unit).Msg("unit failed, reporting error and stopping")
					// Detach first: the stop callback re-enters stopWatchdog
					// and must not wait on this goroutine.
					b.mu.Lock()
					b.watchCancel = nil
					b.watchDone = nil
					b.mu.Unlock()
					b.report(models.StateError, models.Metadata{"reason": "unit_failed"})
					stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
					if err := stop(stopCtx); err != nil {
						b.log.Warn().Err(err).Msg("stop after unit failure failed")
					}
					stopCancel()
					return
				}
			}
		}
	}()
}

// stopWatchdog cancels the watchdog and waits for it to exit.
func (b *Base) stopWatchdog() {
	b.mu.Lock()
	cancel := b.watchCancel
	done := b.watchDone
	b.watchCancel = nil
	b.watchDone = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
