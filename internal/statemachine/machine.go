// Package statemachine owns the single source of truth for "what is playing":
// exactly one plugin holds the active slot at a time. All mutations flow
// through RequestSource; plugins feed observations back through the Reporter
// interface and never touch SystemAudioState directly.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/events"
	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/plugins"
)

// transitionTimeout bounds each phase (stop of the old source, start of the
// new one) independently.
const transitionTimeout = 15 * time.Second

type phase int

const (
	phaseIdle phase = iota
	phaseStopping
	phaseStarting
)

// RoutingHook is what the machine needs from the routing engine: a chance to
// re-pin a freshly started plugin to the applied route, and the current state
// for snapshots.
type RoutingHook interface {
	OnPluginStarted(ctx context.Context, source models.AudioSource)
	Current() models.RoutingState
}

type report struct {
	source models.AudioSource
	state  models.PluginState
	meta   models.Metadata
}

type waitKey struct {
	source models.AudioSource
	state  models.PluginState
}

// Machine serializes source transitions and folds plugin reports into the
// system state.
type Machine struct {
	log      zerolog.Logger
	registry *plugins.Registry
	bus      *events.Broadcaster
	routing  RoutingHook

	// transMu is the transition lock: concurrent RequestSource calls for
	// different targets queue here in arrival order.
	transMu sync.Mutex

	mu        sync.Mutex
	active    models.AudioSource
	state     models.PluginState
	metadata  models.Metadata
	perSource map[models.AudioSource]report

	inflight       bool
	inflightTarget models.AudioSource
	phase          phase
	buffered       []report

	waiters map[waitKey][]chan struct{}
}

// New creates the machine. The registry must be fully populated.
func New(registry *plugins.Registry, bus *events.Broadcaster, routing RoutingHook, log zerolog.Logger) *Machine {
	return &Machine{
		log:       log.With().Str("component", "statemachine").Logger(),
		registry:  registry,
		bus:       bus,
		routing:   routing,
		active:    models.SourceNone,
		state:     models.StateInactive,
		perSource: make(map[models.AudioSource]report),
		waiters:   make(map[waitKey][]chan struct{}),
	}
}

// Snapshot returns the current system audio state. The routing engine is
// consulted after m.mu is released: its Current() may itself be waiting on a
// read of the active source.
func (m *Machine) Snapshot() models.SystemAudioState {
	m.mu.Lock()
	snap := models.SystemAudioState{
		ActiveSource:  m.active,
		PluginState:   m.state,
		Transitioning: m.inflight,
		Metadata:      m.metadata.Clone(),
	}
	m.mu.Unlock()
	snap.Routing = m.routing.Current()
	return snap
}

// ActiveSource returns the current active source (routing engine input).
func (m *Machine) ActiveSource() models.AudioSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// RequestSource switches the active slot to target. SourceNone stops the
// active source and leaves the slot empty. A request for the target already
// in flight returns immediately; any other request queues behind the ongoing
// transition.
func (m *Machine) RequestSource(ctx context.Context, target models.AudioSource) error {
	if !target.Valid() {
		return models.ErrBadRequest(fmt.Sprintf("unknown source %q", target))
	}

	m.mu.Lock()
	if m.inflight && m.inflightTarget == target {
		m.mu.Unlock()
		m.log.Debug().Str("target", string(target)).Msg("transition to target already in flight")
		return nil
	}
	m.mu.Unlock()

	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	from := m.active
	if from == target && m.state != models.StateError {
		m.mu.Unlock()
		return nil
	}
	m.inflight = true
	m.inflightTarget = target
	m.buffered = nil
	m.mu.Unlock()

	m.publish(models.CategorySystem, models.EventTransitionStarted, target, map[string]any{
		"from": from, "to": target,
	})
	m.log.Info().Str("from", string(from)).Str("to", string(target)).Msg("transition started")

	err := m.transition(ctx, from, target)

	m.mu.Lock()
	m.inflight = false
	m.inflightTarget = models.SourceNone
	m.phase = phaseIdle
	buffered := m.buffered
	m.buffered = nil
	active := m.active
	m.mu.Unlock()

	// Reports for the target that arrived while the old source was still
	// stopping are replayed now, in arrival order.
	for _, r := range buffered {
		m.apply(r)
	}

	m.publish(models.CategorySystem, models.EventTransitionFinished, active, map[string]any{
		"from": from, "to": target, "ok": err == nil,
	})
	return err
}

// transition runs the stop phase, then the start phase. Failure in either
// phase aborts with the slot in a well-defined state.
func (m *Machine) transition(ctx context.Context, from, target models.AudioSource) error {
	if from != models.SourceNone && from != target {
		m.setPhase(phaseStopping)
		if err := m.stopSource(ctx, from); err != nil {
			if !errors.Is(err, models.ErrTimedOut) {
				return err
			}
			// An unresponsive plugin does not hold the slot hostage: it has
			// been forced into Error, and the switch proceeds.
			m.log.Warn().Str("source", string(from)).Msg("stop timed out, continuing with switch")
		}
	}

	m.setPhase(phaseStarting)
	if target == models.SourceNone {
		m.mu.Lock()
		m.active = models.SourceNone
		m.state = models.StateInactive
		m.metadata = nil
		m.mu.Unlock()
		return nil
	}

	plugin := m.registry.Get(target)
	if plugin == nil {
		return models.ErrNotFound(fmt.Sprintf("no plugin for source %q", target))
	}

	// The target owns the slot from here: its reports apply inline.
	m.mu.Lock()
	m.active = target
	m.metadata = nil
	m.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, transitionTimeout)
	defer cancel()
	if err := plugin.Start(startCtx); err != nil {
		m.log.Error().Err(err).Str("source", string(target)).Msg("plugin start failed")
		m.forceError(target, err)
		m.mu.Lock()
		m.active = models.SourceNone
		m.state = models.StateInactive
		m.metadata = nil
		m.mu.Unlock()
		return fmt.Errorf("%w: start %s: %v", models.ErrTransition, target, err)
	}

	m.routing.OnPluginStarted(ctx, target)
	return nil
}

// stopSource stops the currently active source within the phase timeout. Any
// failure forces the source into Error. Timeouts are reported as ErrTimedOut
// so the caller can continue the switch; other failures come back as
// ErrTransition and abort it, since starting the target on top of a
// half-stopped source risks two audible streams.
func (m *Machine) stopSource(ctx context.Context, source models.AudioSource) error {
	plugin := m.registry.Get(source)
	if plugin == nil {
		return models.ErrInternal(fmt.Sprintf("active source %q has no plugin", source))
	}
	stopCtx, cancel := context.WithTimeout(ctx, transitionTimeout)
	defer cancel()
	if err := plugin.Stop(stopCtx); err != nil {
		m.log.Error().Err(err).Str("source", string(source)).Msg("plugin stop failed")
		m.forceError(source, err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, models.ErrTimedOut) {
			return fmt.Errorf("%w: stop %s: %v", models.ErrTimedOut, source, err)
		}
		return fmt.Errorf("%w: stop %s: %v", models.ErrTransition, source, err)
	}
	return nil
}

func (m *Machine) setPhase(p phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

// forceError records an Error state for a source directly, bypassing the
// plugin (used when the plugin itself is unresponsive).
func (m *Machine) forceError(source models.AudioSource, err error) {
	m.apply(report{
		source: source,
		state:  models.StateError,
		meta:   models.Metadata{"reason": err.Error()},
	})
	m.publish(models.CategorySystem, models.EventSystemError, source, map[string]any{
		"reason": err.Error(),
	})
}

// ReportPluginState implements plugins.Reporter.
func (m *Machine) ReportPluginState(source models.AudioSource, state models.PluginState, metadata models.Metadata) {
	r := report{source: source, state: state, meta: metadata}

	m.mu.Lock()
	switch {
	case m.inflight && m.phase == phaseStopping && source == m.inflightTarget:
		// The target is not live yet; hold its reports until the slot is won.
		m.buffered = append(m.buffered, r)
		m.mu.Unlock()
		return
	case m.inflight && source != m.active && source != m.inflightTarget:
		m.mu.Unlock()
		m.log.Warn().Str("source", string(source)).Str("state", string(state)).
			Msg("dropping report from source uninvolved in transition")
		return
	case !m.inflight && source != m.active:
		// Late reports from a stopped plugin are recorded but do not drive
		// system state. A Connected claim from a non-active source is a bug
		// upstream and is called out.
		m.perSource[source] = r
		m.mu.Unlock()
		if state == models.StateConnected {
			m.log.Warn().Str("source", string(source)).
				Msg("dropping connected report from non-active source")
		}
		m.notifyWaiters(source, state)
		return
	}
	m.mu.Unlock()

	m.apply(r)
}

// apply folds a report into system state and emits the plugin events.
func (m *Machine) apply(r report) {
	m.mu.Lock()
	m.perSource[r.source] = r
	if r.source == m.active {
		m.state = r.state
		if r.meta != nil {
			m.metadata = r.meta.Clone()
		}
	}
	m.mu.Unlock()

	data := map[string]any{"state": r.state}
	if r.meta != nil {
		data["metadata"] = r.meta
	}
	m.publish(models.CategoryPlugin, models.EventPluginStateChanged, r.source, data)
	if r.state == models.StateError {
		reason, _ := r.meta["reason"].(string)
		m.publish(models.CategoryPlugin, models.EventPluginError, r.source, map[string]any{
			"reason": reason,
		})
	}
	m.notifyWaiters(r.source, r.state)
}

// ReportMetadata implements plugins.Reporter.
func (m *Machine) ReportMetadata(source models.AudioSource, metadata models.Metadata) {
	m.mu.Lock()
	if r, ok := m.perSource[source]; ok {
		r.meta = metadata
		m.perSource[source] = r
	} else {
		m.perSource[source] = report{source: source, meta: metadata}
	}
	isActive := source == m.active
	if isActive {
		m.metadata = metadata.Clone()
	}
	m.mu.Unlock()
	if !isActive {
		return
	}

	m.publish(models.CategoryPlugin, models.EventPluginMetadata, source, map[string]any{
		"metadata": metadata,
	})
	if source == models.SourcePodcast {
		if pos, ok := metadata["position_s"]; ok {
			m.publish(models.CategoryPodcast, models.EventPodcastProgress, source, map[string]any{
				"episode_uuid": metadata["episode_uuid"],
				"position_s":   pos,
				"duration_s":   metadata["duration_s"],
			})
		}
	}
}

// Command dispatches a named command to a source's plugin. Only the active
// source accepts commands; everything else is rejected so the control surface
// cannot poke a stopped player.
func (m *Machine) Command(ctx context.Context, source models.AudioSource, name string, args map[string]any) (any, error) {
	m.mu.Lock()
	active := m.active
	inflight := m.inflight
	m.mu.Unlock()
	if inflight {
		return nil, fmt.Errorf("%w: transition in progress", models.ErrRejected)
	}
	if source != active {
		return nil, fmt.Errorf("%w: %s is not the active source", models.ErrRejected, source)
	}
	plugin := m.registry.Get(source)
	if plugin == nil {
		return nil, models.ErrNotFound(fmt.Sprintf("no plugin for source %q", source))
	}
	return plugin.HandleCommand(ctx, name, args)
}

// SourceStatus returns the last reported state and metadata for a source.
func (m *Machine) SourceStatus(source models.AudioSource) (models.PluginState, models.Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.perSource[source]
	if !ok {
		return models.StateInactive, nil
	}
	state := r.state
	if state == "" {
		state = models.StateInactive
	}
	return state, r.meta.Clone()
}

// WaitFor blocks until the source reports the given state, or ctx ends.
func (m *Machine) WaitFor(ctx context.Context, source models.AudioSource, state models.PluginState) error {
	m.mu.Lock()
	if r, ok := m.perSource[source]; ok && r.state == state {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	key := waitKey{source, state}
	m.waiters[key] = append(m.waiters[key], ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) notifyWaiters(source models.AudioSource, state models.PluginState) {
	key := waitKey{source, state}
	m.mu.Lock()
	chans := m.waiters[key]
	delete(m.waiters, key)
	m.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// Shutdown stops whatever is active, for process teardown.
func (m *Machine) Shutdown(ctx context.Context) error {
	return m.RequestSource(ctx, models.SourceNone)
}

func (m *Machine) publish(cat models.EventCategory, typ string, source models.AudioSource, data map[string]any) {
	m.bus.Publish(models.Event{
		Category: cat,
		Type:     typ,
		Source:   source,
		Data:     data,
	})
}

var _ plugins.Reporter = (*Machine)(nil)
