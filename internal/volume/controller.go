// Package volume implements the dB-domain volume model. It owns clamping,
// conversion to the actuator scales (local mixer percent, transport-client
// percent), debounced last-volume persistence, and volume.changed emission.
package volume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/milo-audio/milo-go/internal/events"
	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/settings"
	"github.com/milo-audio/milo-go/internal/snapcast"
)

// TargetLocal is the logical target for the local amplifier output.
const TargetLocal = "local"

const lastVolumeFileName = "last_volume.json"

// RemoteVolumes sets transport-client volume; satisfied by *snapcast.Client.
type RemoteVolumes interface {
	SetClientVolume(ctx context.Context, clientID string, vol snapcast.Volume) error
}

type targetState struct {
	mu    sync.Mutex
	state models.VolumeState
}

// Controller is the authoritative volume model. Concurrent Set calls on one
// target serialize on the target's mutex; last writer wins.
type Controller struct {
	log     zerolog.Logger
	store   *settings.Store
	local   Actuator
	remote  RemoteVolumes
	bus     *events.Broadcaster
	dataDir string

	mu      sync.Mutex
	targets map[string]*targetState

	persistMu sync.Mutex
	limiter   *rate.Limiter
	trailing  *time.Timer
}

// NewController builds the controller and restores last volumes when
// volume.restore_last_volume is set.
func NewController(store *settings.Store, local Actuator, remote RemoteVolumes, bus *events.Broadcaster, dataDir string, log zerolog.Logger) *Controller {
	debounce := time.Duration(store.GetFloat(settings.KeyVolumeDebounceMS, 500)) * time.Millisecond
	c := &Controller{
		log:     log.With().Str("component", "volume").Logger(),
		store:   store,
		local:   local,
		remote:  remote,
		bus:     bus,
		dataDir: dataDir,
		targets: make(map[string]*targetState),
		limiter: rate.NewLimiter(rate.Every(debounce), 1),
	}
	c.restore()
	return c
}

// Limits returns the configured (min_db, max_db) pair.
func (c *Controller) Limits() (minDB, maxDB float64) {
	minDB = c.store.GetFloat(settings.KeyVolumeMinDB, -60)
	maxDB = c.store.GetFloat(settings.KeyVolumeMaxDB, 0)
	if maxDB <= minDB {
		maxDB = minDB + 1 // degenerate config, keep the math finite
	}
	return minDB, maxDB
}

func (c *Controller) target(id string) *targetState {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.targets[id]
	if !ok {
		startup := c.store.GetFloat(settings.KeyVolumeStartupDB, -30)
		t = &targetState{state: models.VolumeState{TargetID: id, LevelDB: c.clamp(startup)}}
		c.targets[id] = t
	}
	return t
}

func (c *Controller) clamp(db float64) float64 {
	minDB, maxDB := c.Limits()
	return math.Min(math.Max(db, minDB), maxDB)
}

// Percent converts a clamped dB level to the actuator percent scale:
// pct = round(100 * (db - min) / (max - min)).
func (c *Controller) Percent(db float64) int {
	minDB, maxDB := c.Limits()
	return int(math.Round(100 * (db - minDB) / (maxDB - minDB)))
}

// Get returns the current state for a target.
func (c *Controller) Get(targetID string) models.VolumeState {
	t := c.target(targetID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Set applies a dB level to a target, clamped to the configured limits.
func (c *Controller) Set(ctx context.Context, targetID string, db float64) (models.VolumeState, error) {
	t := c.target(targetID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.LevelDB = c.clamp(db)
	if err := c.apply(ctx, t.state); err != nil {
		return t.state, err
	}
	c.afterApply(t.state)
	return t.state, nil
}

// Bump adjusts a target by delta dB (rotary/mobile steps).
func (c *Controller) Bump(ctx context.Context, targetID string, deltaDB float64) (models.VolumeState, error) {
	t := c.target(targetID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.LevelDB = c.clamp(t.state.LevelDB + deltaDB)
	if err := c.apply(ctx, t.state); err != nil {
		return t.state, err
	}
	c.afterApply(t.state)
	return t.state, nil
}

// Mute sets a target's mute flag without touching the stored level.
func (c *Controller) Mute(ctx context.Context, targetID string, muted bool) (models.VolumeState, error) {
	t := c.target(targetID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state.Muted = muted
	if err := c.apply(ctx, t.state); err != nil {
		return t.state, err
	}
	c.afterApply(t.state)
	return t.state, nil
}

// apply pushes the state to the underlying actuator.
func (c *Controller) apply(ctx context.Context, st models.VolumeState) error {
	pct := c.Percent(st.LevelDB)
	if st.TargetID == TargetLocal {
		if err := c.local.Apply(ctx, pct, st.Muted); err != nil {
			return fmt.Errorf("%w: local: %v", models.ErrPluginInternal, err)
		}
		return nil
	}
	if c.remote == nil {
		return fmt.Errorf("%w: %s", models.ErrUnknownTarget, st.TargetID)
	}
	if err := c.remote.SetClientVolume(ctx, st.TargetID, snapcast.Volume{Percent: pct, Muted: st.Muted}); err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrServiceControl, st.TargetID, err)
	}
	return nil
}

// afterApply emits volume.changed and schedules persistence. Emission after
// the actuator ack keeps subscriber state monotonically coherent.
func (c *Controller) afterApply(st models.VolumeState) {
	if c.bus != nil {
		c.bus.Publish(models.Event{
			Category: models.CategoryVolume,
			Type:     models.EventVolumeChanged,
			Data: map[string]any{
				"target_id": st.TargetID,
				"level_db":  st.LevelDB,
				"muted":     st.Muted,
			},
		})
	}
	if c.store.GetBool(settings.KeyVolumeRestoreLast, true) {
		c.schedulePersist()
	}
}

// schedulePersist writes at most once per debounce interval: an immediate
// write when the limiter allows, otherwise one trailing write.
func (c *Controller) schedulePersist() {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if c.limiter.Allow() {
		go c.persist()
		return
	}
	if c.trailing != nil {
		return // a trailing write is already queued; it will pick up this change
	}
	delay := c.limiter.Reserve().Delay()
	c.trailing = time.AfterFunc(delay, func() {
		c.persistMu.Lock()
		c.trailing = nil
		c.persistMu.Unlock()
		c.persist()
	})
}

func (c *Controller) persist() {
	c.mu.Lock()
	levels := make(map[string]float64, len(c.targets))
	for id, t := range c.targets {
		t.mu.Lock()
		levels[id] = t.state.LevelDB
		t.mu.Unlock()
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(levels, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(c.dataDir, lastVolumeFileName)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		c.log.Warn().Err(err).Msg("last volume persist failed, will retry on next change")
	}
}

// Flush writes any pending last-volume state immediately (shutdown path).
func (c *Controller) Flush() {
	c.persistMu.Lock()
	if c.trailing != nil {
		c.trailing.Stop()
		c.trailing = nil
	}
	c.persistMu.Unlock()
	if c.store.GetBool(settings.KeyVolumeRestoreLast, true) {
		c.persist()
	}
}

// restore loads last_volume.json into the in-memory targets.
func (c *Controller) restore() {
	if !c.store.GetBool(settings.KeyVolumeRestoreLast, true) {
		return
	}
	data, err := os.ReadFile(filepath.Join(c.dataDir, lastVolumeFileName))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn().Err(err).Msg("cannot read last volume file")
		}
		return
	}
	var levels map[string]float64
	if err := json.Unmarshal(data, &levels); err != nil {
		c.log.Warn().Err(err).Msg("corrupt last volume file, ignoring")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, db := range levels {
		c.targets[id] = &targetState{state: models.VolumeState{TargetID: id, LevelDB: c.clamp(db)}}
	}
}

// ApplyStartup pushes the restored (or startup) local volume to the actuator.
func (c *Controller) ApplyStartup(ctx context.Context) error {
	st := c.Get(TargetLocal)
	return c.apply(ctx, st)
}
