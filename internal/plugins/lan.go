package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/systemd"
)

const (
	lanUnit = "milo-roc.service"

	// lanPacketWait bounds the first-packet probe; lanActiveGrace is the
	// fallback: a unit that has been active this long counts as ready even
	// with no sender yet.
	lanPacketWait  = 5 * time.Second
	lanActiveGrace = 2 * time.Second
	lanPoll        = time.Second
)

// PacketProbe reports whether the receiver has seen traffic, and from whom.
// Injected so tests (and hosts without the receiver's stats socket) can fake
// it; nil means "grace period only".
type PacketProbe func(ctx context.Context) (sender string, seen bool)

// LAN wraps the local packet receiver bound to the RTP/repair/control port
// triple. It has no transport-level playback control: play/pause/stop are
// accepted as no-ops because the sender owns the stream.
type LAN struct {
	*Base
	log   zerolog.Logger
	probe PacketProbe

	mu         sync.Mutex
	started    bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewLAN creates the LAN receiver plugin.
func NewLAN(units systemd.Supervisor, reporter Reporter, probe PacketProbe, log zerolog.Logger) *LAN {
	return &LAN{
		Base:  NewBase(models.SourceLAN, lanUnit, units, reporter, log),
		log:   log.With().Str("plugin", "lan").Logger(),
		probe: probe,
	}
}

func (l *LAN) Initialize(context.Context) error { return nil }

// Start brings the receiver up. Ready once the unit is active and either a
// packet was seen within 5s or the unit has been active for 2s.
func (l *LAN) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	l.report(models.StateStarting, nil)
	if err := l.startUnit(ctx, l.unit); err != nil {
		l.report(models.StateError, models.Metadata{"reason": err.Error()})
		return err
	}
	if err := l.awaitTraffic(ctx); err != nil {
		l.report(models.StateError, models.Metadata{"reason": err.Error()})
		return err
	}
	l.report(models.StateReady, models.Metadata{"is_playing": false})

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l.mu.Lock()
	l.started = true
	l.pollCancel = cancel
	l.pollDone = done
	l.mu.Unlock()

	go l.poll(pollCtx, done)
	l.startWatchdog(l.Stop)
	return nil
}

// awaitTraffic waits for the first packet or the active-grace fallback.
func (l *LAN) awaitTraffic(ctx context.Context) error {
	activeSince := time.Now()
	deadline := activeSince.Add(lanPacketWait)
	for {
		if l.probe != nil {
			if _, seen := l.probe(ctx); seen {
				return nil
			}
		}
		if time.Since(activeSince) >= lanActiveGrace {
			state, err := l.units.Status(ctx, l.unit)
			if err == nil && state == systemd.UnitActive {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: lan receiver readiness", models.ErrTimedOut)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// Stop tears the receiver down. Idempotent.
func (l *LAN) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	cancel := l.pollCancel
	done := l.pollDone
	l.mu.Unlock()

	l.report(models.StateStopping, nil)
	l.stopWatchdog()
	if cancel != nil {
		cancel()
		<-done
	}
	if err := l.stopUnit(ctx, l.unit); err != nil {
		l.report(models.StateError, models.Metadata{"reason": err.Error()})
		return err
	}
	l.report(models.StateInactive, nil)
	return nil
}

// poll tracks sender presence and flips Ready/Connected accordingly.
func (l *LAN) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(lanPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.probe == nil {
				continue
			}
			sender, seen := l.probe(ctx)
			l.updateMetadata(models.Metadata{
				"sender_name": sender,
				"is_playing":  seen,
			})
			if seen && l.State() == models.StateReady {
				l.report(models.StateConnected, nil)
			} else if !seen && l.State() == models.StateConnected {
				l.report(models.StateReady, nil)
			}
		}
	}
}

// HandleCommand accepts the common controls as no-ops: the remote sender owns
// transport state.
func (l *LAN) HandleCommand(_ context.Context, name string, _ map[string]any) (any, error) {
	switch name {
	case "play", "pause", "resume", "stop":
		l.log.Debug().Str("cmd", name).Msg("receiver has no transport control")
		return nil, nil
	}
	return nil, fmt.Errorf("%w: lan %q", models.ErrUnknownCommand, name)
}

var _ Plugin = (*LAN)(nil)
