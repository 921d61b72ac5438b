package plugins

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/systemd"
)

const (
	bluetoothUnit       = "milo-bluetooth.service"
	bluetoothPlayerUnit = "milo-bluetooth-player.service"
	bluetoothPoll       = 3 * time.Second

	bluezDest        = "org.bluez"
	bluezPlayerIface = "org.bluez.MediaPlayer1"
	bluezDeviceIface = "org.bluez.Device1"
)

// Bluetooth receives A2DP audio via the local bridge pair (agent daemon +
// player). Readiness requires both units active. AVRCP metadata and playback
// control go through BlueZ's MediaPlayer1 interface on the system bus.
type Bluetooth struct {
	*Base
	log zerolog.Logger

	mu         sync.Mutex
	started    bool
	conn       *dbus.Conn
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewBluetooth creates the Bluetooth plugin.
func NewBluetooth(units systemd.Supervisor, reporter Reporter, log zerolog.Logger) *Bluetooth {
	return &Bluetooth{
		Base: NewBase(models.SourceBluetooth, bluetoothUnit, units, reporter, log),
		log:  log.With().Str("plugin", "bluetooth").Logger(),
	}
}

func (b *Bluetooth) Initialize(context.Context) error { return nil }

// Start brings up the bridge pair and begins AVRCP polling.
func (b *Bluetooth) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.report(models.StateStarting, nil)
	for _, unit := range []string{bluetoothUnit, bluetoothPlayerUnit} {
		if err := b.startUnit(ctx, unit); err != nil {
			b.report(models.StateError, models.Metadata{"reason": err.Error()})
			return err
		}
	}
	b.report(models.StateReady, models.Metadata{"is_playing": false})

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mu.Lock()
	b.started = true
	b.pollCancel = cancel
	b.pollDone = done
	b.mu.Unlock()

	go b.poll(pollCtx, done)
	b.startWatchdog(b.Stop)
	return nil
}

// Stop tears the bridge pair down. Idempotent.
func (b *Bluetooth) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = false
	cancel := b.pollCancel
	done := b.pollDone
	b.mu.Unlock()

	b.report(models.StateStopping, nil)
	b.stopWatchdog()
	if cancel != nil {
		cancel()
		<-done
	}
	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
	var firstErr error
	for _, unit := range []string{bluetoothPlayerUnit, bluetoothUnit} {
		if err := b.stopUnit(ctx, unit); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		b.report(models.StateError, models.Metadata{"reason": firstErr.Error()})
		return firstErr
	}
	b.report(models.StateInactive, nil)
	return nil
}

func (b *Bluetooth) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(bluetoothPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.observe(ctx)
		}
	}
}

// bus returns the shared system bus connection, dialing it on first use.
func (b *Bluetooth) bus() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return b.conn, nil
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	b.conn = conn
	return conn, nil
}

// dropBus discards conn so the next call redials. Called on transport
// errors; a stale connection would fail every poll until restart otherwise.
func (b *Bluetooth) dropBus(conn *dbus.Conn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
	_ = conn.Close()
}

func (b *Bluetooth) managedObjects(ctx context.Context, conn *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object(bluezDest, "/").CallWithContext(ctx,
		"org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0)
	if err := call.Store(&objects); err != nil {
		return nil, err
	}
	return objects, nil
}

// observe queries BlueZ for the connected device and its player status.
func (b *Bluetooth) observe(ctx context.Context) {
	conn, err := b.bus()
	if err != nil {
		b.log.Debug().Err(err).Msg("system bus connect failed")
		return
	}

	objects, err := b.managedObjects(ctx, conn)
	if err != nil {
		b.log.Debug().Err(err).Msg("bluez managed objects failed")
		b.dropBus(conn)
		return
	}

	meta := models.Metadata{"is_playing": false}
	var playerPath dbus.ObjectPath
	for path, ifaces := range objects {
		if dev, ok := ifaces[bluezDeviceIface]; ok {
			if connected, _ := dev["Connected"].Value().(bool); connected {
				if name, ok := dev["Name"].Value().(string); ok {
					meta["device_name"] = name
				}
				if mac, ok := dev["Address"].Value().(string); ok {
					meta["mac"] = mac
				}
			}
		}
		if _, ok := ifaces[bluezPlayerIface]; ok && playerPath == "" {
			playerPath = path
		}
	}

	playing := false
	if playerPath != "" {
		player := conn.Object(bluezDest, playerPath)
		if v, err := player.GetProperty(bluezPlayerIface + ".Status"); err == nil {
			status, _ := v.Value().(string)
			playing = status == "playing"
		}
		if v, err := player.GetProperty(bluezPlayerIface + ".Track"); err == nil {
			if track, ok := v.Value().(map[string]dbus.Variant); ok {
				if title, ok := track["Title"].Value().(string); ok {
					meta["title"] = title
				}
				if artist, ok := track["Artist"].Value().(string); ok {
					meta["artist"] = artist
				}
			}
		}
	}
	meta["is_playing"] = playing
	b.updateMetadata(meta)

	if playing && b.State() == models.StateReady {
		b.report(models.StateConnected, nil)
	} else if !playing && b.State() == models.StateConnected {
		b.report(models.StateReady, nil)
	}
}

// HandleCommand relays AVRCP controls to the connected player.
func (b *Bluetooth) HandleCommand(ctx context.Context, name string, _ map[string]any) (any, error) {
	var method string
	switch name {
	case "play", "resume":
		method = "Play"
	case "pause":
		method = "Pause"
	case "stop":
		method = "Stop"
	default:
		return nil, fmt.Errorf("%w: bluetooth %q", models.ErrUnknownCommand, name)
	}

	conn, err := b.bus()
	if err != nil {
		return nil, fmt.Errorf("%w: bluetooth: %v", models.ErrPluginInternal, err)
	}
	objects, err := b.managedObjects(ctx, conn)
	if err != nil {
		b.dropBus(conn)
		return nil, fmt.Errorf("%w: bluetooth: %v", models.ErrPluginInternal, err)
	}
	for path, ifaces := range objects {
		if _, ok := ifaces[bluezPlayerIface]; !ok {
			continue
		}
		c := conn.Object(bluezDest, path).CallWithContext(ctx, bluezPlayerIface+"."+method, 0)
		if c.Err != nil {
			return nil, fmt.Errorf("%w: bluetooth %s: %v", models.ErrPluginInternal, name, c.Err)
		}
		return nil, nil
	}
	// No connected player: commands are best-effort relays, not errors.
	b.log.Debug().Str("cmd", name).Msg("no connected AVRCP player")
	return nil, nil
}

var _ Plugin = (*Bluetooth)(nil)
