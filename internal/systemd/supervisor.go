// Package systemd abstracts control of host service units so the core never
// shells out to privileged commands. The real implementation talks to
// org.freedesktop.systemd1 over the system D-Bus; tests use the Mock.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/models"
)

// UnitState is the eventually-consistent activation state of a unit.
type UnitState string

const (
	UnitInactive     UnitState = "inactive"
	UnitActivating   UnitState = "activating"
	UnitActive       UnitState = "active"
	UnitDeactivating UnitState = "deactivating"
	UnitFailed       UnitState = "failed"
)

// Supervisor controls host service units. Operations are idempotent with
// respect to the target state; Status is eventually consistent and says
// nothing about whether the unit is serving traffic.
type Supervisor interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Status(ctx context.Context, unit string) (UnitState, error)
	// WaitUntil polls Status until it reports want or the timeout elapses
	// (models.ErrTimedOut).
	WaitUntil(ctx context.Context, unit string, want UnitState, timeout time.Duration) error
}

const (
	systemdDest    = "org.freedesktop.systemd1"
	systemdPath    = dbus.ObjectPath("/org/freedesktop/systemd1")
	managerIface   = "org.freedesktop.systemd1.Manager"
	unitIface      = "org.freedesktop.systemd1.Unit"
	jobModeReplace = "replace"

	waitPollInterval = 200 * time.Millisecond
)

// DBus is the production Supervisor backed by the system bus.
type DBus struct {
	log  zerolog.Logger
	conn *dbus.Conn
}

// Connect opens the system bus connection.
func Connect(log zerolog.Logger) (*DBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: system bus: %v", models.ErrServiceControl, err)
	}
	return &DBus{
		log:  log.With().Str("component", "systemd").Logger(),
		conn: conn,
	}, nil
}

// Close releases the bus connection.
func (d *DBus) Close() error { return d.conn.Close() }

func (d *DBus) manager() dbus.BusObject {
	return d.conn.Object(systemdDest, systemdPath)
}

// Start asks systemd to start the unit. Returns ok if already active.
func (d *DBus) Start(ctx context.Context, unit string) error {
	return d.job(ctx, unit, "StartUnit")
}

// Stop asks systemd to stop the unit. A missing unit counts as stopped.
func (d *DBus) Stop(ctx context.Context, unit string) error {
	err := d.job(ctx, unit, "StopUnit")
	if errors.Is(err, models.ErrUnitNotFound) {
		return nil
	}
	return err
}

// Restart restarts the unit, starting it if inactive.
func (d *DBus) Restart(ctx context.Context, unit string) error {
	return d.job(ctx, unit, "RestartUnit")
}

func (d *DBus) job(ctx context.Context, unit, method string) error {
	var job dbus.ObjectPath
	call := d.manager().CallWithContext(ctx, managerIface+"."+method, 0, unit, jobModeReplace)
	if err := call.Store(&job); err != nil {
		return classify(unit, err)
	}
	d.log.Debug().Str("unit", unit).Str("method", method).Str("job", string(job)).Msg("unit job queued")
	return nil
}

// Status reports the unit's ActiveState. An unloaded unit is inactive.
func (d *DBus) Status(ctx context.Context, unit string) (UnitState, error) {
	var path dbus.ObjectPath
	call := d.manager().CallWithContext(ctx, managerIface+".GetUnit", 0, unit)
	if err := call.Store(&path); err != nil {
		if isNoSuchUnit(err) {
			return UnitInactive, nil
		}
		return "", classify(unit, err)
	}

	variant, err := d.conn.Object(systemdDest, path).GetProperty(unitIface + ".ActiveState")
	if err != nil {
		return "", classify(unit, err)
	}
	state, _ := variant.Value().(string)
	switch UnitState(state) {
	case UnitInactive, UnitActivating, UnitActive, UnitDeactivating, UnitFailed:
		return UnitState(state), nil
	case "reloading":
		return UnitActivating, nil
	default:
		return UnitInactive, nil
	}
}

// WaitUntil polls until the unit reaches want.
func (d *DBus) WaitUntil(ctx context.Context, unit string, want UnitState, timeout time.Duration) error {
	return waitUntil(ctx, d, unit, want, timeout)
}

// waitUntil is shared by DBus and Mock so both honor the same semantics.
func waitUntil(ctx context.Context, s Supervisor, unit string, want UnitState, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		state, err := s.Status(ctx, unit)
		if err != nil {
			return err
		}
		if state == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: unit %s still %s, wanted %s", models.ErrTimedOut, unit, state, want)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// classify maps D-Bus errors onto the supervisor's error taxonomy.
func classify(unit string, err error) error {
	if isNoSuchUnit(err) {
		return fmt.Errorf("%w: %s", models.ErrUnitNotFound, unit)
	}
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) && strings.Contains(dbusErr.Name, "AccessDenied") {
		return fmt.Errorf("%w: %s: %v", models.ErrPermissionDenied, unit, err)
	}
	return fmt.Errorf("%w: %s: %v", models.ErrServiceControl, unit, err)
}

func isNoSuchUnit(err error) bool {
	var dbusErr dbus.Error
	return errors.As(err, &dbusErr) && strings.Contains(dbusErr.Name, "NoSuchUnit")
}
