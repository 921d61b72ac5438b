package systemd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/milo-audio/milo-go/internal/models"
)

// Mock is a thread-safe in-memory Supervisor for testing and --mock runs.
// Start/Stop/Restart settle into the target state after an optional delay.
type Mock struct {
	mu      sync.Mutex
	states  map[string]UnitState
	delay   time.Duration
	failOp  map[string]error // unit → error returned by the next operation
	history []string         // "verb unit" log, for assertions
}

// NewMock creates a mock supervisor. Units not registered with AddUnit are
// still controllable and report inactive until operated on.
func NewMock() *Mock {
	return &Mock{
		states: make(map[string]UnitState),
		failOp: make(map[string]error),
	}
}

// AddUnit registers a unit with an initial state.
func (m *Mock) AddUnit(unit string, state UnitState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[unit] = state
}

// SetDelay makes operations settle asynchronously after d.
func (m *Mock) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// FailNext makes the next operation on unit return err.
func (m *Mock) FailNext(unit string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOp[unit] = err
}

// SetState forces a unit state, bypassing any delay. Used to script failures.
func (m *Mock) SetState(unit string, state UnitState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[unit] = state
}

// History returns the ordered list of operations performed.
func (m *Mock) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history...)
}

func (m *Mock) op(unit, verb string, target UnitState) error {
	m.mu.Lock()
	if err, ok := m.failOp[unit]; ok {
		delete(m.failOp, unit)
		m.mu.Unlock()
		return err
	}
	m.history = append(m.history, verb+" "+unit)
	delay := m.delay
	if delay == 0 {
		m.states[unit] = target
		m.mu.Unlock()
		return nil
	}
	if target == UnitActive {
		m.states[unit] = UnitActivating
	} else {
		m.states[unit] = UnitDeactivating
	}
	m.mu.Unlock()

	time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.states[unit] = target
		m.mu.Unlock()
	})
	return nil
}

func (m *Mock) Start(_ context.Context, unit string) error {
	return m.op(unit, "start", UnitActive)
}

func (m *Mock) Stop(_ context.Context, unit string) error {
	return m.op(unit, "stop", UnitInactive)
}

func (m *Mock) Restart(_ context.Context, unit string) error {
	return m.op(unit, "restart", UnitActive)
}

func (m *Mock) Status(_ context.Context, unit string) (UnitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failOp[unit]; ok {
		delete(m.failOp, unit)
		return "", err
	}
	if state, ok := m.states[unit]; ok {
		return state, nil
	}
	return UnitInactive, nil
}

func (m *Mock) WaitUntil(ctx context.Context, unit string, want UnitState, timeout time.Duration) error {
	return waitUntil(ctx, m, unit, want, timeout)
}

// Restarts counts restart operations recorded for unit.
func (m *Mock) Restarts(unit string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.history {
		if h == "restart "+unit {
			n++
		}
	}
	return n
}

var _ Supervisor = (*Mock)(nil)

// ErrScripted builds a deterministic mock failure for tests.
func ErrScripted(unit string) error {
	return fmt.Errorf("%w: scripted failure for %s", models.ErrServiceControl, unit)
}
