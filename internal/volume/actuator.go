package volume

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
)

// Actuator applies a percent-domain volume to the local output path.
type Actuator interface {
	Apply(ctx context.Context, percent int, muted bool) error
}

// Amixer drives the ALSA softvol mixer control for the local amplifier.
type Amixer struct {
	Card    string // e.g. "default"
	Control string // e.g. "Milo"
}

// NewAmixer creates the production local actuator.
func NewAmixer(card, control string) *Amixer {
	if card == "" {
		card = "default"
	}
	if control == "" {
		control = "Milo"
	}
	return &Amixer{Card: card, Control: control}
}

// Apply sets the mixer control. Mute uses the control's switch so the level
// survives unmute.
func (a *Amixer) Apply(ctx context.Context, percent int, muted bool) error {
	sw := "on"
	if muted {
		sw = "off"
	}
	cmd := exec.CommandContext(ctx, "amixer", "-c", a.Card, "sset", a.Control,
		strconv.Itoa(percent)+"%", sw)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("amixer: %w: %s", err, out)
	}
	return nil
}

// MockActuator records applied values for tests.
type MockActuator struct {
	mu      sync.Mutex
	Percent int
	Muted   bool
	Applies int
	Err     error
}

func (m *MockActuator) Apply(_ context.Context, percent int, muted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Percent = percent
	m.Muted = muted
	m.Applies++
	return nil
}

// Last returns the last applied percent/mute pair.
func (m *MockActuator) Last() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Percent, m.Muted
}
