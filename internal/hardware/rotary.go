// Package hardware drives the optional front-panel input: a quadrature
// rotary encoder with a push button, used for local volume control. It is
// entirely optional; when hardware.rotary.enabled is off nothing here runs.
package hardware

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Default encoder wiring on the Pi header.
const (
	DefaultPinA      = "GPIO17"
	DefaultPinB      = "GPIO27"
	DefaultPinButton = "GPIO22"
)

const (
	pollInterval     = 2 * time.Millisecond
	buttonDebounce   = 200 * time.Millisecond
	detentsPerNotify = 1
)

// Events is the sink for decoded input. Turn receives +1 per clockwise detent
// and -1 per counter-clockwise detent; Press fires on button release.
type Events interface {
	Turn(steps int)
	Press()
}

// Rotary reads the encoder by polling the A/B pair and decoding the
// quadrature state machine. Polling is cheap at this rate and avoids edge
// IRQs, which the A/B contacts bounce through.
type Rotary struct {
	log  zerolog.Logger
	sink Events

	pinA, pinB, pinBtn gpio.PinIn
}

// NewRotary resolves the pins and prepares the encoder. Pin names "" use the
// default wiring.
func NewRotary(pinA, pinB, pinBtn string, sink Events, log zerolog.Logger) (*Rotary, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("host init: %w", err)
	}
	if pinA == "" {
		pinA = DefaultPinA
	}
	if pinB == "" {
		pinB = DefaultPinB
	}
	if pinBtn == "" {
		pinBtn = DefaultPinButton
	}

	r := &Rotary{
		log:  log.With().Str("component", "rotary").Logger(),
		sink: sink,
	}
	for name, target := range map[string]*gpio.PinIn{pinA: &r.pinA, pinB: &r.pinB, pinBtn: &r.pinBtn} {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("gpio pin %q not found", name)
		}
		if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("configure %q: %w", name, err)
		}
		*target = p
	}
	return r, nil
}

// quadTable maps (prev<<2 | cur) A/B states to detent direction. Invalid
// transitions (bounce) decode to 0.
var quadTable = [16]int{
	0, -1, 1, 0,
	1, 0, 0, -1,
	-1, 0, 0, 1,
	0, 1, -1, 0,
}

// Run polls the encoder until ctx ends.
func (r *Rotary) Run(ctx context.Context) error {
	r.log.Info().Msg("rotary encoder enabled")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	prev := r.readAB()
	accum := 0
	btnDown := false
	var lastPress time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cur := r.readAB()
			if cur != prev {
				accum += quadTable[prev<<2|cur]
				prev = cur
				// Four quadrature steps per mechanical detent.
				if accum >= 4*detentsPerNotify {
					accum = 0
					r.sink.Turn(1)
				} else if accum <= -4*detentsPerNotify {
					accum = 0
					r.sink.Turn(-1)
				}
			}

			pressed := r.pinBtn.Read() == gpio.Low
			if btnDown && !pressed && time.Since(lastPress) > buttonDebounce {
				lastPress = time.Now()
				r.sink.Press()
			}
			btnDown = pressed
		}
	}
}

func (r *Rotary) readAB() int {
	state := 0
	if r.pinA.Read() == gpio.High {
		state |= 2
	}
	if r.pinB.Read() == gpio.High {
		state |= 1
	}
	return state
}
