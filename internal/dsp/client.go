// Package dsp is the control-plane client for the downstream convolution/
// biquad processor. The processor exposes a JSON command protocol on a
// loopback websocket; the core only loads presets, toggles bypass, and reads
// signal levels. DSP failures never fail a routing operation; the audio path
// keeps running with the last applied filter set.
package dsp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// DefaultURL is the processor's fixed loopback control socket.
const DefaultURL = "ws://127.0.0.1:1234"

// Levels is a point-in-time signal level reading in dBFS.
type Levels struct {
	PeakDB float64 `json:"peak_db"`
	RMSDB  float64 `json:"rms_db"`
}

// Client issues one-shot control commands; each call opens a short-lived
// connection so a wedged processor never pins a core goroutine.
type Client struct {
	log zerolog.Logger
	url string
}

// New creates a client for the given control URL ("" → DefaultURL).
func New(url string, log zerolog.Logger) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		log: log.With().Str("component", "dsp").Logger(),
		url: url,
	}
}

func (c *Client) roundTrip(ctx context.Context, cmd any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dsp dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, cmd); err != nil {
		return fmt.Errorf("dsp write: %w", err)
	}
	var reply map[string]json.RawMessage
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		return fmt.Errorf("dsp read: %w", err)
	}
	for _, raw := range reply {
		var res struct {
			Result string          `json:"result"`
			Value  json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("dsp reply: %w", err)
		}
		if res.Result != "Ok" {
			return fmt.Errorf("dsp command failed: %s", res.Result)
		}
		if out != nil && len(res.Value) > 0 {
			return json.Unmarshal(res.Value, out)
		}
		return nil
	}
	return fmt.Errorf("dsp: empty reply")
}

// LoadPreset switches the processor to the named filter preset.
func (c *Client) LoadPreset(ctx context.Context, name string) error {
	return c.roundTrip(ctx, map[string]string{"SetConfigName": name}, nil)
}

// Bypass inserts or removes the processing chain without reloading filters.
func (c *Client) Bypass(ctx context.Context, bypassed bool) error {
	return c.roundTrip(ctx, map[string]bool{"SetBypassed": bypassed}, nil)
}

// QueryLevels reads the current output signal levels.
func (c *Client) QueryLevels(ctx context.Context) (Levels, error) {
	var peak, rms []float64
	if err := c.roundTrip(ctx, "GetPlaybackSignalPeak", &peak); err != nil {
		return Levels{}, err
	}
	if err := c.roundTrip(ctx, "GetPlaybackSignalRms", &rms); err != nil {
		return Levels{}, err
	}
	lv := Levels{PeakDB: -120, RMSDB: -120}
	if len(peak) > 0 {
		lv.PeakDB = maxOf(peak...)
	}
	if len(rms) > 0 {
		lv.RMSDB = maxOf(rms...)
	}
	return lv, nil
}

func maxOf(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
