// Package models defines the data structures shared across the Milō core.
// JSON field names match the wire format consumed by the control surfaces.
package models

import "time"

// AudioSource identifies a source plugin. SourceNone is the distinguished
// no-source value.
type AudioSource string

const (
	SourceNone      AudioSource = "none"
	SourceSpotify   AudioSource = "spotify"
	SourceBluetooth AudioSource = "bluetooth"
	SourceLAN       AudioSource = "lan"
	SourceRadio     AudioSource = "radio"
	SourcePodcast   AudioSource = "podcast"
)

// AllSources lists every concrete source, in dock order.
var AllSources = []AudioSource{
	SourceSpotify, SourceBluetooth, SourceLAN, SourceRadio, SourcePodcast,
}

// Valid reports whether s names a concrete source or SourceNone.
func (s AudioSource) Valid() bool {
	switch s {
	case SourceNone, SourceSpotify, SourceBluetooth, SourceLAN, SourceRadio, SourcePodcast:
		return true
	}
	return false
}

// DeviceName returns the ALSA device slug used in the device naming contract
// (milo_<source>_<suffix>). The LAN receiver is historically named "roc".
func (s AudioSource) DeviceName() string {
	if s == SourceLAN {
		return "roc"
	}
	return string(s)
}

// PluginState is the lifecycle state of a single plugin.
type PluginState string

const (
	StateInactive  PluginState = "inactive"
	StateStarting  PluginState = "starting"
	StateReady     PluginState = "ready"
	StateConnected PluginState = "connected"
	StateError     PluginState = "error"
	StateStopping  PluginState = "stopping"
)

// RoutingMode selects the physical output path.
type RoutingMode string

const (
	ModeDirect    RoutingMode = "direct"
	ModeMultiroom RoutingMode = "multiroom"
)

// RoutingState is the applied output configuration.
type RoutingState struct {
	Mode      RoutingMode `json:"mode"`
	Equalizer bool        `json:"equalizer"`
}

// DeviceSuffix derives the ALSA device suffix for this routing state:
// direct | direct_eq | multiroom | multiroom_eq.
func (r RoutingState) DeviceSuffix() string {
	s := string(r.Mode)
	if r.Equalizer {
		s += "_eq"
	}
	return s
}

// Device returns the full per-source ALSA device name, e.g. milo_radio_direct_eq.
func (r RoutingState) Device(source AudioSource) string {
	return "milo_" + source.DeviceName() + "_" + r.DeviceSuffix()
}

// Metadata is the plugin-specific opaque payload delivered verbatim to
// subscribers. Keys are documented per plugin.
type Metadata map[string]any

// Clone returns a shallow copy so snapshots never alias live plugin state.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	c := make(Metadata, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// SystemAudioState is the process-wide singleton owned by the state machine.
// Invariant: ActiveSource == SourceNone implies PluginState == StateInactive.
type SystemAudioState struct {
	ActiveSource  AudioSource  `json:"active_source"`
	PluginState   PluginState  `json:"plugin_state"`
	Transitioning bool         `json:"transitioning"`
	Metadata      Metadata     `json:"metadata,omitempty"`
	Routing       RoutingState `json:"routing"`
}

// VolumeState is the volume model for one logical target ("local" or a
// transport-client id).
type VolumeState struct {
	TargetID string  `json:"target_id"`
	LevelDB  float64 `json:"level_db"`
	Muted    bool    `json:"muted"`
}

// PodcastProgress is the resume point for one episode.
// Invariant: Completed iff duration - position <= 5s at the last update.
type PodcastProgress struct {
	PositionSeconds float64   `json:"position_seconds"`
	DurationSeconds float64   `json:"duration_seconds"`
	Completed       bool      `json:"completed"`
	UpdatedAt       time.Time `json:"updated_at"`
}
