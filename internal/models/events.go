package models

// EventCategory groups events for subscriber delivery policy. The broadcaster
// may drop plugin/volume/dsp/podcast events under backpressure but never
// system or routing events.
type EventCategory string

const (
	CategoryPlugin  EventCategory = "plugin"
	CategorySystem  EventCategory = "system"
	CategoryRouting EventCategory = "routing"
	CategoryVolume  EventCategory = "volume"
	CategoryDSP     EventCategory = "dsp"
	CategoryPodcast EventCategory = "podcast"
)

// Droppable reports whether events of this category may be discarded when a
// subscriber queue is full.
func (c EventCategory) Droppable() bool {
	switch c {
	case CategorySystem, CategoryRouting:
		return false
	}
	return true
}

// Event is one push-channel message. Seq is assigned by the broadcaster at
// publish time and is strictly increasing per process.
type Event struct {
	Seq      uint64         `json:"seq"`
	Category EventCategory  `json:"category"`
	Type     string         `json:"type"`
	Source   AudioSource    `json:"source,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	TS       int64          `json:"ts"` // monotonic-ish, unix nanos
}

// Well-known event types.
const (
	EventTransitionStarted  = "system.transition_started"
	EventTransitionFinished = "system.transition_finished"
	EventSystemError        = "system.error"
	EventPluginStateChanged = "plugin.state_changed"
	EventPluginMetadata     = "plugin.metadata_changed"
	EventPluginError        = "plugin.error"
	EventRoutingChanged     = "routing.changed"
	EventVolumeChanged      = "volume.changed"
	EventDSPLevels          = "dsp.levels"
	EventDSPPreset          = "dsp.preset_loaded"
	EventPodcastProgress    = "podcast.progress_saved"
)
