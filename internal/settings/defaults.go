package settings

// Canonical settings keys.
const (
	KeyLanguage           = "language"
	KeyVolumeMinDB        = "volume.min_db"
	KeyVolumeMaxDB        = "volume.max_db"
	KeyVolumeStartupDB    = "volume.startup_volume_db"
	KeyVolumeStepMobileDB = "volume.step_mobile_db"
	KeyVolumeStepRotaryDB = "volume.step_rotary_db"
	KeyVolumeRestoreLast  = "volume.restore_last_volume"
	KeyVolumeDebounceMS   = "volume.persist_debounce_ms"
	KeyDockEnabledApps    = "dock.enabled_apps"
	KeySpotifyDisconnect  = "spotify.auto_disconnect_delay"
	KeyPodcastUserID      = "podcast.user_id"
	KeyPodcastAPIKey      = "podcast.api_key"
	KeyScreenTimeoutOn    = "screen.timeout_enabled"
	KeyScreenTimeoutSec   = "screen.timeout_seconds"
	KeyScreenBrightnessOn = "screen.brightness_on"
	KeyRoutingMode        = "routing.mode"
	KeyRoutingEqualizer   = "routing.equalizer"
	KeyHardwareScreen     = "hardware.screen"
	KeyHardwareRotary     = "hardware.rotary.enabled"
	KeyDSPPreset          = "dsp.preset"
)

// defaults maps every documented key to its value when unset.
var defaults = map[string]any{
	KeyLanguage:           "en",
	KeyVolumeMinDB:        -60.0,
	KeyVolumeMaxDB:        0.0,
	KeyVolumeStartupDB:    -30.0,
	KeyVolumeStepMobileDB: 2.0,
	KeyVolumeStepRotaryDB: 1.0,
	KeyVolumeRestoreLast:  true,
	KeyVolumeDebounceMS:   500.0,
	KeyDockEnabledApps:    []any{"spotify", "bluetooth", "lan", "radio", "podcast"},
	KeySpotifyDisconnect:  10.0,
	KeyPodcastUserID:      "",
	KeyPodcastAPIKey:      "",
	KeyScreenTimeoutOn:    true,
	KeyScreenTimeoutSec:   300.0,
	KeyScreenBrightnessOn: 80.0,
	KeyRoutingMode:        "direct",
	KeyRoutingEqualizer:   false,
	KeyHardwareScreen:     "official7",
	KeyHardwareRotary:     false,
	KeyDSPPreset:          "flat",
}

// Default returns the documented default for path, or nil when the key has
// none.
func Default(path string) any {
	return defaults[path]
}
