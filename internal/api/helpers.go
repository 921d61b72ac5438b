// Package api implements the HTTP control surface: REST endpoints under /api
// and the websocket push channel at /ws.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/dsp"
	"github.com/milo-audio/milo-go/internal/events"
	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/settings"
)

// AudioController is the state machine surface the handlers use.
type AudioController interface {
	Snapshot() models.SystemAudioState
	RequestSource(ctx context.Context, target models.AudioSource) error
	Command(ctx context.Context, source models.AudioSource, name string, args map[string]any) (any, error)
	SourceStatus(source models.AudioSource) (models.PluginState, models.Metadata)
}

// RoutingController is the routing engine surface.
type RoutingController interface {
	Current() models.RoutingState
	Set(ctx context.Context, mode models.RoutingMode, equalizer bool) error
}

// VolumeController is the volume subsystem surface.
type VolumeController interface {
	Get(targetID string) models.VolumeState
	Set(ctx context.Context, targetID string, db float64) (models.VolumeState, error)
	Bump(ctx context.Context, targetID string, deltaDB float64) (models.VolumeState, error)
	Mute(ctx context.Context, targetID string, muted bool) (models.VolumeState, error)
	Percent(db float64) int
}

// LevelsProvider exposes the DSP's live signal levels.
type LevelsProvider interface {
	QueryLevels(ctx context.Context) (dsp.Levels, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	log      zerolog.Logger
	audio    AudioController
	routing  RoutingController
	volume   VolumeController
	store    *settings.Store
	levels   LevelsProvider
	bus      *events.Broadcaster
	validate *validator.Validate
}

// settingsPrefixes is the whitelist of writable settings namespaces.
var settingsPrefixes = []string{
	"volume.", "spotify.", "podcast.", "screen.", "routing.", "dock.", "dsp.", "hardware.",
}

// settingsExact lists whitelisted non-namespaced keys.
var settingsExact = []string{"language"}

func settingAllowed(key string) bool {
	for _, p := range settingsPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	for _, k := range settingsExact {
		if key == k {
			return true
		}
	}
	return false
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps errors onto the wire format: AppError carries its own
// status; sentinels map per the taxonomy; anything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		writeJSON(w, appErr.Status, appErr)
		return
	}
	switch {
	case errors.Is(err, models.ErrRejected):
		writeJSON(w, http.StatusConflict, models.ErrConflict(err.Error()))
	case errors.Is(err, models.ErrUnknownCommand):
		writeJSON(w, http.StatusBadRequest, models.ErrBadRequest(err.Error()))
	case errors.Is(err, models.ErrUnknownTarget), errors.Is(err, models.ErrUnitNotFound):
		writeJSON(w, http.StatusNotFound, models.ErrNotFound(err.Error()))
	case errors.Is(err, models.ErrTimedOut):
		writeJSON(w, http.StatusGatewayTimeout,
			&models.AppError{Code: "TIMEOUT", Message: err.Error(), Status: http.StatusGatewayTimeout})
	case errors.Is(err, models.ErrTransition), errors.Is(err, models.ErrRouting),
		errors.Is(err, models.ErrServiceControl), errors.Is(err, models.ErrPluginInternal):
		writeJSON(w, http.StatusBadGateway,
			&models.AppError{Code: "UPSTREAM", Message: err.Error(), Status: http.StatusBadGateway})
	default:
		writeJSON(w, http.StatusInternalServerError, models.ErrInternal(err.Error()))
	}
}

// decode parses and validates a JSON request body.
func (h *Handlers) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.ErrBadRequest("invalid JSON body: " + err.Error())
	}
	if err := h.validate.Struct(v); err != nil {
		return models.ErrBadRequest(err.Error())
	}
	return nil
}
