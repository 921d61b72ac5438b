package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/settings"
)

// getSetting reads one dot-path key. Unset keys fall back to the compiled-in
// default; a key with neither is a 404.
func (h *Handlers) getSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !settingAllowed(key) {
		writeError(w, models.ErrNotFound("unknown setting "+key))
		return
	}
	value := h.store.Get(key)
	if value == nil {
		value = settings.Default(key)
	}
	if value == nil {
		writeError(w, models.ErrNotFound("unknown setting "+key))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

type putSettingRequest struct {
	Value any `json:"value" validate:"required"`
}

// putSetting writes one whitelisted key. The write is durable before the
// response goes out.
func (h *Handlers) putSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !settingAllowed(key) {
		writeError(w, models.ErrBadRequest("setting "+key+" is not writable"))
		return
	}
	var req putSettingRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.store.Set(key, req.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": req.Value})
}
