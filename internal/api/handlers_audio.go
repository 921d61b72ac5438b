package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/milo-audio/milo-go/internal/models"
)

// getAudioState returns the full system audio snapshot.
func (h *Handlers) getAudioState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.audio.Snapshot())
}

type setSourceRequest struct {
	Target string `json:"target" validate:"required"`
}

// setSource requests a source transition. Returns the post-transition state.
func (h *Handlers) setSource(w http.ResponseWriter, r *http.Request) {
	var req setSourceRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	target := models.AudioSource(req.Target)
	if !target.Valid() {
		writeError(w, models.ErrBadRequest("unknown source "+req.Target))
		return
	}
	if err := h.audio.RequestSource(r.Context(), target); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.audio.Snapshot())
}

// getSourceStatus returns the last reported state and metadata for one
// source, active or not.
func (h *Handlers) getSourceStatus(w http.ResponseWriter, r *http.Request) {
	source := models.AudioSource(chi.URLParam(r, "source"))
	if !source.Valid() || source == models.SourceNone {
		writeError(w, models.ErrNotFound("unknown source "+string(source)))
		return
	}
	state, meta := h.audio.SourceStatus(source)
	writeJSON(w, http.StatusOK, map[string]any{
		"source":   source,
		"state":    state,
		"metadata": meta,
	})
}

type commandRequest struct {
	Name string         `json:"name" validate:"required"`
	Args map[string]any `json:"args"`
}

// execCommand dispatches a plugin command to the named source.
func (h *Handlers) execCommand(w http.ResponseWriter, r *http.Request) {
	source := models.AudioSource(chi.URLParam(r, "source"))
	if !source.Valid() || source == models.SourceNone {
		writeError(w, models.ErrNotFound("unknown source "+string(source)))
		return
	}
	var req commandRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := h.audio.Command(r.Context(), source, req.Name, req.Args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}
