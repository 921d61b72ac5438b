package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/milo-audio/milo-go/internal/models"
)

// volumeResponse adds the derived UI percentage to the stored state.
type volumeResponse struct {
	models.VolumeState
	Percent int `json:"percent"`
}

func (h *Handlers) volumeBody(st models.VolumeState) volumeResponse {
	return volumeResponse{VolumeState: st, Percent: h.volume.Percent(st.LevelDB)}
}

// getVolume returns the volume state for one target ("local" or a transport
// client id).
func (h *Handlers) getVolume(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	writeJSON(w, http.StatusOK, h.volumeBody(h.volume.Get(target)))
}

// setVolumeRequest carries exactly one of an absolute level, a relative bump,
// or a mute flip.
type setVolumeRequest struct {
	LevelDB *float64 `json:"level_db"`
	DeltaDB *float64 `json:"delta_db"`
	Muted   *bool    `json:"muted"`
}

func (h *Handlers) setVolume(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	var req setVolumeRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var (
		st  models.VolumeState
		err error
	)
	switch {
	case req.LevelDB != nil:
		st, err = h.volume.Set(r.Context(), target, *req.LevelDB)
	case req.DeltaDB != nil:
		st, err = h.volume.Bump(r.Context(), target, *req.DeltaDB)
	case req.Muted != nil:
		st, err = h.volume.Mute(r.Context(), target, *req.Muted)
	default:
		writeError(w, models.ErrBadRequest("one of level_db, delta_db, muted is required"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.volumeBody(st))
}
