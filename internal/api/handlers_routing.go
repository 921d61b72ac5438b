package api

import (
	"net/http"

	"github.com/milo-audio/milo-go/internal/models"
)

// getRouting returns the applied routing state plus the derived device
// suffix, which clients use to label the output path.
func (h *Handlers) getRouting(w http.ResponseWriter, r *http.Request) {
	st := h.routing.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":          st.Mode,
		"equalizer":     st.Equalizer,
		"device_suffix": st.DeviceSuffix(),
	})
}

type setRoutingRequest struct {
	Mode      string `json:"mode" validate:"required,oneof=direct multiroom"`
	Equalizer bool   `json:"equalizer"`
}

// setRouting applies a routing change. Idempotent: re-applying the current
// state is a no-op success.
func (h *Handlers) setRouting(w http.ResponseWriter, r *http.Request) {
	var req setRoutingRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.routing.Set(r.Context(), models.RoutingMode(req.Mode), req.Equalizer); err != nil {
		writeError(w, err)
		return
	}
	st := h.routing.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":          st.Mode,
		"equalizer":     st.Equalizer,
		"device_suffix": st.DeviceSuffix(),
	})
}
