package api

import (
	"net/http"

	"github.com/milo-audio/milo-go/internal/models"
)

// ping is the cheap liveness probe used by the dock UI.
func (h *Handlers) ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// health reports the orchestrator's own view: process up, active source,
// subscriber count.
func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	snap := h.audio.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"active_source": snap.ActiveSource,
		"plugin_state":  snap.PluginState,
		"transitioning": snap.Transitioning,
		"subscribers":   h.bus.SubscriberCount(),
	})
}

// getDSPLevels proxies a live level query to the DSP. 502 when the DSP is
// unreachable (EQ bypassed or processor down).
func (h *Handlers) getDSPLevels(w http.ResponseWriter, r *http.Request) {
	if h.levels == nil {
		writeError(w, models.ErrNotFound("no dsp configured"))
		return
	}
	levels, err := h.levels.QueryLevels(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway,
			&models.AppError{Code: "UPSTREAM", Message: err.Error(), Status: http.StatusBadGateway})
		return
	}
	writeJSON(w, http.StatusOK, levels)
}
