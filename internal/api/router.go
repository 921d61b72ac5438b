package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/milo-audio/milo-go/internal/events"
	"github.com/milo-audio/milo-go/internal/settings"
)

// Deps bundles everything the router serves.
type Deps struct {
	Audio    AudioController
	Routing  RoutingController
	Volume   VolumeController
	Store    *settings.Store
	Levels   LevelsProvider
	Bus      *events.Broadcaster
	Registry *prometheus.Registry
	Log      zerolog.Logger
}

// NewRouter creates and returns the main HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)
	r.Use(middleware.CleanPath)

	h := &Handlers{
		log:      d.Log.With().Str("component", "api").Logger(),
		audio:    d.Audio,
		routing:  d.Routing,
		volume:   d.Volume,
		store:    d.Store,
		levels:   d.Levels,
		bus:      d.Bus,
		validate: validator.New(),
	}

	r.Route("/api", func(r chi.Router) {
		// Audio orchestration
		r.Get("/audio/state", h.getAudioState)
		r.Post("/audio/source", h.setSource)
		r.Get("/audio/{source}", h.getSourceStatus)
		r.Post("/audio/{source}/command", h.execCommand)

		// Routing
		r.Get("/routing", h.getRouting)
		r.Put("/routing", h.setRouting)

		// Volume
		r.Get("/volume/{target}", h.getVolume)
		r.Put("/volume/{target}", h.setVolume)

		// Settings
		r.Get("/settings/{key}", h.getSetting)
		r.Put("/settings/{key}", h.putSetting)

		// DSP
		r.Get("/dsp/levels", h.getDSPLevels)

		// Liveness
		r.Get("/ping", h.ping)
		r.Get("/health", h.health)
	})

	if d.Registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))
	}

	// Push channel
	r.Get("/ws", h.websocketEvents)

	return r
}

// corsMiddleware adds permissive CORS headers for local network access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
