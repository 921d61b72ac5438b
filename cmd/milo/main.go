// Command milo is the audio orchestrator daemon: it owns the single active
// audio source, the ALSA routing mode, volume, and the event push channel.
// Run with --mock to use a simulated service manager (no systemd required).
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/milo-audio/milo-go/internal/api"
	"github.com/milo-audio/milo-go/internal/dsp"
	"github.com/milo-audio/milo-go/internal/events"
	"github.com/milo-audio/milo-go/internal/hardware"
	"github.com/milo-audio/milo-go/internal/logging"
	"github.com/milo-audio/milo-go/internal/models"
	"github.com/milo-audio/milo-go/internal/plugins"
	"github.com/milo-audio/milo-go/internal/progress"
	"github.com/milo-audio/milo-go/internal/routing"
	"github.com/milo-audio/milo-go/internal/settings"
	"github.com/milo-audio/milo-go/internal/snapcast"
	"github.com/milo-audio/milo-go/internal/statemachine"
	"github.com/milo-audio/milo-go/internal/systemd"
	"github.com/milo-audio/milo-go/internal/volume"
	"github.com/milo-audio/milo-go/internal/zeroconf"
)

// shutdownTimeout bounds the teardown: stop the active source, flush
// persistence, close the server.
const shutdownTimeout = 15 * time.Second

// deferredReporter lets plugins be constructed before the state machine that
// consumes their reports. Reports cannot fire before a transition starts, and
// transitions require the machine.
type deferredReporter struct {
	m *statemachine.Machine
}

func (d *deferredReporter) ReportPluginState(source models.AudioSource, state models.PluginState, metadata models.Metadata) {
	if d.m != nil {
		d.m.ReportPluginState(source, state, metadata)
	}
}

func (d *deferredReporter) ReportMetadata(source models.AudioSource, metadata models.Metadata) {
	if d.m != nil {
		d.m.ReportMetadata(source, metadata)
	}
}

// rotarySink maps encoder input onto the local volume target.
type rotarySink struct {
	log    zerolog.Logger
	vol    *volume.Controller
	stepDB func() float64
}

func (s *rotarySink) Turn(steps int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.vol.Bump(ctx, volume.TargetLocal, float64(steps)*s.stepDB()); err != nil {
		s.log.Warn().Err(err).Msg("rotary volume bump failed")
	}
}

func (s *rotarySink) Press() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	muted := s.vol.Get(volume.TargetLocal).Muted
	if _, err := s.vol.Mute(ctx, volume.TargetLocal, !muted); err != nil {
		s.log.Warn().Err(err).Msg("rotary mute toggle failed")
	}
}

func main() {
	var (
		addr    = flag.String("addr", ":8080", "HTTP listen address")
		dataDir = flag.String("data-dir", "", "data directory (default: ~/.config/milo)")
		debug   = flag.Bool("debug", false, "enable debug logging")
		mock    = flag.Bool("mock", false, "use a mock service manager (no systemd required)")
	)
	flag.Parse()

	log := logging.Setup(*debug)

	if *dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatal().Err(err).Msg("cannot determine home directory")
		}
		*dataDir = home + "/.config/milo"
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("path", *dataDir).Msg("cannot create data directory")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Settings store with live reload on external file edits.
	store, err := settings.Open(*dataDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("settings store initialization failed")
	}

	// Metrics and the push channel.
	registry := prometheus.NewRegistry()
	bus := events.NewBroadcaster(log, events.NewMetrics(registry))

	// Service manager.
	var units systemd.Supervisor
	if *mock {
		log.Info().Msg("using mock service manager")
		m := systemd.NewMock()
		for _, unit := range []string{
			"milo-spotify.service", "milo-bluetooth.service", "milo-bluetooth-player.service",
			"milo-roc.service", "milo-radio.service", "milo-podcast.service",
			"milo-snapserver.service", "milo-snapclient.service",
		} {
			m.AddUnit(unit, systemd.UnitInactive)
		}
		units = m
	} else {
		dbus, err := systemd.Connect(log)
		if err != nil {
			log.Fatal().Err(err).Msg("systemd connection failed")
		}
		units = dbus
	}

	// Transport and DSP control planes.
	transport := snapcast.New("")
	dspClient := dsp.New("", log)

	// Persistence-backed domain data.
	radioData, err := plugins.OpenRadioData(*dataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("radio data store initialization failed")
	}
	episodes, err := plugins.OpenEpisodeLibrary(*dataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("episode library initialization failed")
	}
	prog, err := progress.Open(*dataDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("progress service initialization failed")
	}

	// Volume: local ALSA mixer plus the multiroom clients.
	var actuator volume.Actuator
	if *mock {
		actuator = &volume.MockActuator{}
	} else {
		actuator = volume.NewAmixer("", "")
	}
	vol := volume.NewController(store, actuator, transport, bus, *dataDir, log)

	// Plugins. The reporter is bound to the state machine below, before any
	// transition can run.
	reporter := &deferredReporter{}
	spotify := plugins.NewSpotify(units, reporter, store, "", log)
	bluetooth := plugins.NewBluetooth(units, reporter, log)
	lan := plugins.NewLAN(units, reporter, nil, log)
	radio := plugins.NewRadio(units, reporter, radioData, nil, "", log)
	podcast := plugins.NewPodcast(units, reporter, episodes, prog, "", log)

	plugRegistry, err := plugins.NewRegistry(spotify, bluetooth, lan, radio, podcast)
	if err != nil {
		log.Fatal().Err(err).Msg("plugin registry initialization failed")
	}
	if err := plugRegistry.InitializeAll(ctx); err != nil {
		log.Fatal().Err(err).Msg("plugin initialization failed")
	}

	// Routing engine and the state machine.
	var machine *statemachine.Machine
	engine := routing.New(routing.Config{
		Store:     store,
		Units:     units,
		Transport: transport,
		DSP:       dspClient,
		Bus:       bus,
		Active: func() models.AudioSource {
			return machine.ActiveSource()
		},
		UnitFor: plugRegistry.UnitFor(),
		DataDir: *dataDir,
		Log:     log,
		Metrics: registry,
	})
	if err := engine.Bootstrap(); err != nil {
		log.Fatal().Err(err).Msg("routing bootstrap failed")
	}
	machine = statemachine.New(plugRegistry, bus, engine, log)
	reporter.m = machine

	if err := vol.ApplyStartup(ctx); err != nil {
		log.Warn().Err(err).Msg("startup volume apply failed")
	}

	g, ctx := errgroup.WithContext(ctx)

	// Background tasks.
	g.Go(func() error {
		err := store.WatchFile(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := prog.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// mDNS advertisement, best effort.
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "milo"
	}
	port := 8080
	if parts := strings.SplitN(*addr, ":", 2); len(parts) == 2 && parts[1] != "" {
		if p, err := strconv.Atoi(parts[1]); err == nil {
			port = p
		}
	}
	zc := zeroconf.New(hostname, port, log)
	g.Go(func() error {
		if err := zc.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("zeroconf failed")
		}
		return nil
	})

	// Optional rotary encoder.
	if store.GetBool(settings.KeyHardwareRotary, false) {
		sink := &rotarySink{
			log: log,
			vol: vol,
			stepDB: func() float64 {
				return store.GetFloat(settings.KeyVolumeStepRotaryDB, 1)
			},
		}
		var input hardware.Input
		if *mock {
			input = hardware.NewMock(sink)
		} else {
			rot, err := hardware.NewRotary("", "", "", sink, log)
			if err != nil {
				log.Warn().Err(err).Msg("rotary encoder unavailable")
			} else {
				input = rot
			}
		}
		if input != nil {
			g.Go(func() error {
				if err := input.Run(ctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
	}

	// HTTP server.
	router := api.NewRouter(api.Deps{
		Audio:    machine,
		Routing:  engine,
		Volume:   vol,
		Store:    store,
		Levels:   dspClient,
		Bus:      bus,
		Registry: registry,
		Log:      log,
	})
	srv := &http.Server{
		Addr:        *addr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: the websocket push channel holds connections open.
		IdleTimeout: 120 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", *addr).Bool("mock", *mock).Str("data_dir", *dataDir).Msg("milo listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutCancel()

	if err := machine.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("active source stop failed during shutdown")
	}
	if err := prog.Flush(); err != nil {
		log.Warn().Err(err).Msg("progress flush failed during shutdown")
	}
	vol.Flush()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("background task failed")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}
