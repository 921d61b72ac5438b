// Package plugins implements the source plugin subsystem. Each audio source
// (Spotify Connect, Bluetooth A2DP, LAN receiver, internet radio, podcasts)
// is a Plugin; the Base provides the shared lifecycle plumbing. Plugins never
// mutate system state directly; every transition is reported through the
// Reporter sink owned by the state machine.
package plugins

import (
	"context"
	"fmt"

	"github.com/milo-audio/milo-go/internal/models"
)

// Plugin is the contract every source plugin implements. The state machine
// serializes Start/Stop per plugin; HandleCommand may run concurrently with
// metadata reporting.
type Plugin interface {
	// Source identifies the plugin.
	Source() models.AudioSource

	// Unit returns the plugin's primary service unit name.
	Unit() string

	// Initialize performs one-shot setup before the supervisor starts any
	// async work.
	Initialize(ctx context.Context) error

	// Start brings the plugin into Ready: start its unit(s), then probe
	// readiness. Reports Starting and Ready through the Reporter.
	Start(ctx context.Context) error

	// Stop brings the plugin into Inactive. Idempotent: ok when already
	// inactive.
	Stop(ctx context.Context) error

	// Status returns an opaque metadata snapshot.
	Status() models.Metadata

	// HandleCommand dispatches a named command. Unknown names return
	// models.ErrUnknownCommand.
	HandleCommand(ctx context.Context, name string, args map[string]any) (any, error)
}

// Reporter is the state machine's ingestion surface.
type Reporter interface {
	// ReportPluginState records a lifecycle transition for a source.
	ReportPluginState(source models.AudioSource, state models.PluginState, metadata models.Metadata)

	// ReportMetadata records a metadata-only update for a source.
	ReportMetadata(source models.AudioSource, metadata models.Metadata)
}

// Registry is the immutable source → plugin mapping, fully populated before
// the process starts any async work.
type Registry struct {
	plugins map[models.AudioSource]Plugin
	order   []models.AudioSource
}

// NewRegistry builds a registry from the given plugins.
func NewRegistry(ps ...Plugin) (*Registry, error) {
	r := &Registry{plugins: make(map[models.AudioSource]Plugin, len(ps))}
	for _, p := range ps {
		src := p.Source()
		if _, dup := r.plugins[src]; dup {
			return nil, fmt.Errorf("duplicate plugin for source %s", src)
		}
		r.plugins[src] = p
		r.order = append(r.order, src)
	}
	return r, nil
}

// Get returns the plugin for a source, or nil.
func (r *Registry) Get(source models.AudioSource) Plugin {
	return r.plugins[source]
}

// Sources lists registered sources in registration order.
func (r *Registry) Sources() []models.AudioSource {
	return append([]models.AudioSource(nil), r.order...)
}

// UnitFor maps every registered source to its primary unit (routing engine
// input).
func (r *Registry) UnitFor() map[models.AudioSource]string {
	m := make(map[models.AudioSource]string, len(r.plugins))
	for src, p := range r.plugins {
		m[src] = p.Unit()
	}
	return m
}

// InitializeAll runs one-shot setup on every plugin.
func (r *Registry) InitializeAll(ctx context.Context) error {
	for _, src := range r.order {
		if err := r.plugins[src].Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", src, err)
		}
	}
	return nil
}
