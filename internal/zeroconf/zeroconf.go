// Package zeroconf registers the control API as an mDNS/DNS-SD service so
// docks and companion apps discover the host without configuration.
package zeroconf

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

// Service manages mDNS service registration.
type Service struct {
	log    zerolog.Logger
	name   string // instance name / hostname, e.g. "milo"
	port   int
	server *zeroconf.Server
}

// New creates a zeroconf Service advertising the API port under the given
// instance name.
func New(name string, port int, log zerolog.Logger) *Service {
	return &Service{
		log:  log.With().Str("component", "zeroconf").Logger(),
		name: name,
		port: port,
	}
}

// Start registers the service and blocks until ctx is canceled, then
// unregisters.
func (s *Service) Start(ctx context.Context) error {
	txt := []string{"api=/api", "ws=/ws"}

	server, err := zeroconf.Register(
		s.name,
		"_milo._tcp",
		"local.",
		s.port,
		txt,
		nil, // all interfaces
	)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	s.server = server
	s.log.Info().Str("name", s.name).Int("port", s.port).Msg("mDNS service registered")

	<-ctx.Done()

	server.Shutdown()
	s.log.Info().Msg("mDNS service unregistered")
	return ctx.Err()
}
