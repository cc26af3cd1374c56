package server

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/agrolink-io/agrolink/pkg/log"
)

// Server defines the common interface for everything the daemon runs.
type Server interface {
	Start(ctx context.Context) error
}

// Manager manages the lifecycle of the scheduler and the protocol servers.
type Manager struct {
	servers []Server
}

func NewManager(servers ...Server) *Manager {
	return &Manager{servers: servers}
}

// Start launches all servers in parallel. The first one to fail cancels the
// others, and Start returns once every server has returned.
func (m *Manager) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range m.servers {
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	log.Info("All servers starting...", "count", len(m.servers))
	return g.Wait()
}
