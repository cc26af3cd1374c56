// Package syncd assembles the command synchronization daemon.
package syncd

import (
	"context"
	"time"

	"github.com/agrolink-io/agrolink/internal/commandlog"
	"github.com/agrolink-io/agrolink/internal/syncd/server"
	"github.com/agrolink-io/agrolink/internal/syncd/watcher"
	"github.com/agrolink-io/agrolink/pkg/log"
	"github.com/agrolink-io/agrolink/pkg/mqtt"
)

const disconnectTimeout = 2 * time.Second

type Daemon struct {
	store    *commandlog.Store
	watchers []*watcher.Watcher
	mqtt     mqtt.Client
	manager  *server.Manager
	logger   log.Logger
}

// Run blocks until ctx is done or a server fails. Ticks in flight at shutdown
// finish before the store is closed.
func (d *Daemon) Run(ctx context.Context) error {
	defer func() {
		if err := d.store.Close(); err != nil {
			d.logger.Error(err, "Failed to close command log")
		}
	}()

	if d.mqtt != nil {
		// The session outlives ctx so that draining ticks can still publish.
		if err := d.mqtt.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			defer cancel()
			d.mqtt.Disconnect(dctx)
		}()
	}

	d.logger.Info("Starting agl-syncd", "devices", len(d.watchers))
	err := d.manager.Start(ctx)
	d.logger.Info("agl-syncd stopped")
	return err
}

// States returns a snapshot of every watcher in registry order.
func (d *Daemon) States() []watcher.State {
	out := make([]watcher.State, 0, len(d.watchers))
	for _, w := range d.watchers {
		out = append(out, w.State())
	}
	return out
}
