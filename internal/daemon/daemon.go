// Package daemon assembles and supervises the long-running pieces: store,
// engine, transport, discovery and the admin plane.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/synche-io/synche/internal/admin"
	"github.com/synche-io/synche/internal/config"
	"github.com/synche-io/synche/internal/discovery"
	"github.com/synche-io/synche/internal/engine"
	"github.com/synche-io/synche/internal/events"
	"github.com/synche-io/synche/internal/identity"
	"github.com/synche-io/synche/internal/peers"
	"github.com/synche-io/synche/internal/store"
)

const shutdownTimeout = 2 * time.Second

var ErrAlreadyRunning = errors.New("another synche instance is running")

type Daemon struct {
	cfg    *config.Config
	peerID string

	lock      *flock.Flock
	store     *store.Store
	bus       *events.Bus
	engine    *engine.Engine
	registry  *peers.Registry
	discovery discovery.Service
	admin     *admin.Server

	wg *errgroup.Group
}

func New(cfg *config.Config) (*Daemon, error) {
	stateDir, err := config.Dir()
	if err != nil {
		return nil, err
	}

	peerID, err := identity.LoadOrCreate(stateDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	st := store.New(filepath.Join(stateDir, "metadata.db"))
	bus := events.NewBus()

	eng := engine.New(peerID, cfg, st, bus)
	registry := peers.NewRegistry(peerID, cfg.TransportPort, eng, eng.Hello, bus)
	eng.SetRegistry(registry)

	return &Daemon{
		cfg:       cfg,
		peerID:    peerID,
		lock:      flock.New(filepath.Join(stateDir, "synche.lock")),
		store:     st,
		bus:       bus,
		engine:    eng,
		registry:  registry,
		discovery: discovery.NewMDNS(peerID, cfg.TransportPort),
		admin:     admin.New(cfg.AdminPort, eng, bus),
	}, nil
}

func (d *Daemon) PeerID() string {
	return d.peerID
}

// Start brings everything up and blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("instance lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer d.lock.Unlock()

	slog.Info("synche starting", "peer", d.peerID, "config", d.cfg)

	if err := d.store.Open(); err != nil {
		return err
	}

	if err := d.registry.Start(ctx); err != nil {
		return err
	}
	if err := d.engine.Start(ctx); err != nil {
		return err
	}
	if err := d.admin.Start(ctx); err != nil {
		return err
	}
	if err := d.discovery.Start(ctx); err != nil {
		// a hostile network (no multicast) still allows manual peering via
		// the transport port; keep running
		slog.Warn("discovery unavailable", "error", err)
	}

	d.wg, _ = errgroup.WithContext(ctx)
	d.wg.Go(func() error {
		d.consumeDiscovery(ctx)
		return nil
	})

	<-ctx.Done()
	d.shutdown()
	return nil
}

func (d *Daemon) consumeDiscovery(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.discovery.Events():
			if !ok {
				return
			}
			if ev.Up {
				d.registry.HandlePeerUp(ev.Peer, ev.Addr, ev.Hostname)
			} else {
				d.registry.HandlePeerDown(ev.Peer)
			}
		}
	}
}

// shutdown stops everything within the graceful upper bound; in-flight
// transfer stages are discarded by their sessions closing.
func (d *Daemon) shutdown() {
	slog.Info("synche stopping")
	done := make(chan struct{})

	go func() {
		d.discovery.Stop()
		d.admin.Stop()
		d.registry.Stop()
		d.engine.Stop()
		d.wg.Wait()
		d.bus.Close()
		d.store.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("graceful shutdown timed out")
	}
}
