// Package cell wires identity, atlas, the handler table, circuit registry,
// dedup stores, the routing engine, and the transport server/client into
// the single runtime unit spec.md §4.11 calls a cell, and carries its
// listen/gossip/cleanup/bootstrap lifecycle.
package cell

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"rheo/internal/atlas"
	"rheo/internal/bootstrap"
	"rheo/internal/circuit"
	"rheo/internal/dedup"
	"rheo/internal/gossip"
	"rheo/internal/handlers"
	"rheo/internal/identity"
	"rheo/internal/logging"
	"rheo/internal/routing"
	"rheo/internal/transport"
)

// circuitThreshold and circuitRecovery fix the breaker policy at the
// values spec.md §4.7 names; they are not currently exposed in Config
// since no scenario in the spec calls for tuning them per-cell.
const (
	circuitThreshold = 3
	circuitRecovery  = 30 * time.Second
	seenTTL          = 60 * time.Second
	resultCacheTTL   = 10 * time.Second
)

// lifecycle states, matching §4.11's three-state model.
const (
	stateRunning int32 = iota
	stateShuttingDown
	stateStopped
)

// Cell is a single mesh participant: one identity, one atlas, one set of
// registered capabilities, reachable over HTTP and able to reach peers the
// same way.
type Cell struct {
	Config   Config
	Identity *identity.Identity

	Atlas    *atlas.Atlas
	Handlers *handlers.Table
	Circuits *circuit.Registry
	Seen     *dedup.SeenSet
	Results  *dedup.ResultCache
	Joins    *dedup.JoinStore
	Client   *transport.Client
	Engine   *routing.Engine
	Gossip   *gossip.Loop

	transportServer *transport.Server
	httpServer      *http.Server
	metrics         *metrics

	addr     string
	listener net.Listener

	lifecycle atomic.Int32

	cleanupStop chan struct{}
	cleanupDone chan struct{}

	bootstrapDone chan struct{}
}

// New wires every subsystem together and registers the default
// capabilities (§4.12), but does not bind a listener or start any
// background loop — call Listen for that.
func New(cfg Config, id *identity.Identity) *Cell {
	cfg = cfg.WithDefaults()
	if cfg.ID == "" {
		cfg.ID = id.DeriveCellID()
	}

	c := &Cell{
		Config:   cfg,
		Identity: id,
		Atlas:    atlas.New(cfg.ID, cfg.AtlasTTLMs),
		Handlers: handlers.New(),
		Circuits: circuit.NewRegistry(circuitThreshold, circuitRecovery),
		Seen:     dedup.NewSeenSet(seenTTL),
		Results:  dedup.NewResultCache(resultCacheTTL),
		Joins:    dedup.NewJoinStore(),
		Client:   transport.NewClient(cfg.rpcTimeout(), cfg.ClusterSecret),
		metrics:  newMetrics(),

		cleanupStop:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
		bootstrapDone: make(chan struct{}),
	}

	c.registerDefaults()

	c.Engine = &routing.Engine{
		SelfID:   cfg.ID,
		Seed:     cfg.Seed,
		Atlas:    c.Atlas,
		Handlers: c.Handlers,
		Circuits: c.Circuits,
		Seen:     c.Seen,
		Results:  c.Results,
		Joins:    c.Joins,
		Client:   c.Client,
		Metrics:  c.metrics,
	}

	c.Gossip = gossip.NewLoop(cfg.ID, "", c.Atlas, c.Client, cfg.GossipIntervalMs, newSignalID)
	c.Handlers.Register("mesh/gossip", c.Gossip.Handler())

	c.transportServer = transport.New(transport.Config{
		ClusterSecret:     cfg.ClusterSecret,
		EnableCompression: cfg.EnableCompression,
	}, c.Engine.Route, c.Atlas, c.healthSnapshot)

	return c
}

func newSignalID() string { return uuid.NewString() }

// Addr returns the address this cell is bound to, once Listen has
// succeeded. Empty before that.
func (c *Cell) Addr() string { return c.addr }

// Listen implements §4.11: bind the configured port (falling back to an
// ephemeral one if it's taken), publish the self atlas entry, and start
// the gossip, cleanup, and (if a seed is configured) bootstrap loops.
// Grounded on the teacher's discovery.PortAllocator.AllocatePort for the
// bind-with-fallback technique alone — its DNS peer discovery and claim
// broadcast machinery are dropped, since the atlas already serves that
// role here (see DESIGN.md).
func (c *Cell) Listen(ctx context.Context) error {
	listener, err := bindWithFallback(c.Config.Port)
	if err != nil {
		return fmt.Errorf("cell: failed to bind: %w", err)
	}
	c.listener = listener

	port := listener.Addr().(*net.TCPAddr).Port
	c.addr = fmt.Sprintf("http://127.0.0.1:%d", port)
	c.Engine.SelfAddr = c.addr
	c.Gossip.SelfAddr = c.addr

	c.Atlas.SetSelf(c.addr, c.Identity.Hex(), c.Handlers.Names())

	c.httpServer = &http.Server{Handler: c.transportServer.Router()}
	go func() {
		if err := c.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logging.Error("[%s] http server stopped: %v", c.Config.ID, err)
		}
	}()

	go c.cleanupLoop(ctx)
	c.Gossip.Start(ctx)

	if c.Config.Seed != "" {
		self, _ := c.Atlas.Get(c.Config.ID)
		go func() {
			defer close(c.bootstrapDone)
			bootstrap.Announce(ctx, c.Config.ID, c.Config.Seed, self, c.Atlas, c.Client, newSignalID)
		}()
	} else {
		close(c.bootstrapDone)
	}

	logging.Info("[%s] listening at %s", c.Config.ID, c.addr)
	return nil
}

// bindWithFallback binds port if non-zero; if that address is already in
// use, it falls back to an ephemeral port the same way port 0 would.
func bindWithFallback(port int) (net.Listener, error) {
	if port != 0 {
		if l, err := net.Listen("tcp", fmt.Sprintf(":%d", port)); err == nil {
			return l, nil
		}
		logging.Warn("port %d unavailable, falling back to an ephemeral port", port)
	}
	return net.Listen("tcp", ":0")
}

// Shutdown implements §4.11's graceful-shutdown sequence: stop accepting
// new work, stop the background loops (each bounded by a 5s join
// timeout), then close the listener.
func (c *Cell) Shutdown(ctx context.Context) error {
	if !c.lifecycle.CompareAndSwap(stateRunning, stateShuttingDown) {
		return nil
	}
	defer c.lifecycle.Store(stateStopped)

	c.Engine.BeginShutdown()

	gossipDone := make(chan struct{})
	go func() {
		c.Gossip.Stop()
		close(gossipDone)
	}()
	awaitWithTimeout(gossipDone, 5*time.Second)
	close(c.cleanupStop)
	awaitWithTimeout(c.cleanupDone, 5*time.Second)
	awaitWithTimeout(c.bootstrapDone, 5*time.Second)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cell: http shutdown: %w", err)
	}
	c.transportServer.Close()

	logging.Info("[%s] shut down", c.Config.ID)
	return nil
}

func awaitWithTimeout(done <-chan struct{}, timeout time.Duration) {
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// Provide registers a capability handler, for callers building a cell's
// capability set programmatically rather than through the default set.
func (c *Cell) Provide(name string, fn handlers.Func) {
	c.Handlers.Register(name, fn)
	c.Atlas.SetSelf(c.addr, c.Identity.Hex(), c.Handlers.Names())
}
