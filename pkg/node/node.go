package node

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ryandielhenn/rumord/internal/telemetry"
	"github.com/ryandielhenn/rumord/pkg/gossip"
	"github.com/ryandielhenn/rumord/pkg/transport"
)

// Node serves the inbound RPC surface of one gossip participant and drives
// its background peer exchange.
type Node struct {
	engine *gossip.Engine
	log    *zap.Logger

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func New(engine *gossip.Engine, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		engine: engine,
		log:    logger,
		stop:   make(chan struct{}),
	}
}

func (n *Node) Engine() *gossip.Engine { return n.engine }

// Router wires the node's endpoints. Each route is instrumented under its
// own op label.
func (n *Node) Router() http.Handler {
	r := mux.NewRouter()
	handle := func(op string, h http.HandlerFunc, method string, paths ...string) {
		ih := telemetry.Instrument(op, h)
		for _, p := range paths {
			r.Handle(p, ih).Methods(method)
		}
	}

	handle("ping", n.Ping, http.MethodPost, transport.PathPing)
	handle("bootstrap", n.Bootstrap, http.MethodPost, transport.PathBootstrap)
	handle("nodes", n.Nodes, http.MethodGet, transport.PathNodes, "/peers")
	handle("relay", n.Relay, http.MethodPost, transport.PathRelay)
	handle("sharing", n.Sharing, http.MethodGet, transport.PathSharing, "/peer-exchange")
	handle("message", n.Message, http.MethodGet, "/messages/{digest}")
	handle("healthz", n.Healthz, http.MethodGet, "/healthz")
	handle("info", n.Info, http.MethodGet, "/info")
	r.Handle("/metrics", telemetry.MetricsHandler()).Methods(http.MethodGet)
	return r
}

// Start runs a peer exchange round every interval until Close. A
// non-positive interval disables the loop.
func (n *Node) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	n.wg.Add(1)
	go n.exchangeLoop(interval)
}

func (n *Node) Close() {
	n.once.Do(func() { close(n.stop) })
	n.wg.Wait()
}

func (n *Node) exchangeLoop(interval time.Duration) {
	defer n.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-n.stop:
			return
		case <-t.C:
			if n.engine.Self() == "" {
				n.log.Debug("skipping peer exchange, own address not known yet")
				continue
			}
			if _, err := n.engine.Exchange(context.Background()); err != nil {
				n.log.Warn("peer exchange round failed", zap.Error(err))
			}
		}
	}
}
