package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ryandielhenn/rumord/pkg/gossip"
	"github.com/ryandielhenn/rumord/pkg/peers"
	"github.com/ryandielhenn/rumord/pkg/transport"
)

// maxBody caps inbound request bodies.
const maxBody = 1 << 20

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process ID, current time, own address and directory and
// ledger sizes.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID    int       `json:"pid"`
		Now    time.Time `json:"now"`
		Self   string    `json:"self"`
		Peers  int       `json:"peers"`
		Digest int       `json:"digests"`
	}
	writeJSON(w, http.StatusOK, resp{
		PID:    os.Getpid(),
		Now:    time.Now(),
		Self:   n.engine.Self(),
		Peers:  n.engine.Directory().Len(),
		Digest: n.engine.Ledger().Len(),
	})
}

// Ping admits the sender named in the body and echoes its address. A ping
// carrying this node's own address is answered 409 so the prober does not
// admit us under whatever alias it dialed.
func (n *Node) Ping(w http.ResponseWriter, req *http.Request) {
	n.observeSelf(req)

	var body transport.PingRequest
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBody)).Decode(&body); err != nil {
		http.Error(w, "invalid ping body", http.StatusBadRequest)
		return
	}
	res, err := n.engine.Admit(body.Node)
	if err != nil {
		n.log.Warn("rejecting ping", zap.String("node", body.Node), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if res == peers.Rejected {
		n.log.Debug("ping from own address", zap.String("node", body.Node))
		http.Error(w, "ping from own address", http.StatusConflict)
		return
	}
	n.log.Debug("ping", zap.String("from", body.Node), zap.Stringer("result", res))
	writeJSON(w, http.StatusOK, body.Node)
}

// Bootstrap probes the given addresses and replies [[succeeded],[failed]].
func (n *Node) Bootstrap(w http.ResponseWriter, req *http.Request) {
	n.observeSelf(req)

	b, err := io.ReadAll(io.LimitReader(req.Body, maxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	nodes, err := decodeBootstrap(b)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := n.engine.Bootstrap(req.Context(), nodes)
	if err != nil {
		n.fail(w, "bootstrap", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Nodes lists the current peers.
func (n *Node) Nodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, n.engine.Peers())
}

// Relay disseminates the request body and replies with the peers it reached.
func (n *Node) Relay(w http.ResponseWriter, req *http.Request) {
	n.observeSelf(req)

	b, err := io.ReadAll(io.LimitReader(req.Body, maxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	env, err := gossip.ParseEnvelope(b)
	if err != nil {
		n.log.Warn("rejecting relay", zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := req.Context()
	if budget, ok := transport.Budget(req); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}
	writeJSON(w, http.StatusOK, n.engine.Relay(ctx, env))
}

// Message reports whether the digest in the path has been relayed by this
// node: 200 when it is in the ledger, 404 otherwise.
func (n *Node) Message(w http.ResponseWriter, req *http.Request) {
	d, err := gossip.ParseDigest(mux.Vars(req)["digest"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	type resp struct {
		Digest string `json:"digest"`
		Seen   bool   `json:"seen"`
	}
	seen := n.engine.Seen(d)
	status := http.StatusOK
	if !seen {
		status = http.StatusNotFound
	}
	writeJSON(w, status, resp{Digest: d.String(), Seen: seen})
}

// Sharing runs one peer exchange round and replies [[admitted],[failed]].
func (n *Node) Sharing(w http.ResponseWriter, req *http.Request) {
	n.observeSelf(req)

	res, err := n.engine.Exchange(req.Context())
	if err != nil {
		n.fail(w, "peer exchange", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (n *Node) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, gossip.ErrInvalidAddress):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, gossip.ErrSelfUnknown):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		n.log.Error(op+" failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
