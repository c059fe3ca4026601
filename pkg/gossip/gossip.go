package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/rumord/internal/telemetry"
	"github.com/ryandielhenn/rumord/pkg/ledger"
	"github.com/ryandielhenn/rumord/pkg/peers"
)

const (
	DefaultFanout      = 5
	DefaultSample      = 5
	DefaultTimeout     = 5 * time.Second
	DefaultMaxInFlight = 16
)

// ErrSelfUnknown is returned by operations that must announce this node's
// address before one has been configured or observed.
var ErrSelfUnknown = errors.New("own address not known yet")

type Config struct {
	Self        string        // externally reachable address, may be set later via SetSelf
	Fanout      int           // peers a relay is forwarded to
	Sample      int           // peers queried, and addresses taken per reply, in peer exchange
	Timeout     time.Duration // bound on every outbound call
	MaxInFlight int           // concurrent probes per bootstrap or exchange round
	Deliver     DeliverFunc
	Logger      *zap.Logger
}

// Engine runs bootstrap, relay and peer exchange for one node.
type Engine struct {
	cfg     Config
	tx      Transport
	dir     *peers.Directory
	seen    *ledger.Ledger
	log     *zap.Logger
	deliver DeliverFunc
	perm    func(n int) []int
}

func New(cfg Config, tx Transport, dir *peers.Directory, seen *ledger.Ledger) *Engine {
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultFanout
	}
	if cfg.Sample <= 0 {
		cfg.Sample = DefaultSample
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	e := &Engine{
		cfg:  cfg,
		tx:   tx,
		dir:  dir,
		seen: seen,
		log:  cfg.Logger,
		perm: rand.Perm,
	}
	e.deliver = cfg.Deliver
	if e.deliver == nil {
		e.deliver = e.logDelivery
	}
	if cfg.Self != "" {
		if err := e.SetSelf(cfg.Self); err != nil {
			e.log.Warn("ignoring configured self address", zap.String("self", cfg.Self), zap.Error(err))
		}
	}
	return e
}

// SetSelf records the address this node announces to peers.
func (e *Engine) SetSelf(addr string) error {
	n, err := NormalizeAddress(addr)
	if err != nil {
		return err
	}
	if n != e.dir.Self() {
		e.dir.SetSelf(n)
		e.log.Info("self address set", zap.String("self", n))
		telemetry.Peers.Set(float64(e.dir.Len()))
	}
	return nil
}

// PinSelf adopts addr as this node's address unless one is already set. It
// returns the address in effect, which may belong to an earlier caller.
func (e *Engine) PinSelf(addr string) (string, error) {
	n, err := NormalizeAddress(addr)
	if err != nil {
		return "", err
	}
	self, pinned := e.dir.PinSelf(n)
	if pinned {
		e.log.Info("self address pinned", zap.String("self", n))
		telemetry.Peers.Set(float64(e.dir.Len()))
	}
	return self, nil
}

func (e *Engine) Self() string { return e.dir.Self() }

// Peers returns a snapshot of the directory.
func (e *Engine) Peers() []string { return e.dir.List() }

func (e *Engine) Directory() *peers.Directory { return e.dir }

func (e *Engine) Ledger() *ledger.Ledger { return e.seen }

// Seen reports whether a message with digest d is still in the ledger.
func (e *Engine) Seen(d Digest) bool { return e.seen.Contains(d.String()) }

// Admit is the inbound side of a ping: the sender becomes (or stays) a peer.
func (e *Engine) Admit(addr string) (peers.AdmitResult, error) {
	n, err := NormalizeAddress(addr)
	if err != nil {
		return peers.Rejected, err
	}
	res := e.dir.Admit(n)
	if res == peers.Admitted {
		e.log.Info("peer admitted", zap.String("peer", n), zap.String("via", "ping"))
		telemetry.Peers.Set(float64(e.dir.Len()))
	}
	return res, nil
}

// Partition splits the addresses an operation contacted into those that
// answered and those that did not. It encodes as [[succeeded],[failed]].
type Partition struct {
	Succeeded []string
	Failed    []string
}

func (p Partition) MarshalJSON() ([]byte, error) {
	s, f := p.Succeeded, p.Failed
	if s == nil {
		s = []string{}
	}
	if f == nil {
		f = []string{}
	}
	return json.Marshal([2][]string{s, f})
}

func (p *Partition) UnmarshalJSON(b []byte) error {
	var v [2][]string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	p.Succeeded, p.Failed = v[0], v[1]
	return nil
}

// sample returns up to k elements of xs in random order. xs is not modified.
func (e *Engine) sample(xs []string, k int) []string {
	if k > len(xs) {
		k = len(xs)
	}
	out := make([]string, 0, k)
	for _, i := range e.perm(len(xs))[:k] {
		out = append(out, xs[i])
	}
	return out
}

func (e *Engine) logDelivery(_ context.Context, env Envelope) {
	e.log.Info("message delivered",
		zap.String("node", e.Self()),
		zap.Stringer("digest", env.Digest()),
		zap.ByteString("message", env.Bytes()))
}

func (e *Engine) peerFailed(addr string, err error) {
	if e.dir.ReportFailure(addr) {
		e.log.Info("peer evicted", zap.String("peer", addr), zap.Error(err))
		telemetry.EvictionsTotal.Inc()
		telemetry.Peers.Set(float64(e.dir.Len()))
		return
	}
	left, _ := e.dir.Liveness(addr)
	e.log.Debug("peer contact failed", zap.String("peer", addr), zap.Int("liveness", left), zap.Error(err))
}
