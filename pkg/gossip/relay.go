package gossip

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/rumord/internal/telemetry"
)

// Relay disseminates env. A message whose digest is already in the ledger is
// dropped and an empty list returned. Otherwise the digest is recorded, the
// message delivered locally, and forwarded to at most Fanout peers chosen at
// random. Each outcome updates that peer's liveness. The result lists the
// peers that accepted the message.
//
// When ctx carries a deadline, as for a relay received from another node,
// each forward is bounded by a share of the time left so that this node
// answers its caller before the caller gives up on it.
func (e *Engine) Relay(ctx context.Context, env Envelope) []string {
	d := env.Digest()
	if e.seen.Observe(d.String()) {
		telemetry.RelayTotal.WithLabelValues("duplicate").Inc()
		e.log.Debug("duplicate message dropped", zap.Stringer("digest", d))
		return []string{}
	}
	telemetry.RelayTotal.WithLabelValues("novel").Inc()
	telemetry.LedgerEntries.Set(float64(e.seen.Len()))

	timeout := e.hopTimeout(ctx)
	ctx = context.WithoutCancel(ctx)
	e.deliver(ctx, env)

	if timeout < minHopTimeout {
		e.log.Debug("relay budget exhausted, not forwarding", zap.Stringer("digest", d), zap.Duration("budget", timeout))
		return []string{}
	}

	targets := e.sample(e.dir.List(), e.cfg.Fanout)
	ok := make([]bool, len(targets))

	var g errgroup.Group
	for i, peer := range targets {
		g.Go(func() error {
			ok[i] = e.relayTo(ctx, peer, env, timeout)
			return nil
		})
	}
	_ = g.Wait()

	relayed := make([]string, 0, len(targets))
	for i, peer := range targets {
		if ok[i] {
			relayed = append(relayed, peer)
		}
	}
	e.log.Debug("message relayed",
		zap.Stringer("digest", d),
		zap.Int("targets", len(targets)),
		zap.Strings("relayed", relayed))
	return relayed
}

// Forwards get hopShareNum/hopShareDen of the caller's remaining wait and are
// skipped when that drops below minHopTimeout.
const (
	hopShareNum   = 3
	hopShareDen   = 4
	minHopTimeout = 10 * time.Millisecond
)

func (e *Engine) hopTimeout(ctx context.Context) time.Duration {
	timeout := e.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl) * hopShareNum / hopShareDen; left < timeout {
			timeout = left
		}
	}
	return timeout
}

func (e *Engine) relayTo(ctx context.Context, peer string, env Envelope, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.tx.Relay(ctx, peer, env); err != nil {
		telemetry.RelayAttempts.WithLabelValues("fail").Inc()
		e.peerFailed(peer, err)
		return false
	}
	telemetry.RelayAttempts.WithLabelValues("ok").Inc()
	e.dir.ReportSuccess(peer)
	return true
}
