package gossip

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/rumord/internal/telemetry"
	"github.com/ryandielhenn/rumord/pkg/peers"
)

// Bootstrap pings every candidate with this node's address and admits the
// ones that answer. Candidates are normalized and deduplicated first; the
// returned lists follow input order. A failed probe of an already known peer
// costs it one unit of liveness. Only structurally invalid input is an error.
func (e *Engine) Bootstrap(ctx context.Context, candidates []string) (Partition, error) {
	self := e.Self()
	if self == "" {
		return Partition{}, ErrSelfUnknown
	}
	addrs, err := NormalizeAll(candidates)
	if err != nil {
		return Partition{}, err
	}

	ok := e.probeAll(context.WithoutCancel(ctx), self, addrs, "bootstrap")
	res := partition(addrs, ok)
	e.log.Info("bootstrap finished",
		zap.Strings("succeeded", res.Succeeded),
		zap.Strings("failed", res.Failed))
	return res, nil
}

// probeAll pings addrs concurrently, at most MaxInFlight at a time, and
// reports per-index success.
func (e *Engine) probeAll(ctx context.Context, self string, addrs []string, source string) []bool {
	ok := make([]bool, len(addrs))
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxInFlight)
	for i, addr := range addrs {
		g.Go(func() error {
			ok[i] = e.probe(ctx, self, addr, source)
			return nil
		})
	}
	_ = g.Wait()
	return ok
}

func (e *Engine) probe(ctx context.Context, self, addr, source string) bool {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	if err := e.tx.Ping(ctx, addr, self); err != nil {
		telemetry.ProbesTotal.WithLabelValues(source, "fail").Inc()
		if source == "bootstrap" {
			e.peerFailed(addr, err)
		} else {
			e.log.Debug("probe failed", zap.String("peer", addr), zap.String("source", source), zap.Error(err))
		}
		return false
	}
	telemetry.ProbesTotal.WithLabelValues(source, "ok").Inc()

	switch e.dir.Admit(addr) {
	case peers.Admitted:
		e.log.Info("peer admitted", zap.String("peer", addr), zap.String("via", source))
		telemetry.Peers.Set(float64(e.dir.Len()))
	case peers.Rejected:
		e.log.Debug("probe reached own address", zap.String("peer", addr))
	}
	return true
}

func partition(addrs []string, ok []bool) Partition {
	res := Partition{Succeeded: []string{}, Failed: []string{}}
	for i, a := range addrs {
		if ok[i] {
			res.Succeeded = append(res.Succeeded, a)
		} else {
			res.Failed = append(res.Failed, a)
		}
	}
	return res
}
