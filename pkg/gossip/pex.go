package gossip

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Exchange runs one peer exchange round: it asks up to Sample random peers
// for their peer lists, takes up to Sample random addresses from each reply,
// and probes every address that is new to this node. Failing list requests
// are ignored and never cost a peer liveness.
func (e *Engine) Exchange(ctx context.Context) (Partition, error) {
	self := e.Self()
	if self == "" {
		return Partition{}, ErrSelfUnknown
	}
	ctx = context.WithoutCancel(ctx)

	queried := e.sample(e.dir.List(), e.cfg.Sample)
	replies := make([][]string, len(queried))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxInFlight)
	for i, peer := range queried {
		g.Go(func() error {
			replies[i] = e.listPeers(ctx, peer)
			return nil
		})
	}
	_ = g.Wait()

	candidates := e.candidates(self, replies)
	ok := e.probeAll(ctx, self, candidates, "pex")
	res := partition(candidates, ok)
	e.log.Info("peer exchange finished",
		zap.Strings("queried", queried),
		zap.Strings("admitted", res.Succeeded),
		zap.Strings("failed", res.Failed))
	return res, nil
}

func (e *Engine) listPeers(ctx context.Context, peer string) []string {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	list, err := e.tx.ListPeers(ctx, peer)
	if err != nil {
		e.log.Debug("peer list request failed", zap.String("peer", peer), zap.Error(err))
		return nil
	}
	return list
}

// candidates picks the addresses worth probing from the collected replies:
// valid, not self, not already a peer, and not picked earlier in this round.
func (e *Engine) candidates(self string, replies [][]string) []string {
	var out []string
	picked := make(map[string]struct{})
	for _, reply := range replies {
		for _, raw := range e.sample(reply, e.cfg.Sample) {
			addr, err := NormalizeAddress(raw)
			if err != nil {
				e.log.Warn("ignoring malformed peer address", zap.String("addr", raw), zap.Error(err))
				continue
			}
			if addr == self || e.dir.Contains(addr) {
				continue
			}
			if _, ok := picked[addr]; ok {
				continue
			}
			picked[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}
