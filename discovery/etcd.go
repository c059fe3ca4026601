// Package discovery finds seed peers through etcd. Each node registers its
// reachable address under a leased key; other nodes read the prefix at
// startup and watch it for newcomers.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// NodeKey is the registry key for node id under prefix.
func NodeKey(prefix, id string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + id
}

// RegisterNode stores addr under the node's key with a lease of ttl seconds
// and keeps the lease alive until the returned cancel is called.
func RegisterNode(ctx context.Context, cli *clientv3.Client, prefix, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, err
	}
	if _, err := cli.Put(ctx, NodeKey(prefix, id), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, err
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// Addrs returns the addresses registered under prefix, excluding self.
func Addrs(ctx context.Context, cli *clientv3.Client, prefix, self string) ([]string, error) {
	resp, err := cli.Get(ctx, strings.TrimSuffix(prefix, "/")+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	var out []string
	for _, kv := range resp.Kvs {
		if a := string(kv.Value); a != "" && a != self {
			out = append(out, a)
		}
	}
	return out, nil
}

// WatchPeers calls fn with the address of every node registering under
// prefix after the watch starts. It returns when ctx is done.
func WatchPeers(ctx context.Context, cli *clientv3.Client, prefix, self string, log *zap.Logger, fn func(addr string)) {
	wch := cli.Watch(ctx, strings.TrimSuffix(prefix, "/")+"/", clientv3.WithPrefix())
	for resp := range wch {
		if err := resp.Err(); err != nil {
			log.Warn("registry watch error", zap.Error(err))
			continue
		}
		for _, ev := range resp.Events {
			if ev.Type != mvccpb.PUT || ev.Kv == nil {
				continue
			}
			// lease refreshes do not rewrite the key; a put is a (re)registration
			if a := string(ev.Kv.Value); a != "" && a != self {
				fn(a)
			}
		}
	}
}
