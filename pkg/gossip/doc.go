// Package gossip implements epidemic message dissemination for rumord. It
// owns the three peer-facing algorithms of a node: joining peers by probing
// candidate addresses (Bootstrap), flooding novel messages to a bounded random
// subset of peers (Relay), and discovering new peers through the peer lists
// of existing ones (Exchange).
//
// The engine talks to other nodes only through the Transport interface, so
// tests run whole networks in process with a fake transport or httptest
// servers.
//
// Typical usage:
//
//	dir := peers.NewDirectory(3)
//	seen := ledger.New(ledger.DefaultCapacity, ledger.DefaultTTL)
//	e := gossip.New(gossip.Config{Self: "http://10.0.0.1:6969"}, tx, dir, seen)
//	res, _ := e.Bootstrap(ctx, []string{"http://10.0.0.2:6969"})
//	relayed := e.Relay(ctx, env)
package gossip
