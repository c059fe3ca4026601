package gossip

import "context"

// Transport carries the engine's outbound calls to other nodes. Any non-nil
// error counts as a failed contact; the engine does not distinguish refused
// connections, timeouts and rejections.
type Transport interface {
	// Ping announces self to peer.
	Ping(ctx context.Context, peer, self string) error
	// Relay forwards env to peer unchanged.
	Relay(ctx context.Context, peer string, env Envelope) error
	// ListPeers fetches peer's current directory listing.
	ListPeers(ctx context.Context, peer string) ([]string, error)
}

// DeliverFunc hands a novel message to the local application. It is called
// exactly once per digest, before the message is forwarded.
type DeliverFunc func(ctx context.Context, env Envelope)
