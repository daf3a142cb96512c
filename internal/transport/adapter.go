// Package transport implements the peer transport adapter (C9): the
// narrow send/receive/gossip capability every other component depends on
// without knowing which concrete networking stack is behind it. The default
// implementation (libp2p.go) is grounded on the teacher's core/network.go
// host/pubsub/mDNS pattern; feed.go adds an ambient local introspection
// feed over gorilla/websocket.
package transport

import (
	"context"
	"time"

	"github.com/rg-network/node/pkg/types"
)

// Adapter is the capability C9 exposes to the rest of the core.
type Adapter interface {
	// Send dispatches req to one peer and returns its response, or an error
	// if the peer is unreachable within timeout.
	Send(ctx context.Context, peer types.PeerNodeInfo, req *types.Request, timeout time.Duration) (*types.Response, error)

	// Gossip publishes req on the topic appropriate to its payload (e.g. a
	// GossipTransaction is published to the transaction topic) without
	// waiting for delivery confirmation.
	Gossip(ctx context.Context, req *types.Request) error

	// SetHandler registers the function invoked for every inbound Request this
	// adapter receives, whether by direct stream or by pubsub delivery.
	SetHandler(fn func(ctx context.Context, from types.PeerNodeInfo, req *types.Request) *types.Response)

	Close() error
}
