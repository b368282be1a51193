package submq

import "context"

// ClusterChannel is the fixed gossip channel every broker publishes
// subscribe/unsubscribe events on and subscribes to at startup.
const ClusterChannel = "sub/unsub"

// ClusterBus is the transport a SubscriptionService uses to gossip
// subscribe/unsubscribe events to the rest of the cluster. Publish is
// fire-and-forget: a transport failure is logged by the caller and never
// surfaced to the original Subscribe/Unsubscribe caller (§7 cluster-broadcast
// failure).
type ClusterBus interface {
	// Publish sends payload on channel. Implementations should not block
	// indefinitely; respect ctx cancellation.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers handler to be called with the payload of every
	// message received on channel. The returned unsubscribe func detaches
	// the handler; it is safe to call more than once.
	Subscribe(channel string, handler func(payload []byte)) (unsubscribe func(), err error)
}
