package submq

import (
	"context"

	"github.com/nats-io/nats.go"
)

// Compile-time check that NatsClusterBus implements ClusterBus.
var _ ClusterBus = (*NatsClusterBus)(nil)

// NatsClusterBus implements ClusterBus on top of NATS core pub/sub. It does
// not use a queue group: every broker subscribes independently so that every
// broker receives every event (gossip, not work distribution).
type NatsClusterBus struct {
	nc *nats.Conn
}

// NewNatsClusterBus wraps an already-connected NATS client.
//
// Example:
//
//	nc, err := nats.Connect(nats.DefaultURL)
//	bus := submq.NewNatsClusterBus(nc)
//	svc, err := submq.NewSubscriptionService(submq.Config{ClusterBus: bus})
func NewNatsClusterBus(nc *nats.Conn) *NatsClusterBus {
	return &NatsClusterBus{nc: nc}
}

// Publish sends payload on channel. NATS Publish is inherently
// fire-and-forget; ctx is honored only insofar as it is already cancelled.
func (b *NatsClusterBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.nc.Publish(channel, payload)
}

// Subscribe registers handler on channel via a NATS core subscription.
func (b *NatsClusterBus) Subscribe(channel string, handler func(payload []byte)) (func(), error) {
	sub, err := b.nc.Subscribe(channel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		_ = sub.Unsubscribe()
	}, nil
}
