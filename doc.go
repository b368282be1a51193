// Package submq implements the subscription index of a clustered MQTT broker:
// the data structure and protocol that maps every inbound PUBLISH topic to the
// set of clients that should receive it.
//
// # Scope
//
// submq owns topic-filter matching (including MQTT 5 shared subscriptions),
// the dual ephemeral/durable subscriber tiers, the in-process read-accelerator
// cache that mirrors the durable tier, the cluster sub/unsub gossip contract,
// and system-topic ($SYS/...) subscriptions. It deliberately does not decode
// MQTT packets, manage client sessions or keepalives, track QoS 1/2 publish
// flight, or authenticate clients — those are external collaborators.
//
// # Quick start
//
// A single-node, ephemeral-only service needs no durable store or cluster bus:
//
//	svc, err := submq.NewSubscriptionService(submq.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	err = svc.Subscribe(ctx, submq.SubscriptionRecord{
//	    ClientID:     "sensor-1",
//	    Filter:       "sensors/+/temperature",
//	    QoS:          1,
//	    CleanSession: true,
//	})
//
//	subs, err := svc.SearchSubscribers(ctx, "sensors/kitchen/temperature")
//
// # Clustering
//
// Pass a DurableStore and a ClusterBus to run the service as one broker in a
// cluster. Durable (CleanSession=false) subscriptions are written through to
// the store and gossiped to peers; peers apply the gossip to their local
// caches only, never back to the store (see ApplyClusterEvent).
//
//	svc, err := submq.NewSubscriptionService(submq.Config{
//	    InnerCacheEnabled: true,
//	    DurableStore:      submq.NewRedisDurableStore(redisClient),
//	    ClusterBus:        submq.NewNatsClusterBus(natsConn),
//	    Codec:             submq.MsgpackCodec{},
//	    Logger:            slog.Default(),
//	})
package submq
