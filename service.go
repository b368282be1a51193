package submq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// SubscriptionService orchestrates subscribe/unsubscribe, the fan-out query,
// cache coherence with the durable store, cluster broadcast, cold-start
// reload, and system-topic handling.
type SubscriptionService struct {
	cfg     Config
	index   *InMemoryIndex
	metrics *Metrics

	busUnsubscribe func()
}

// NewSubscriptionService builds a SubscriptionService from cfg, applying opts
// on top of it and filling unset fields with defaults. If cfg.InnerCacheEnabled
// and a DurableStore are both set, it blocks to reload the durable-tier cache
// before returning; a non-nil error here is fatal and the caller must not
// serve traffic (§4.6).
func NewSubscriptionService(cfg Config, opts ...Option) (*SubscriptionService, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = applyDefaults(cfg)

	svc := &SubscriptionService{
		cfg:     cfg,
		index:   NewInMemoryIndex(),
		metrics: NewMetrics(cfg.Registerer),
	}

	if cfg.InnerCacheEnabled && cfg.DurableStore != nil {
		if err := svc.coldStartReload(context.Background()); err != nil {
			return nil, fmt.Errorf("submq: cold start reload: %w", err)
		}
	}

	if cfg.ClusterBus != nil {
		unsub, err := cfg.ClusterBus.Subscribe(ClusterChannel, svc.onClusterMessage)
		if err != nil {
			return nil, fmt.Errorf("submq: cluster bus subscribe: %w", err)
		}
		svc.busUnsubscribe = unsub
	}

	return svc, nil
}

// Close detaches this service from its ClusterBus, if any.
func (s *SubscriptionService) Close() {
	if s.busUnsubscribe != nil {
		s.busUnsubscribe()
	}
}

func (s *SubscriptionService) onClusterMessage(payload []byte) {
	_ = s.apply(context.Background(), payload, s.cfg.BrokerID)
}

// coldStartReload populates the durable-tier cache from the external store.
// Synchronous and blocking, per §4.6.
func (s *SubscriptionService) coldStartReload(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.ColdStartReloadSeconds.Observe(time.Since(start).Seconds())
	}()

	filters, err := s.cfg.DurableStore.SetMembers(ctx, s.cfg.FilterSetKey)
	if err != nil {
		return &DurableStoreError{Op: "reload:filterSet", Parent: err}
	}

	loaded := 0
	for _, filter := range filters {
		entries, err := s.cfg.DurableStore.HashEntries(ctx, s.cfg.TopicPrefix+filter)
		if err != nil {
			return &DurableStoreError{Op: "reload:hash:" + filter, Parent: err}
		}
		for field, qosStr := range entries {
			clientID, shareGroup := SplitSubKey(field)
			qos, err := strconv.Atoi(qosStr)
			if err != nil {
				continue
			}
			s.index.PutDurableCache(SubscriptionRecord{
				ClientID:     clientID,
				QoS:          uint8(qos),
				Filter:       filter,
				CleanSession: false,
				ShareGroup:   shareGroup,
			})
			loaded++
		}
	}

	s.metrics.ColdStartReloadFilters.Set(float64(len(filters)))
	s.cfg.Logger.Info("submq: cold start reload complete", "filters", len(filters), "records", loaded)
	return nil
}

// unwrapTopic splits a subscribe/unsubscribe topic into its unwrapped filter
// and share group, per the $share/<group>/<filter> wire format (§6).
func unwrapTopic(topic string) (filter, shareGroup string, err error) {
	if IsShared(topic) {
		return parseSharedFilter(topic)
	}
	return topic, "", nil
}

func parseSharedFilter(topic string) (filter, shareGroup string, err error) {
	group, f, err := ParseShared(topic)
	if err != nil {
		return "", "", &ValidationError{Field: "Filter", Reason: err.Error()}
	}
	return f, group, nil
}

// wireTopic re-wraps a filter and share group back into $share/<group>/<filter>
// form for cluster broadcast, so peers parse it identically (§4.2).
func wireTopic(filter, shareGroup string) string {
	if shareGroup == "" {
		return filter
	}
	return SharedPrefix + shareGroup + "/" + filter
}

// Subscribe registers rec. Completes only once durable writes, cache mirror,
// and cluster broadcast (best-effort) are done.
func (s *SubscriptionService) Subscribe(ctx context.Context, rec SubscriptionRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}

	if rec.CleanSession {
		s.index.PutEphemeral(rec)
		s.metrics.SubscribeTotal.WithLabelValues(cleanSessionLabel(true)).Inc()
		s.broadcastSubscribe(ctx, rec)
		return nil
	}

	if s.cfg.DurableStore == nil {
		return ErrNoDurableStore
	}

	filterHashKey := s.cfg.TopicPrefix + rec.Filter
	clientSetKey := s.cfg.ClientTopicsPrefix + rec.ClientID
	subKey := rec.subKey()
	qos := strconv.Itoa(int(rec.QoS))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.cfg.DurableStore.HashPut(gctx, filterHashKey, subKey, qos).Wait(gctx) })
	g.Go(func() error { return s.cfg.DurableStore.SetAdd(gctx, s.cfg.FilterSetKey, rec.Filter).Wait(gctx) })
	g.Go(func() error { return s.cfg.DurableStore.SetAdd(gctx, clientSetKey, rec.Filter).Wait(gctx) })
	if err := g.Wait(); err != nil {
		return &DurableStoreError{Op: "subscribe", Parent: err}
	}

	if s.cfg.InnerCacheEnabled {
		s.index.PutDurableCache(rec)
	}

	s.metrics.SubscribeTotal.WithLabelValues(cleanSessionLabel(false)).Inc()
	s.broadcastSubscribe(ctx, rec)
	return nil
}

func (s *SubscriptionService) broadcastSubscribe(ctx context.Context, rec SubscriptionRecord) {
	if s.cfg.ClusterBus == nil {
		return
	}
	msg := ClientSubOrUnsubMsg{
		Type:         ClusterEventSubscribe,
		ClientID:     rec.ClientID,
		QoS:          rec.QoS,
		Filter:       wireTopic(rec.Filter, rec.ShareGroup),
		CleanSession: rec.CleanSession,
	}
	s.broadcast(ctx, msg)
}

func (s *SubscriptionService) broadcast(ctx context.Context, msg ClientSubOrUnsubMsg) {
	env := ClusterEnvelope{Data: msg, Timestamp: time.Now().Unix(), BrokerID: s.cfg.BrokerID}
	payload, err := s.cfg.Codec.Encode(env)
	if err != nil {
		s.cfg.Logger.Warn("submq: encoding cluster event", "error", err)
		return
	}
	if err := s.cfg.ClusterBus.Publish(ctx, ClusterChannel, payload); err != nil {
		s.cfg.Logger.Warn("submq: publishing cluster event", "error", err)
	}
}

// Unsubscribe is the public entry point; topics may carry a $share/<group>/
// prefix per element.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, clientID string, cleanSession bool, topics []string) error {
	return s.unsubscribe(ctx, clientID, cleanSession, topics, false)
}

// unsubscribe is shared by the public Unsubscribe and the cluster-inbound
// UNSUB handler, distinguished by fromCluster (§4.2).
func (s *SubscriptionService) unsubscribe(ctx context.Context, clientID string, cleanSession bool, topics []string, fromCluster bool) error {
	if err := ValidateClientID(clientID); err != nil {
		return err
	}

	type parsed struct{ filter, shareGroup string }
	parsedTopics := make([]parsed, 0, len(topics))
	for _, topic := range topics {
		filter, group, err := unwrapTopic(topic)
		if err != nil {
			return err
		}
		parsedTopics = append(parsedTopics, parsed{filter, group})
	}

	if cleanSession {
		for _, pt := range parsedTopics {
			s.index.RemoveEphemeral(clientID, pt.filter, pt.shareGroup)
		}
		if !fromCluster {
			s.metrics.UnsubscribeTotal.WithLabelValues(cleanSessionLabel(true)).Inc()
			s.broadcastUnsubscribe(ctx, clientID, true, topics)
		}
		return nil
	}

	if fromCluster {
		for _, pt := range parsedTopics {
			s.index.RemoveDurableCache(clientID, pt.filter, pt.shareGroup)
		}
		return nil
	}

	if s.cfg.DurableStore == nil {
		return ErrNoDurableStore
	}

	clientSetKey := s.cfg.ClientTopicsPrefix + clientID
	g, gctx := errgroup.WithContext(ctx)
	for _, pt := range parsedTopics {
		pt := pt
		g.Go(func() error {
			return s.cfg.DurableStore.HashRemove(gctx, s.cfg.TopicPrefix+pt.filter, SubKey(clientID, pt.shareGroup)).Wait(gctx)
		})
	}
	if len(parsedTopics) > 0 {
		filters := make([]string, len(parsedTopics))
		for i, pt := range parsedTopics {
			filters[i] = pt.filter
		}
		g.Go(func() error { return s.cfg.DurableStore.SetRemove(gctx, clientSetKey, filters...).Wait(gctx) })
	}
	if err := g.Wait(); err != nil {
		return &DurableStoreError{Op: "unsubscribe", Parent: err}
	}

	for _, pt := range parsedTopics {
		bucketEmptied := s.index.RemoveDurableCache(clientID, pt.filter, pt.shareGroup)
		if bucketEmptied {
			_ = s.cfg.DurableStore.SetRemove(ctx, s.cfg.FilterSetKey, pt.filter)
		}
	}

	s.metrics.UnsubscribeTotal.WithLabelValues(cleanSessionLabel(false)).Inc()
	s.broadcastUnsubscribe(ctx, clientID, false, topics)
	return nil
}

func (s *SubscriptionService) broadcastUnsubscribe(ctx context.Context, clientID string, cleanSession bool, topics []string) {
	if s.cfg.ClusterBus == nil {
		return
	}
	msg := ClientSubOrUnsubMsg{
		Type:         ClusterEventUnsubscribe,
		ClientID:     clientID,
		CleanSession: cleanSession,
		Topics:       topics,
	}
	s.broadcast(ctx, msg)
}

// SearchSubscribers returns the union of matching records across every
// active tier.
func (s *SubscriptionService) SearchSubscribers(ctx context.Context, topic string) ([]SubscriptionRecord, error) {
	start := time.Now()
	defer func() {
		s.metrics.SearchSubscribersSeconds.Observe(time.Since(start).Seconds())
	}()

	out := s.index.SearchEphemeral(topic)

	if s.cfg.InnerCacheEnabled || s.cfg.DurableStore == nil {
		out = append(out, s.index.SearchDurableCache(topic)...)
		return out, nil
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}

	filters, err := s.cfg.DurableStore.SetMembers(ctx, s.cfg.FilterSetKey)
	if err != nil {
		return out, &DurableStoreError{Op: "search:filterSet", Parent: err}
	}
	for _, filter := range filters {
		if !Match(filter, topic) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		entries, err := s.cfg.DurableStore.HashEntries(ctx, s.cfg.TopicPrefix+filter)
		if err != nil {
			return out, &DurableStoreError{Op: "search:hash:" + filter, Parent: err}
		}
		for field, qosStr := range entries {
			clientID, shareGroup := SplitSubKey(field)
			qos, err := strconv.Atoi(qosStr)
			if err != nil {
				continue
			}
			out = append(out, SubscriptionRecord{
				ClientID:     clientID,
				QoS:          uint8(qos),
				Filter:       filter,
				CleanSession: false,
				ShareGroup:   shareGroup,
			})
		}
	}
	return out, nil
}

// ClearClientSubscriptions removes every subscription clientID holds in the
// named tier, sweeping shared-subscription membership across every group
// (§9 decision 2).
func (s *SubscriptionService) ClearClientSubscriptions(ctx context.Context, clientID string, cleanSession bool) error {
	if err := ValidateClientID(clientID); err != nil {
		return err
	}

	if cleanSession {
		filters := s.index.ClientFilters(clientID)
		s.index.DropClientFilterSet(clientID)
		for _, filter := range filters {
			s.index.RemoveEphemeralClient(clientID, filter)
		}
		if s.cfg.ClusterBus != nil && len(filters) > 0 {
			s.metrics.UnsubscribeTotal.WithLabelValues(cleanSessionLabel(true)).Inc()
			s.broadcastUnsubscribe(ctx, clientID, true, filters)
		}
		return nil
	}

	if s.cfg.DurableStore == nil {
		return ErrNoDurableStore
	}

	clientSetKey := s.cfg.ClientTopicsPrefix + clientID
	filters, err := s.cfg.DurableStore.SetMembers(ctx, clientSetKey)
	if err != nil {
		return &DurableStoreError{Op: "clearClient:members", Parent: err}
	}
	if err := s.cfg.DurableStore.Delete(ctx, clientSetKey).Wait(ctx); err != nil {
		return &DurableStoreError{Op: "clearClient:delete", Parent: err}
	}

	// Every subscriber-set entry whose stored key's clientId component
	// matches, across all share groups, must go (§9 decision 2) — the
	// clientSetKey alone does not record which groups this client joined.
	g, gctx := errgroup.WithContext(ctx)
	for _, filter := range filters {
		filter := filter
		g.Go(func() error {
			hashKey := s.cfg.TopicPrefix + filter
			entries, err := s.cfg.DurableStore.HashEntries(gctx, hashKey)
			if err != nil {
				return err
			}
			for field := range entries {
				fieldClientID, _ := SplitSubKey(field)
				if fieldClientID != clientID {
					continue
				}
				if err := s.cfg.DurableStore.HashRemove(gctx, hashKey, field).Wait(gctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &DurableStoreError{Op: "clearClient:hashRemove", Parent: err}
	}

	for _, filter := range filters {
		bucketEmptied := s.index.RemoveDurableCacheClient(clientID, filter)
		if bucketEmptied {
			_ = s.cfg.DurableStore.SetRemove(ctx, s.cfg.FilterSetKey, filter)
		}
	}

	if s.cfg.ClusterBus != nil && len(filters) > 0 {
		s.metrics.UnsubscribeTotal.WithLabelValues(cleanSessionLabel(false)).Inc()
		s.broadcastUnsubscribe(ctx, clientID, false, filters)
	}
	return nil
}

// ClearUnauthorized removes clientID's subscriptions on every filter
// populated in the in-memory ephemeral or durable-cache tier that is not in
// authorizedFilters. Durable subscriptions whose filter is not in the
// durable-cache tier (for example with the inner cache disabled) are not
// found by this sweep. Deliberately not deduplicated across
// tiers: both an ephemeral and a durable unsubscribe are issued against the
// same list, each emitting its own cluster broadcast (§9 decision 1).
func (s *SubscriptionService) ClearUnauthorized(ctx context.Context, clientID string, authorizedFilters []string) error {
	if err := ValidateClientID(clientID); err != nil {
		return err
	}

	authorized := make(map[string]struct{}, len(authorizedFilters))
	for _, f := range authorizedFilters {
		authorized[f] = struct{}{}
	}

	var toRemove []string
	for _, f := range s.index.WildcardAndConcreteFilters() {
		if _, ok := authorized[f]; !ok {
			toRemove = append(toRemove, f)
		}
	}
	if len(toRemove) == 0 {
		return nil
	}

	if err := s.unsubscribe(ctx, clientID, true, toRemove, false); err != nil {
		return err
	}
	if s.cfg.DurableStore != nil {
		if err := s.unsubscribe(ctx, clientID, false, toRemove, false); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeSys registers a system-topic (`$SYS/...`) subscription. Not
// durable, not clustered.
func (s *SubscriptionService) SubscribeSys(rec SubscriptionRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	s.index.PutSys(rec)
	return nil
}

// UnsubscribeSys removes system-topic subscriptions for clientID.
func (s *SubscriptionService) UnsubscribeSys(clientID string, topics []string) error {
	if err := ValidateClientID(clientID); err != nil {
		return err
	}
	for _, topic := range topics {
		filter, group, err := unwrapTopic(topic)
		if err != nil {
			return err
		}
		s.index.RemoveSys(clientID, filter, group)
	}
	return nil
}

// ClearClientSys removes every system-topic subscription for clientID.
func (s *SubscriptionService) ClearClientSys(clientID string) {
	s.index.RemoveSysClient(clientID)
}

// SearchSysSubscribers returns every system-topic record whose filter
// matches topic.
func (s *SubscriptionService) SearchSysSubscribers(topic string) []SubscriptionRecord {
	return s.index.SearchSys(topic)
}

// ApplyClusterEvent decodes and applies a peer's cluster event. Exposed
// directly so a ClusterBus whose transport layer does not already filter
// loopback can still be driven manually (e.g. in tests).
func (s *SubscriptionService) ApplyClusterEvent(ctx context.Context, data []byte) error {
	if s.cfg.ClusterBus == nil {
		return ErrNotClustered
	}
	return s.apply(ctx, data, s.cfg.BrokerID)
}
