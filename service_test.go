package submq

import (
	"context"
	"sync"
	"testing"
)

// fakeDurableStore is an in-memory DurableStore used by tests that need a
// durable backing without a live Redis instance.
type fakeDurableStore struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
}

func newFakeDurableStore() *fakeDurableStore {
	return &fakeDurableStore{
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
	}
}

func (f *fakeDurableStore) HashPut(ctx context.Context, key, field, value string) Future {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	h[field] = value
	return completedFuture(nil)
}

func (f *fakeDurableStore) HashRemove(ctx context.Context, key, field string) Future {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hashes[key], field)
	return completedFuture(nil)
}

func (f *fakeDurableStore) HashEntries(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeDurableStore) SetAdd(ctx context.Context, key, member string) Future {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sets[key]
	if !ok {
		s = make(map[string]struct{})
		f.sets[key] = s
	}
	s[member] = struct{}{}
	return completedFuture(nil)
}

func (f *fakeDurableStore) SetRemove(ctx context.Context, key string, members ...string) Future {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.sets[key], m)
	}
	return completedFuture(nil)
}

func (f *fakeDurableStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeDurableStore) Delete(ctx context.Context, key string) Future {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hashes, key)
	delete(f.sets, key)
	return completedFuture(nil)
}

func newTestService(t *testing.T, opts ...Option) *SubscriptionService {
	t.Helper()
	svc, err := NewSubscriptionService(Config{DurableStore: newFakeDurableStore()}, opts...)
	if err != nil {
		t.Fatalf("NewSubscriptionService: %v", err)
	}
	return svc
}

func recordClientIDs(recs []SubscriptionRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ClientID
	}
	return out
}

// Scenario 1: concrete single-subscriber.
func TestScenarioConcreteSingleSubscriber(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if err := svc.Subscribe(ctx, SubscriptionRecord{ClientID: "c1", QoS: 1, Filter: "a/b", CleanSession: true}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subs, err := svc.SearchSubscribers(ctx, "a/b")
	if err != nil {
		t.Fatalf("SearchSubscribers: %v", err)
	}
	if got := recordClientIDs(subs); len(got) != 1 || got[0] != "c1" {
		t.Errorf("SearchSubscribers(a/b) = %v, want [c1]", got)
	}

	subs, err = svc.SearchSubscribers(ctx, "a/c")
	if err != nil {
		t.Fatalf("SearchSubscribers: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("SearchSubscribers(a/c) = %v, want []", subs)
	}
}

// Scenario 2: single-level wildcard.
func TestScenarioPlusWildcard(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if err := svc.Subscribe(ctx, SubscriptionRecord{ClientID: "c1", Filter: "a/+/c", CleanSession: true}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for topic, want := range map[string]int{"a/b/c": 1, "a/b/d": 0, "a/b/c/d": 0} {
		subs, err := svc.SearchSubscribers(ctx, topic)
		if err != nil {
			t.Fatalf("SearchSubscribers(%q): %v", topic, err)
		}
		if len(subs) != want {
			t.Errorf("SearchSubscribers(%q) = %d subs, want %d", topic, len(subs), want)
		}
	}
}

// Scenario 3: multi-level wildcard.
func TestScenarioHashWildcard(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if err := svc.Subscribe(ctx, SubscriptionRecord{ClientID: "c1", Filter: "a/#", CleanSession: true}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for topic, want := range map[string]int{"a": 1, "a/b/c": 1, "b": 0} {
		subs, err := svc.SearchSubscribers(ctx, topic)
		if err != nil {
			t.Fatalf("SearchSubscribers(%q): %v", topic, err)
		}
		if len(subs) != want {
			t.Errorf("SearchSubscribers(%q) = %d subs, want %d", topic, len(subs), want)
		}
	}
}

// Scenario 4: shared subscriptions.
func TestScenarioSharedSubscription(t *testing.T) {
	ctx := context.Background()
	store := newFakeDurableStore()
	svc, err := NewSubscriptionService(Config{DurableStore: store})
	if err != nil {
		t.Fatalf("NewSubscriptionService: %v", err)
	}

	if err := svc.Subscribe(ctx, SubscriptionRecord{ClientID: "c1", QoS: 1, Filter: "x/y", ShareGroup: "g"}); err != nil {
		t.Fatalf("Subscribe c1: %v", err)
	}
	if err := svc.Subscribe(ctx, SubscriptionRecord{ClientID: "c2", QoS: 1, Filter: "x/y", ShareGroup: "g"}); err != nil {
		t.Fatalf("Subscribe c2: %v", err)
	}

	subs, err := svc.SearchSubscribers(ctx, "x/y")
	if err != nil {
		t.Fatalf("SearchSubscribers: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 shared subscribers, got %d: %+v", len(subs), subs)
	}
	for _, r := range subs {
		if r.ShareGroup != "g" {
			t.Errorf("expected ShareGroup=g, got %q", r.ShareGroup)
		}
	}

	entries, err := store.HashEntries(ctx, "submq:topic:x/y")
	if err != nil {
		t.Fatalf("HashEntries: %v", err)
	}
	if _, ok := entries["c1<!>g"]; !ok {
		t.Errorf("expected field c1<!>g in durable hash, got %+v", entries)
	}
	if _, ok := entries["c2<!>g"]; !ok {
		t.Errorf("expected field c2<!>g in durable hash, got %+v", entries)
	}
}

// Scenario 5: QoS upgrade in place.
func TestScenarioQoSUpgrade(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if err := svc.Subscribe(ctx, SubscriptionRecord{ClientID: "c1", QoS: 0, Filter: "a", CleanSession: true}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := svc.Subscribe(ctx, SubscriptionRecord{ClientID: "c1", QoS: 2, Filter: "a", CleanSession: true}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subs, err := svc.SearchSubscribers(ctx, "a")
	if err != nil {
		t.Fatalf("SearchSubscribers: %v", err)
	}
	if len(subs) != 1 || subs[0].QoS != 2 {
		t.Errorf("expected exactly one record with QoS=2, got %+v", subs)
	}
}

// Scenario 6: cluster propagation.
func TestScenarioClusterPropagation(t *testing.T) {
	ctx := context.Background()
	bus := newLoopbackBus(JSONCodec{})

	b1, err := NewSubscriptionService(Config{BrokerID: "b1", ClusterBus: bus})
	if err != nil {
		t.Fatalf("NewSubscriptionService b1: %v", err)
	}
	b2, err := NewSubscriptionService(Config{BrokerID: "b2", ClusterBus: bus})
	if err != nil {
		t.Fatalf("NewSubscriptionService b2: %v", err)
	}

	if err := b1.Subscribe(ctx, SubscriptionRecord{ClientID: "c1", QoS: 1, Filter: "t", CleanSession: true}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subs, err := b2.SearchSubscribers(ctx, "t")
	if err != nil {
		t.Fatalf("SearchSubscribers: %v", err)
	}
	if got := recordClientIDs(subs); len(got) != 1 || got[0] != "c1" {
		t.Errorf("b2.SearchSubscribers(t) = %v, want [c1]", got)
	}

	b1Subs, err := b1.SearchSubscribers(ctx, "t")
	if err != nil {
		t.Fatalf("SearchSubscribers: %v", err)
	}
	if len(b1Subs) != 1 {
		t.Errorf("b1 should still see its own subscription once, got %+v", b1Subs)
	}
}

// Shared subscriptions propagated across the cluster must arrive unwrapped:
// the wire form carries Filter as "$share/<group>/<filter>" (wireTopic), and
// the receiving broker must unwrap it back to (Filter, ShareGroup) before
// mirroring it into its ephemeral tier, or SearchSubscribers on the bare
// filter will never find it.
func TestScenarioClusterPropagationSharedSubscription(t *testing.T) {
	ctx := context.Background()
	bus := newLoopbackBus(JSONCodec{})

	b1, err := NewSubscriptionService(Config{BrokerID: "b1", ClusterBus: bus})
	if err != nil {
		t.Fatalf("NewSubscriptionService b1: %v", err)
	}
	b2, err := NewSubscriptionService(Config{BrokerID: "b2", ClusterBus: bus})
	if err != nil {
		t.Fatalf("NewSubscriptionService b2: %v", err)
	}

	if err := b1.Subscribe(ctx, SubscriptionRecord{ClientID: "c1", QoS: 1, Filter: "x/y", CleanSession: true, ShareGroup: "g"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	subs, err := b2.SearchSubscribers(ctx, "x/y")
	if err != nil {
		t.Fatalf("SearchSubscribers: %v", err)
	}
	if len(subs) != 1 || subs[0].ClientID != "c1" || subs[0].ShareGroup != "g" {
		t.Errorf("b2.SearchSubscribers(x/y) = %+v, want one record for c1 in group g", subs)
	}

	// The filter must be stored unwrapped, never as the literal wire string.
	if wrapped, err := b2.SearchSubscribers(ctx, "$share/g/x/y"); err != nil || len(wrapped) != 0 {
		t.Errorf("b2 should not index the wrapped wire filter, got %+v (err=%v)", wrapped, err)
	}
}

// Scenario 7: unauthorized sweep.
func TestScenarioClearUnauthorized(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	for _, filter := range []string{"a", "b/+", "c/#"} {
		if err := svc.Subscribe(ctx, SubscriptionRecord{ClientID: "c1", Filter: filter, CleanSession: true}); err != nil {
			t.Fatalf("Subscribe %q: %v", filter, err)
		}
	}

	if err := svc.ClearUnauthorized(ctx, "c1", []string{"a"}); err != nil {
		t.Fatalf("ClearUnauthorized: %v", err)
	}

	for topic, want := range map[string]int{"a": 1, "b/x": 0, "c/x/y": 0} {
		subs, err := svc.SearchSubscribers(ctx, topic)
		if err != nil {
			t.Fatalf("SearchSubscribers(%q): %v", topic, err)
		}
		if len(subs) != want {
			t.Errorf("SearchSubscribers(%q) = %d, want %d", topic, len(subs), want)
		}
	}
}

// Scenario 8: cold-start reload.
func TestScenarioColdStartReload(t *testing.T) {
	ctx := context.Background()
	store := newFakeDurableStore()

	seed, err := NewSubscriptionService(Config{DurableStore: store})
	if err != nil {
		t.Fatalf("NewSubscriptionService (seed): %v", err)
	}
	if err := seed.Subscribe(ctx, SubscriptionRecord{ClientID: "c1", QoS: 1, Filter: "a/b", CleanSession: false}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := seed.Subscribe(ctx, SubscriptionRecord{ClientID: "c2", QoS: 0, Filter: "a/+", CleanSession: false}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	svc, err := NewSubscriptionService(Config{DurableStore: store, InnerCacheEnabled: true})
	if err != nil {
		t.Fatalf("NewSubscriptionService (reload): %v", err)
	}

	subs := svc.index.SearchDurableCache("a/b")
	if len(subs) != 2 {
		t.Fatalf("expected both filters to match a/b after reload, got %+v", subs)
	}
}

func TestClientIDValidationRejectsSeparator(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	err := svc.Subscribe(ctx, SubscriptionRecord{ClientID: "c1" + SubKeySeparator + "x", Filter: "a", CleanSession: true})
	if err == nil {
		t.Fatal("expected validation error for clientID containing separator")
	}
}

func TestClearClientSubscriptionsRemovesSharedMembership(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	if err := svc.Subscribe(ctx, SubscriptionRecord{ClientID: "c1", Filter: "x/y", ShareGroup: "g"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := svc.Subscribe(ctx, SubscriptionRecord{ClientID: "c1", Filter: "a/b", CleanSession: true}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := svc.ClearClientSubscriptions(ctx, "c1", false); err != nil {
		t.Fatalf("ClearClientSubscriptions(durable): %v", err)
	}
	if err := svc.ClearClientSubscriptions(ctx, "c1", true); err != nil {
		t.Fatalf("ClearClientSubscriptions(ephemeral): %v", err)
	}

	subs, err := svc.SearchSubscribers(ctx, "x/y")
	if err != nil {
		t.Fatalf("SearchSubscribers: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("expected no subscribers left for x/y, got %+v", subs)
	}
	subs, err = svc.SearchSubscribers(ctx, "a/b")
	if err != nil {
		t.Fatalf("SearchSubscribers: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("expected no subscribers left for a/b, got %+v", subs)
	}
}

func TestSystemTopicSubscriptions(t *testing.T) {
	svc := newTestService(t)

	if err := svc.SubscribeSys(SubscriptionRecord{ClientID: "monitor", Filter: "$SYS/+"}); err != nil {
		t.Fatalf("SubscribeSys: %v", err)
	}

	subs := svc.SearchSysSubscribers("$SYS/uptime")
	if len(subs) != 1 || subs[0].ClientID != "monitor" {
		t.Errorf("SearchSysSubscribers = %+v, want [monitor]", subs)
	}

	svc.ClearClientSys("monitor")
	if subs := svc.SearchSysSubscribers("$SYS/uptime"); len(subs) != 0 {
		t.Errorf("expected no sys subscribers after ClearClientSys, got %+v", subs)
	}
}

func TestUnsubscribeThenResubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	rec := SubscriptionRecord{ClientID: "c1", Filter: "a/b", CleanSession: true}
	if err := svc.Subscribe(ctx, rec); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := svc.Unsubscribe(ctx, "c1", true, []string{"a/b"}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	subs, err := svc.SearchSubscribers(ctx, "a/b")
	if err != nil {
		t.Fatalf("SearchSubscribers: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("expected no subscribers after unsubscribe, got %+v", subs)
	}
	if filters := svc.index.ClientFilters("c1"); len(filters) != 0 {
		t.Errorf("expected clientToFilters to be empty, got %v", filters)
	}
}
