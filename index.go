package submq

import (
	"sync"

	"github.com/im7mortal/kmutex"
)

// stringSet is a concurrent set of strings backed by sync.Map, giving
// lock-free adds/removes/iteration at the cost of weakly-consistent snapshots
// (acceptable per §5: a publish cycle may miss a just-added filter or include
// a just-removed one).
type stringSet struct {
	m sync.Map
}

func (s *stringSet) add(v string)      { s.m.Store(v, struct{}{}) }
func (s *stringSet) remove(v string)   { s.m.Delete(v) }
func (s *stringSet) has(v string) bool { _, ok := s.m.Load(v); return ok }

func (s *stringSet) each(fn func(string)) {
	s.m.Range(func(k, _ any) bool {
		fn(k.(string))
		return true
	})
}

func (s *stringSet) members() []string {
	var out []string
	s.each(func(v string) { out = append(out, v) })
	return out
}

// subBucket holds every SubscriptionRecord registered under one filter,
// keyed by subKey(clientID, shareGroup) so that a re-subscribe with a new QoS
// replaces the existing record (invariant 5) instead of duplicating it.
type subBucket struct {
	mu      sync.RWMutex
	records map[string]*SubscriptionRecord
}

func newSubBucket() *subBucket {
	return &subBucket{records: make(map[string]*SubscriptionRecord)}
}

func (b *subBucket) put(rec SubscriptionRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := rec
	b.records[rec.subKey()] = &r
}

func (b *subBucket) remove(subKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, subKey)
}

func (b *subBucket) removeClient(clientID string) (removedGroups []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, rec := range b.records {
		if rec.ClientID == clientID {
			delete(b.records, key)
			removedGroups = append(removedGroups, rec.ShareGroup)
		}
	}
	return removedGroups
}

func (b *subBucket) empty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records) == 0
}

func (b *subBucket) snapshot() []SubscriptionRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]SubscriptionRecord, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, *r)
	}
	return out
}

// tier is one of the three parallel filter tables described in §3: a
// wildcard-filter set, a concrete-filter set, and the filter -> subscribers
// map. Ephemeral and durable-cache tiers are each one of these; the
// system-topic tier reuses it too (always scanned as if every filter were a
// wildcard, per §4.4).
type tier struct {
	wildcard stringSet
	concrete stringSet
	buckets  sync.Map // filter -> *subBucket
}

func (t *tier) bucket(filter string, createIfMissing bool) *subBucket {
	if v, ok := t.buckets.Load(filter); ok {
		return v.(*subBucket)
	}
	if !createIfMissing {
		return nil
	}
	b := newSubBucket()
	actual, _ := t.buckets.LoadOrStore(filter, b)
	return actual.(*subBucket)
}

// put inserts rec, creating the filter's bucket and classifying the filter
// into the wildcard or concrete set on first use (invariants 1 and 2).
func (t *tier) put(rec SubscriptionRecord) {
	b := t.bucket(rec.Filter, true)
	b.put(rec)
	if IsWildcard(rec.Filter) {
		t.wildcard.add(rec.Filter)
	} else {
		t.concrete.add(rec.Filter)
	}
}

// removeEntry deletes the (clientID, shareGroup) entry from filter's bucket
// and, if the bucket is now empty, drops the filter from whichever set it
// belongs to. It reports whether the filter's bucket became empty, so callers
// can additionally clean up durable-store / clientToFilters state.
func (t *tier) removeEntry(filter, subKey string) (bucketEmptied bool) {
	b := t.bucket(filter, false)
	if b == nil {
		return false
	}
	b.remove(subKey)
	if b.empty() {
		t.wildcard.remove(filter)
		t.concrete.remove(filter)
		return true
	}
	return false
}

// removeClient deletes every entry belonging to clientID from filter's
// bucket, regardless of share group (§9 decision 2 — shared-subscription
// cleanup does not need the group to find its entries).
func (t *tier) removeClient(filter, clientID string) (removedGroups []string, bucketEmptied bool) {
	b := t.bucket(filter, false)
	if b == nil {
		return nil, false
	}
	removedGroups = b.removeClient(clientID)
	if b.empty() {
		t.wildcard.remove(filter)
		t.concrete.remove(filter)
		bucketEmptied = true
	}
	return removedGroups, bucketEmptied
}

func (t *tier) searchWildcard(topic string, out []SubscriptionRecord) []SubscriptionRecord {
	t.wildcard.each(func(filter string) {
		if Match(filter, topic) {
			if b := t.bucket(filter, false); b != nil {
				out = append(out, b.snapshot()...)
			}
		}
	})
	return out
}

func (t *tier) searchConcrete(topic string, out []SubscriptionRecord) []SubscriptionRecord {
	if t.concrete.has(topic) {
		if b := t.bucket(topic, false); b != nil {
			out = append(out, b.snapshot()...)
		}
	}
	return out
}

// filters returns every filter currently populated in the tier.
func (t *tier) filters() []string {
	return append(t.wildcard.members(), t.concrete.members()...)
}

// InMemoryIndex is the in-process acceleration structure described in §3: an
// ephemeral tier for cleanSession=true subscribers, a durable-cache tier that
// mirrors the external store when the inner cache is enabled, and a
// system-topic tier for $SYS subscriptions.
type InMemoryIndex struct {
	ephemeral    tier
	durableCache tier
	sys          tier

	// clientToFilters is ephemeral-only (invariant 3); the durable tier's
	// client->filters relation is authoritative in the external store.
	clientToFilters sync.Map // clientID -> *stringSet

	// locks serializes the lookup-then-replace sequence a QoS-changing
	// re-subscribe needs (§9: "equality by triple, not tuple"), keyed by
	// "<tier>\x00<filter>" so unrelated filters never contend.
	locks *kmutex.Kmutex
}

// NewInMemoryIndex constructs an empty index.
func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{locks: kmutex.New()}
}

func (idx *InMemoryIndex) clientFilterSet(clientID string, create bool) *stringSet {
	if v, ok := idx.clientToFilters.Load(clientID); ok {
		return v.(*stringSet)
	}
	if !create {
		return nil
	}
	s := &stringSet{}
	actual, _ := idx.clientToFilters.LoadOrStore(clientID, s)
	return actual.(*stringSet)
}

func lockKey(tierName, filter string) string {
	return tierName + "\x00" + filter
}

// PutEphemeral inserts rec into the ephemeral tier and records the filter
// against the client's filter set.
func (idx *InMemoryIndex) PutEphemeral(rec SubscriptionRecord) {
	key := lockKey("ephemeral", rec.Filter)
	idx.locks.Lock(key)
	defer idx.locks.Unlock(key)

	idx.ephemeral.put(rec)
	idx.clientFilterSet(rec.ClientID, true).add(rec.Filter)
}

// RemoveEphemeral removes the (clientID, filter, shareGroup) entry from the
// ephemeral tier.
func (idx *InMemoryIndex) RemoveEphemeral(clientID, filter, shareGroup string) {
	key := lockKey("ephemeral", filter)
	idx.locks.Lock(key)
	defer idx.locks.Unlock(key)

	idx.ephemeral.removeEntry(filter, SubKey(clientID, shareGroup))

	if cf := idx.clientFilterSet(clientID, false); cf != nil {
		stillHeld := false
		if b := idx.ephemeral.bucket(filter, false); b != nil {
			for _, r := range b.snapshot() {
				if r.ClientID == clientID {
					stillHeld = true
					break
				}
			}
		}
		if !stillHeld {
			cf.remove(filter)
		}
	}
}

// ClientFilters returns (and clears ownership tracking is the caller's job,
// not this method's) the set of filters clientID currently holds in the
// ephemeral tier.
func (idx *InMemoryIndex) ClientFilters(clientID string) []string {
	cf := idx.clientFilterSet(clientID, false)
	if cf == nil {
		return nil
	}
	return cf.members()
}

// DropClientFilterSet removes the clientToFilters entry entirely, as done at
// the start of ClearClientSubscriptions (§4.2: "remove and take ownership").
func (idx *InMemoryIndex) DropClientFilterSet(clientID string) {
	idx.clientToFilters.Delete(clientID)
}

// RemoveEphemeralClient removes every entry for clientID from filter's
// ephemeral bucket, across all share groups (§9 decision 2).
func (idx *InMemoryIndex) RemoveEphemeralClient(clientID, filter string) {
	key := lockKey("ephemeral", filter)
	idx.locks.Lock(key)
	defer idx.locks.Unlock(key)
	idx.ephemeral.removeClient(filter, clientID)
}

// PutDurableCache mirrors a durable subscribe into the durable-cache tier.
// Never touches the ephemeral tier or the external store.
func (idx *InMemoryIndex) PutDurableCache(rec SubscriptionRecord) {
	key := lockKey("durable", rec.Filter)
	idx.locks.Lock(key)
	defer idx.locks.Unlock(key)
	idx.durableCache.put(rec)
}

// RemoveDurableCache mirrors a durable unsubscribe into the durable-cache
// tier and reports whether the filter's bucket became empty (callers use
// this to decide whether to also drop the filter from the external
// filterSet, which they must not do for fromCluster=true per §9).
func (idx *InMemoryIndex) RemoveDurableCache(clientID, filter, shareGroup string) (bucketEmptied bool) {
	key := lockKey("durable", filter)
	idx.locks.Lock(key)
	defer idx.locks.Unlock(key)
	return idx.durableCache.removeEntry(filter, SubKey(clientID, shareGroup))
}

// RemoveDurableCacheClient mirrors a client-wide durable removal into the
// cache, across all share groups.
func (idx *InMemoryIndex) RemoveDurableCacheClient(clientID, filter string) (bucketEmptied bool) {
	key := lockKey("durable", filter)
	idx.locks.Lock(key)
	defer idx.locks.Unlock(key)
	_, bucketEmptied = idx.durableCache.removeClient(filter, clientID)
	return bucketEmptied
}

// PutSys inserts a system-topic subscription. Not durable, not clustered.
func (idx *InMemoryIndex) PutSys(rec SubscriptionRecord) {
	idx.sys.put(rec)
}

// RemoveSys removes a system-topic subscription.
func (idx *InMemoryIndex) RemoveSys(clientID, filter, shareGroup string) {
	idx.sys.removeEntry(filter, SubKey(clientID, shareGroup))
}

// RemoveSysClient removes every system-topic subscription for clientID.
func (idx *InMemoryIndex) RemoveSysClient(clientID string) {
	for _, filter := range idx.sys.filters() {
		idx.sys.removeClient(filter, clientID)
	}
}

// SearchEphemeral returns every ephemeral-tier record whose filter matches topic.
func (idx *InMemoryIndex) SearchEphemeral(topic string) []SubscriptionRecord {
	var out []SubscriptionRecord
	out = idx.ephemeral.searchConcrete(topic, out)
	out = idx.ephemeral.searchWildcard(topic, out)
	return out
}

// SearchDurableCache returns every durable-cache-tier record whose filter
// matches topic.
func (idx *InMemoryIndex) SearchDurableCache(topic string) []SubscriptionRecord {
	var out []SubscriptionRecord
	out = idx.durableCache.searchConcrete(topic, out)
	out = idx.durableCache.searchWildcard(topic, out)
	return out
}

// SearchSys returns every system-topic record whose filter matches topic. All
// sys filters are scanned as potentially wildcard, per §4.4.
func (idx *InMemoryIndex) SearchSys(topic string) []SubscriptionRecord {
	var out []SubscriptionRecord
	for _, filter := range idx.sys.filters() {
		if Match(filter, topic) {
			if b := idx.sys.bucket(filter, false); b != nil {
				out = append(out, b.snapshot()...)
			}
		}
	}
	return out
}

// WildcardAndConcreteFilters returns the union of filters populated in both
// the ephemeral and durable-cache tiers, used by ClearUnauthorized to sweep
// every tier for filters outside the authorized set.
func (idx *InMemoryIndex) WildcardAndConcreteFilters() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, f := range idx.ephemeral.filters() {
		if _, ok := seen[f]; !ok {
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	for _, f := range idx.durableCache.filters() {
		if _, ok := seen[f]; !ok {
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}
