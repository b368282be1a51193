package submq

// SubscriptionRecord (the spec's ClientSub) identifies one subscription.
//
// Equality and the subscriber-set key are defined over (ClientID, Filter,
// ShareGroup) only — QoS and CleanSession do not participate, so a
// re-subscribe with a different QoS replaces the prior record in place rather
// than adding a second entry.
type SubscriptionRecord struct {
	ClientID     string
	QoS          uint8
	Filter       string
	CleanSession bool
	ShareGroup   string
}

// Key returns the (ClientID, Filter, ShareGroup) identity used to locate this
// record within a filter's subscriber set.
func (r SubscriptionRecord) Key() RecordKey {
	return RecordKey{ClientID: r.ClientID, Filter: r.Filter, ShareGroup: r.ShareGroup}
}

// RecordKey is the identity triple a subscriber set is keyed by.
type RecordKey struct {
	ClientID   string
	Filter     string
	ShareGroup string
}

// subKey returns the durable hash field this record occupies.
func (r SubscriptionRecord) subKey() string {
	return SubKey(r.ClientID, r.ShareGroup)
}

// validate checks the record's fields in isolation, without touching any
// index state. It is the single entry-point validation both Subscribe and
// the cluster-inbound path run before mutating anything (§7 invalid input).
func (r SubscriptionRecord) validate() error {
	if err := ValidateClientID(r.ClientID); err != nil {
		return err
	}
	if err := ValidateFilter(r.Filter); err != nil {
		return err
	}
	if r.QoS > 2 {
		return &ValidationError{Field: "QoS", Reason: "must be 0, 1, or 2"}
	}
	return nil
}
