package submq

import (
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration for a SubscriptionService.
type Config struct {
	// FilterSetKey is the durable-store key of the set holding every
	// currently-populated durable filter (used by cold-start reload to
	// enumerate them).
	FilterSetKey string

	// TopicPrefix is the durable-store key prefix under which each
	// filter's subscriber hash lives: TopicPrefix+filter.
	TopicPrefix string

	// ClientTopicsPrefix is the durable-store key prefix under which each
	// client's set of owned durable filters lives: ClientTopicsPrefix+clientID.
	ClientTopicsPrefix string

	// InnerCacheEnabled mirrors durable writes/cluster events into the
	// in-process durable-cache tier so SearchSubscribers can serve durable
	// subscribers without a round trip to the store.
	InnerCacheEnabled bool

	// BrokerID identifies this broker in outgoing cluster envelopes, so
	// ApplyClusterEvent can filter out this broker's own broadcasts.
	// Defaults to a freshly generated xid if left empty.
	BrokerID string

	// Logger receives structured log records for durable-store failures,
	// cluster-broadcast failures, and malformed inbound cluster events.
	// Defaults to a discarding logger.
	Logger *slog.Logger

	// Codec encodes/decodes ClusterEnvelope payloads. Defaults to JSONCodec.
	Codec Codec

	// DurableStore backs cleanSession=false subscriptions. Required for any
	// Subscribe/Unsubscribe call with CleanSession=false; operations return
	// ErrNoDurableStore if nil.
	DurableStore DurableStore

	// ClusterBus gossips subscribe/unsubscribe events to the rest of the
	// cluster. Optional; if nil, the service runs standalone and
	// ApplyClusterEvent always returns ErrNotClustered.
	ClusterBus ClusterBus

	// Registerer receives this service's Metrics collectors. Defaults to a
	// fresh, private prometheus.Registry so multiple services in one
	// process never collide on metric names.
	Registerer prometheus.Registerer
}

// Option is a functional option for configuring a SubscriptionService.
type Option func(*Config)

// WithFilterSetKey sets the durable-store set key that enumerates every
// populated durable filter.
func WithFilterSetKey(key string) Option {
	return func(c *Config) { c.FilterSetKey = key }
}

// WithTopicPrefix sets the durable-store hash-key prefix for subscriber
// sets, one hash per filter.
func WithTopicPrefix(prefix string) Option {
	return func(c *Config) { c.TopicPrefix = prefix }
}

// WithClientTopicsPrefix sets the durable-store set-key prefix for a
// client's owned durable filters.
func WithClientTopicsPrefix(prefix string) Option {
	return func(c *Config) { c.ClientTopicsPrefix = prefix }
}

// WithInnerCache enables or disables the in-process durable-cache tier.
func WithInnerCache(enabled bool) Option {
	return func(c *Config) { c.InnerCacheEnabled = enabled }
}

// WithBrokerID overrides the generated broker identifier.
func WithBrokerID(id string) Option {
	return func(c *Config) { c.BrokerID = id }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithCodec sets the cluster-envelope codec.
func WithCodec(codec Codec) Option {
	return func(c *Config) { c.Codec = codec }
}

// WithDurableStore sets the durable-store backing.
func WithDurableStore(store DurableStore) Option {
	return func(c *Config) { c.DurableStore = store }
}

// WithClusterBus sets the cluster gossip transport.
func WithClusterBus(bus ClusterBus) Option {
	return func(c *Config) { c.ClusterBus = bus }
}

// WithRegisterer sets the Prometheus registerer metrics are published to.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = reg }
}

// defaultConfig returns the baseline configuration applied before opts and
// any fields explicitly set on the Config passed to NewSubscriptionService.
func defaultConfig() Config {
	return Config{
		FilterSetKey:       "submq:filters",
		TopicPrefix:        "submq:topic:",
		ClientTopicsPrefix: "submq:client:",
		InnerCacheEnabled:  false,
		BrokerID:           xid.New().String(),
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Codec:              JSONCodec{},
	}
}

// LoadConfigYAML decodes static, non-collaborator fields (every field except
// Logger/Codec/DurableStore/ClusterBus/Registerer, which are Go values wired in code,
// not config files) from YAML bytes, layered on top of defaultConfig. The
// caller still attaches DurableStore/ClusterBus/Logger/Codec/Registerer via
// Option before calling NewSubscriptionService.
func LoadConfigYAML(data []byte) (Config, error) {
	var raw struct {
		FilterSetKey       string `yaml:"filterSetKey"`
		TopicPrefix        string `yaml:"topicPrefix"`
		ClientTopicsPrefix string `yaml:"clientTopicsPrefix"`
		InnerCacheEnabled  bool   `yaml:"innerCacheEnabled"`
		BrokerID           string `yaml:"brokerId"`
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, err
	}
	if raw.FilterSetKey != "" {
		cfg.FilterSetKey = raw.FilterSetKey
	}
	if raw.TopicPrefix != "" {
		cfg.TopicPrefix = raw.TopicPrefix
	}
	if raw.ClientTopicsPrefix != "" {
		cfg.ClientTopicsPrefix = raw.ClientTopicsPrefix
	}
	cfg.InnerCacheEnabled = raw.InnerCacheEnabled
	if raw.BrokerID != "" {
		cfg.BrokerID = raw.BrokerID
	}
	return cfg, nil
}

// applyDefaults fills any zero-valued field of c from defaultConfig, so
// callers constructing Config{DurableStore: store} by literal don't have to
// repeat the baseline.
func applyDefaults(c Config) Config {
	d := defaultConfig()
	if c.FilterSetKey == "" {
		c.FilterSetKey = d.FilterSetKey
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = d.TopicPrefix
	}
	if c.ClientTopicsPrefix == "" {
		c.ClientTopicsPrefix = d.ClientTopicsPrefix
	}
	if c.BrokerID == "" {
		c.BrokerID = d.BrokerID
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	if c.Codec == nil {
		c.Codec = d.Codec
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	return c
}
