package submq

import "testing"

func TestLoadConfigYAML(t *testing.T) {
	data := []byte(`
filterSetKey: "custom:filters"
topicPrefix: "custom:topic:"
clientTopicsPrefix: "custom:client:"
innerCacheEnabled: true
brokerId: "broker-7"
`)

	cfg, err := LoadConfigYAML(data)
	if err != nil {
		t.Fatalf("LoadConfigYAML: %v", err)
	}
	if cfg.FilterSetKey != "custom:filters" {
		t.Errorf("FilterSetKey = %q, want custom:filters", cfg.FilterSetKey)
	}
	if cfg.TopicPrefix != "custom:topic:" {
		t.Errorf("TopicPrefix = %q, want custom:topic:", cfg.TopicPrefix)
	}
	if cfg.ClientTopicsPrefix != "custom:client:" {
		t.Errorf("ClientTopicsPrefix = %q, want custom:client:", cfg.ClientTopicsPrefix)
	}
	if !cfg.InnerCacheEnabled {
		t.Error("InnerCacheEnabled = false, want true")
	}
	if cfg.BrokerID != "broker-7" {
		t.Errorf("BrokerID = %q, want broker-7", cfg.BrokerID)
	}
	if cfg.Logger == nil {
		t.Error("Logger should default to a discarding logger, got nil")
	}
	if cfg.Codec == nil {
		t.Error("Codec should default to JSONCodec, got nil")
	}
}

func TestLoadConfigYAMLDefaults(t *testing.T) {
	cfg, err := LoadConfigYAML([]byte(``))
	if err != nil {
		t.Fatalf("LoadConfigYAML: %v", err)
	}
	d := defaultConfig()
	if cfg.FilterSetKey != d.FilterSetKey {
		t.Errorf("FilterSetKey = %q, want default %q", cfg.FilterSetKey, d.FilterSetKey)
	}
	if cfg.TopicPrefix != d.TopicPrefix {
		t.Errorf("TopicPrefix = %q, want default %q", cfg.TopicPrefix, d.TopicPrefix)
	}
	if cfg.InnerCacheEnabled {
		t.Error("InnerCacheEnabled should default to false")
	}
	if cfg.BrokerID == "" {
		t.Error("BrokerID should default to a generated xid, got empty")
	}
}

func TestLoadConfigYAMLMalformed(t *testing.T) {
	if _, err := LoadConfigYAML([]byte("not: [valid yaml")); err == nil {
		t.Error("expected an error decoding malformed YAML, got nil")
	}
}
