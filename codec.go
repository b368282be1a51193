package submq

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// ClusterEventType identifies the kind of change a ClusterEnvelope carries.
type ClusterEventType string

const (
	ClusterEventSubscribe   ClusterEventType = "sub"
	ClusterEventUnsubscribe ClusterEventType = "unsub"
)

// ClientSubOrUnsubMsg is the payload of a cluster gossip event: either a
// single subscribe (ClientID/QoS/Filter/CleanSession populated) or a batch
// unsubscribe (ClientID/CleanSession/Topics populated). A shared
// subscription carries its group on Filter/Topics in $share/<group>/<filter>
// wire form (§6), the same form the MQTT SUBSCRIBE/UNSUBSCRIBE packets use,
// so there is no separate wire field for it.
type ClientSubOrUnsubMsg struct {
	Type         ClusterEventType `json:"type" msgpack:"type"`
	ClientID     string           `json:"clientId" msgpack:"clientId"`
	QoS          uint8            `json:"qos,omitempty" msgpack:"qos,omitempty"`
	Filter       string           `json:"filter,omitempty" msgpack:"filter,omitempty"`
	CleanSession bool             `json:"cleanSession" msgpack:"cleanSession"`
	Topics       []string         `json:"topics,omitempty" msgpack:"topics,omitempty"`
}

// ClusterEnvelope wraps a ClientSubOrUnsubMsg with the metadata every
// receiving broker needs: when the event happened and which broker produced
// it, so the producer can filter out its own broadcasts (§6).
type ClusterEnvelope struct {
	Data      ClientSubOrUnsubMsg `json:"data" msgpack:"data"`
	Timestamp int64               `json:"timestamp" msgpack:"timestamp"`
	BrokerID  string              `json:"brokerId" msgpack:"brokerId"`
}

// Codec encodes and decodes ClusterEnvelope values for transport over the
// ClusterBus. Two concrete codecs are provided: JSONCodec (human-readable,
// interoperable) and MsgpackCodec (compact binary).
type Codec interface {
	Encode(env ClusterEnvelope) ([]byte, error)
	Decode(data []byte) (ClusterEnvelope, error)
}

// JSONCodec encodes cluster envelopes with encoding/json.
type JSONCodec struct{}

func (JSONCodec) Encode(env ClusterEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSONCodec) Decode(data []byte) (ClusterEnvelope, error) {
	var env ClusterEnvelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// MsgpackCodec encodes cluster envelopes with msgpack, trading
// human-readability for a smaller wire payload.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(env ClusterEnvelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func (MsgpackCodec) Decode(data []byte) (ClusterEnvelope, error) {
	var env ClusterEnvelope
	err := msgpack.Unmarshal(data, &env)
	return env, err
}
