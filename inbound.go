package submq

import (
	"context"
	"fmt"
)

// apply decodes a cluster envelope and mirrors it into the local index. It
// never writes to the durable store and never re-broadcasts. Events
// originating from this broker (matching brokerID) are dropped as loopback.
func (s *SubscriptionService) apply(ctx context.Context, data []byte, brokerID string) error {
	env, err := s.cfg.Codec.Decode(data)
	if err != nil {
		s.cfg.Logger.Warn("submq: dropping malformed cluster event", "error", err)
		s.metrics.ClusterEventsDropped.WithLabelValues("decode_error").Inc()
		return &ClusterEventError{Reason: "decode failed", Parent: err}
	}

	if env.BrokerID == brokerID {
		return nil
	}

	switch env.Data.Type {
	case ClusterEventSubscribe:
		filter, shareGroup, err := unwrapTopic(env.Data.Filter)
		if err != nil {
			s.cfg.Logger.Warn("submq: dropping inbound subscribe with malformed filter", "error", err)
			s.metrics.ClusterEventsDropped.WithLabelValues("invalid_record").Inc()
			return &ClusterEventError{Reason: "malformed shared filter", Parent: err}
		}
		rec := SubscriptionRecord{
			ClientID:     env.Data.ClientID,
			QoS:          env.Data.QoS,
			Filter:       filter,
			CleanSession: env.Data.CleanSession,
			ShareGroup:   shareGroup,
		}
		if err := rec.validate(); err != nil {
			s.cfg.Logger.Warn("submq: dropping invalid inbound subscribe", "error", err)
			s.metrics.ClusterEventsDropped.WithLabelValues("invalid_record").Inc()
			return &ClusterEventError{Reason: "invalid subscribe record", Parent: err}
		}
		if rec.CleanSession {
			s.index.PutEphemeral(rec)
		} else if s.cfg.InnerCacheEnabled {
			s.index.PutDurableCache(rec)
		}
		s.metrics.ClusterEventsApplied.WithLabelValues(string(ClusterEventSubscribe)).Inc()
		return nil

	case ClusterEventUnsubscribe:
		if err := s.unsubscribe(ctx, env.Data.ClientID, env.Data.CleanSession, env.Data.Topics, true); err != nil {
			s.cfg.Logger.Warn("submq: applying inbound unsubscribe", "error", err)
			s.metrics.ClusterEventsDropped.WithLabelValues("apply_error").Inc()
			return err
		}
		s.metrics.ClusterEventsApplied.WithLabelValues(string(ClusterEventUnsubscribe)).Inc()
		return nil

	default:
		s.cfg.Logger.Warn("submq: dropping cluster event of unknown type", "type", env.Data.Type)
		s.metrics.ClusterEventsDropped.WithLabelValues("unknown_type").Inc()
		return &ClusterEventError{Reason: fmt.Sprintf("unknown type %q", env.Data.Type), Parent: ErrUnknownClusterEvent}
	}
}
