package coordinator

import (
	"errors"
	"fmt"

	"marketplace/pkg/metrics"
	"marketplace/pkg/protocol"
	"marketplace/pkg/types"

	"go.uber.org/zap"
)

// HandleDatagram implements transport.Handler. Decode failures and routing
// failures are logged and counted; nothing a participant sends can take the
// coordinator down.
func (c *Coordinator) HandleDatagram(payload []byte, from types.Endpoint) {
	msg, err := c.codec.Decode(payload)
	if err != nil {
		reason := metrics.ReasonMalformed
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = metrics.ReasonUnknownType
		}
		c.metrics.MessagesDropped.WithLabelValues(reason).Inc()
		c.logger.Warn("Dropping undecodable message",
			zap.String("endpoint", from.String()),
			zap.Int("size", len(payload)),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dispatch(msg, from, payload); err != nil {
		c.logDispatchError(msg, from, err)
	}
}

// Dispatch routes an already decoded message as if it had arrived from
// endpoint from.
func (c *Coordinator) Dispatch(msg protocol.Message, from types.Endpoint) error {
	if msg == nil {
		c.metrics.MessagesDropped.WithLabelValues(metrics.ReasonUnknownType).Inc()
		return fmt.Errorf("nil message: %w", protocol.ErrUnknownType)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.dispatch(msg, from, nil)
	if err != nil {
		c.logDispatchError(msg, from, err)
	}
	return err
}

func (c *Coordinator) logDispatchError(msg protocol.Message, from types.Endpoint, err error) {
	reason := metrics.ReasonSendFailed
	switch {
	case errors.Is(err, ErrTargetMissing):
		reason = metrics.ReasonTargetMissing
	case errors.Is(err, ErrNotAccepted):
		reason = metrics.ReasonNotAccepted
	case errors.Is(err, protocol.ErrUnknownType):
		reason = metrics.ReasonUnknownType
	}
	c.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	c.logger.Warn("Message not routed",
		zap.String("message_type", string(msg.Kind())),
		zap.String("endpoint", from.String()),
		zap.String("reason", reason),
		zap.Error(err))
}

// dispatch is the routing table. raw, when set, is the datagram msg was
// decoded from. Callers hold c.mu.
func (c *Coordinator) dispatch(msg protocol.Message, from types.Endpoint, raw []byte) error {
	c.metrics.MessagesReceived.WithLabelValues(string(msg.Kind())).Inc()
	defer c.observeSizes()

	switch m := msg.(type) {
	case protocol.Ping:
		c.onPing(m, from)
		return nil
	case protocol.ProducerPing:
		c.onJoin(c.producers.TouchOrCreate(m.ID, from))
		return nil
	case protocol.ViewerPing:
		c.onJoin(c.viewers.TouchOrCreate(m.ID, from))
		return nil
	case protocol.Topic:
		c.publishTopic(m.TypesTopic())
		return nil
	case protocol.TopicAccept:
		return c.onTopicAccept(m)
	case protocol.Offer:
		_, err := c.recordOffer(m.TypesOffer(), m.ID)
		return err
	case protocol.OfferAccept:
		c.broadcast(c.viewers, protocol.ChannelChange{Channel: m.ID})
		return nil
	case protocol.ChannelChange:
		if raw != nil {
			c.broadcastPayload(c.viewers, m.Kind(), raw)
		} else {
			c.broadcast(c.viewers, m)
		}
		return nil
	case protocol.Stop:
		return c.stop(m.ID)
	case protocol.StreamMetadata:
		return fmt.Errorf("%s: %w", m.Kind(), ErrNotAccepted)
	default:
		return fmt.Errorf("%T: %w", msg, protocol.ErrUnknownType)
	}
}

func (c *Coordinator) onPing(m protocol.Ping, from types.Endpoint) {
	p, isNew := c.contributors.TouchOrCreate(m.ID, from)
	if !isNew {
		c.logger.Debug("Ping",
			zap.String("participant_id", string(p.ID)),
			zap.String("endpoint", from.String()))
		return
	}

	topics := c.topics.All()
	c.logger.Info("New contributor",
		zap.String("participant_id", string(p.ID)),
		zap.String("endpoint", from.String()),
		zap.Int("topics", len(topics)))
	for _, t := range topics {
		if err := c.unicast(p, protocol.TopicFromTypes(t)); err != nil {
			c.logger.Warn("Failed to send topic to new contributor",
				zap.String("participant_id", string(p.ID)),
				zap.String("title", string(t.Title)),
				zap.Error(err))
		}
	}
}

// onJoin onboards producers and viewers. They receive nothing until the next
// broadcast aimed at their role.
func (c *Coordinator) onJoin(p types.Participant, isNew bool) {
	if !isNew {
		return
	}
	c.logger.Info("New participant",
		zap.String("role", string(p.Role)),
		zap.String("participant_id", string(p.ID)),
		zap.String("endpoint", p.Endpoint.String()))
}

func (c *Coordinator) publishTopic(topic types.Topic) types.Topic {
	if topic.Title == "" {
		topic.Title = types.TopicTitle(c.placeholderTitle)
	}
	stored := c.topics.Publish(topic)
	sent := c.broadcast(c.contributors, protocol.TopicFromTypes(stored))
	c.logger.Info("Topic published",
		zap.String("title", string(stored.Title)),
		zap.Int("contributors", sent))
	return stored
}

// onTopicAccept forwards a contributor's acceptance to every producer. The
// contributor is resolved by the id it sends, not by its source address.
func (c *Coordinator) onTopicAccept(m protocol.TopicAccept) error {
	contributor, ok := c.contributors.Get(m.ID)
	if !ok {
		return fmt.Errorf("topic-accept from %q: %w", m.ID, ErrTargetMissing)
	}
	sent := c.broadcast(c.producers, m)
	c.logger.Info("Topic accepted",
		zap.String("participant_id", string(contributor.ID)),
		zap.String("title", string(m.Title)),
		zap.Int("producers", sent))
	return nil
}

func (c *Coordinator) recordOffer(offer types.Offer, contributorID types.ParticipantID) (types.Offer, error) {
	stored, err := c.offers.RecordAndTarget(offer, contributorID)
	if err != nil {
		return stored, err
	}
	c.logger.Info("Offer sent",
		zap.String("offer", string(stored.Key())),
		zap.String("participant_id", string(contributorID)))
	return stored, nil
}

func (c *Coordinator) stop(contributorID types.ParticipantID) error {
	contributor, ok := c.contributors.Get(contributorID)
	if !ok {
		return fmt.Errorf("stop for %q: %w", contributorID, ErrTargetMissing)
	}
	if err := c.unicast(contributor, protocol.Stop{ID: contributorID}); err != nil {
		return err
	}
	c.logger.Info("Stop sent", zap.String("participant_id", string(contributorID)))
	return nil
}
