// Package client implements a marketplace participant: it announces itself
// to the coordinator on an interval and hands every message it receives to
// a callback.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace/pkg/protocol"
	"marketplace/pkg/transport"
	"marketplace/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultPingInterval = 500 * time.Millisecond

// MessageFunc receives each decoded inbound message.
type MessageFunc func(msg protocol.Message, from types.Endpoint)

type Config struct {
	ID     types.ParticipantID
	Role   types.Role
	Server types.Endpoint
	// Address and Port are the local bind; zero values pick an ephemeral port.
	Address      string
	Port         int
	PingInterval time.Duration
	Codec        protocol.Codec
}

type Client struct {
	cfg       Config
	udp       *transport.UDP
	onMessage MessageFunc
	logger    *zap.Logger
}

func New(cfg Config, onMessage MessageFunc, logger *zap.Logger) (*Client, error) {
	if cfg.ID == "" {
		return nil, errors.New("participant id is required")
	}
	if !cfg.Server.IsValid() {
		return nil, errors.New("server endpoint is required")
	}
	if _, err := pingFor(cfg.Role, cfg.ID); err != nil {
		return nil, err
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSONCodec{}
	}
	if onMessage == nil {
		onMessage = func(protocol.Message, types.Endpoint) {}
	}

	logger = logger.With(
		zap.String("role", string(cfg.Role)),
		zap.String("participant_id", string(cfg.ID)))
	return &Client{
		cfg:       cfg,
		udp:       transport.NewUDP(transport.UDPConfig{Address: cfg.Address, Port: cfg.Port}, logger),
		onMessage: onMessage,
		logger:    logger,
	}, nil
}

// Ready is closed once the local socket is bound.
func (c *Client) Ready() <-chan struct{} { return c.udp.Ready() }

func (c *Client) ID() types.ParticipantID { return c.cfg.ID }

// Run binds the local socket and pings the coordinator until ctx is
// cancelled. The first ping goes out as soon as the socket is ready.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.udp.Serve(gctx, transport.HandlerFunc(c.handleDatagram))
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-c.udp.Ready():
		}
		ping, _ := pingFor(c.cfg.Role, c.cfg.ID)
		ticker := time.NewTicker(c.cfg.PingInterval)
		defer ticker.Stop()
		for {
			if err := c.Send(ping); err != nil {
				c.logger.Warn("Ping failed", zap.Error(err))
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

// Send encodes msg and writes it to the coordinator.
func (c *Client) Send(msg protocol.Message) error {
	payload, err := c.cfg.Codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}
	return c.udp.Send(c.cfg.Server, payload)
}

// AcceptTopic tells the coordinator this contributor takes up title.
func (c *Client) AcceptTopic(title types.TopicTitle) error {
	return c.Send(protocol.TopicAccept{ID: c.cfg.ID, Title: title})
}

// AcceptOffer confirms an offer; channel is what viewers switch to.
func (c *Client) AcceptOffer(channel string) error {
	return c.Send(protocol.OfferAccept{ID: channel})
}

func (c *Client) PublishTopic(topic types.Topic) error {
	return c.Send(protocol.TopicFromTypes(topic))
}

// SendOffer asks the coordinator to route offer to contributor.
func (c *Client) SendOffer(offer types.Offer, contributor types.ParticipantID) error {
	return c.Send(protocol.OfferFromTypes(offer, contributor))
}

func (c *Client) ChangeChannel(channel string) error {
	return c.Send(protocol.ChannelChange{Channel: channel})
}

func (c *Client) handleDatagram(payload []byte, from types.Endpoint) {
	msg, err := c.cfg.Codec.Decode(payload)
	if err != nil {
		c.logger.Warn("Dropping undecodable datagram",
			zap.String("from", from.String()),
			zap.Error(err))
		return
	}
	c.logger.Debug("Received", zap.String("message_type", string(msg.Kind())))
	c.onMessage(msg, from)
}

func pingFor(role types.Role, id types.ParticipantID) (protocol.Message, error) {
	switch role {
	case types.RoleContributor:
		return protocol.Ping{ID: id}, nil
	case types.RoleProducer:
		return protocol.ProducerPing{ID: id}, nil
	case types.RoleViewer:
		return protocol.ViewerPing{ID: id}, nil
	}
	return nil, fmt.Errorf("unknown role %q", role)
}
