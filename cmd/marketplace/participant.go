package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace/pkg/client"
	"marketplace/pkg/protocol"
	"marketplace/pkg/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func participantCmd(role types.Role, short string) *cobra.Command {
	var (
		id           string
		server       string
		interval     time.Duration
		codec        string
		acceptTopics bool
	)

	cmd := &cobra.Command{
		Use:   string(role),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := setupLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			defer logger.Sync()

			if id == "" {
				return fmt.Errorf("--id is required")
			}
			addr, err := net.ResolveUDPAddr("udp", server)
			if err != nil {
				return fmt.Errorf("failed to resolve server %s: %w", server, err)
			}
			wire, err := protocol.NewCodec(codec)
			if err != nil {
				return err
			}

			var c *client.Client
			onMessage := func(msg protocol.Message, _ types.Endpoint) {
				logMessage(logger, msg)
				if t, ok := msg.(protocol.Topic); ok && acceptTopics {
					if err := c.AcceptTopic(t.Title); err != nil {
						logger.Warn("Failed to accept topic", zap.Error(err))
					}
				}
			}

			c, err = client.New(client.Config{
				ID:           types.ParticipantID(id),
				Role:         role,
				Server:       types.EndpointFromUDP(addr),
				PingInterval: interval,
				Codec:        wire,
			}, onMessage, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Joining coordinator",
				zap.String("role", string(role)),
				zap.String("participant_id", id),
				zap.String("server", addr.String()))
			return c.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "participant identifier")
	cmd.Flags().StringVar(&server, "server", "127.0.0.1:41234", "coordinator UDP address")
	cmd.Flags().DurationVar(&interval, "interval", client.DefaultPingInterval, "ping interval")
	cmd.Flags().StringVar(&codec, "codec", protocol.JSONCodecName, "wire codec: json or cbor")
	if role == types.RoleContributor {
		cmd.Flags().BoolVar(&acceptTopics, "accept-topics", false, "accept every topic received")
	}

	return cmd
}

func logMessage(logger *zap.Logger, msg protocol.Message) {
	fields := []zap.Field{zap.String("message_type", string(msg.Kind()))}
	switch m := msg.(type) {
	case protocol.Offer:
		fields = append(fields, zap.String("buyer", m.Buyer), zap.String("topic", string(m.Topic)))
		if m.Amount != nil {
			fields = append(fields, zap.Float64("amount", *m.Amount), zap.String("currency", m.Currency))
		}
	case protocol.Topic:
		fields = append(fields, zap.String("title", string(m.Title)))
	case protocol.TopicAccept:
		fields = append(fields, zap.String("contributor_id", string(m.ID)), zap.String("title", string(m.Title)))
	case protocol.ChannelChange:
		fields = append(fields, zap.String("channel", m.Channel))
	case protocol.Stop:
		fields = append(fields, zap.String("contributor_id", string(m.ID)))
	case protocol.StreamMetadata:
		fields = append(fields, zap.String("submission_id", m.ID), zap.Bool("face", m.Metadata.Face))
	}
	logger.Info("Received", fields...)
}
