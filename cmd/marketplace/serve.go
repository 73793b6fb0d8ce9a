package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"marketplace/pkg/analysis"
	"marketplace/pkg/catalog"
	"marketplace/pkg/config"
	"marketplace/pkg/console"
	"marketplace/pkg/coordinator"
	"marketplace/pkg/ingest"
	"marketplace/pkg/metrics"
	"marketplace/pkg/protocol"
	"marketplace/pkg/storage"
	"marketplace/pkg/transport"
	"marketplace/pkg/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var (
		address     string
		port        int
		httpPort    int
		codec       string
		imageDir    string
		withConsole bool
		keepFirst   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long: `Start the UDP coordinator. When an HTTP port is set it also accepts
image submissions on POST /image and serves /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("address") {
				cfg.Server.Address = address
			}
			if flags.Changed("port") {
				cfg.Server.Port = port
			}
			if flags.Changed("http-port") {
				cfg.Server.HTTPPort = httpPort
			}
			if flags.Changed("codec") {
				cfg.Server.Codec = codec
			}
			if flags.Changed("image-dir") {
				cfg.Storage.ImageDir = imageDir
			}
			if flags.Changed("console") {
				cfg.Server.Console = withConsole
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := setupLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			defer logger.Sync()

			policy := catalog.LastWriteWins
			if keepFirst {
				policy = catalog.KeepFirst
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, stop, cfg, policy, logger)
		},
	}

	cmd.Flags().StringVar(&address, "address", "0.0.0.0", "UDP bind address")
	cmd.Flags().IntVarP(&port, "port", "p", 41234, "UDP bind port")
	cmd.Flags().IntVar(&httpPort, "http-port", 8080, "image ingestion and metrics port, 0 disables")
	cmd.Flags().StringVar(&codec, "codec", protocol.JSONCodecName, "wire codec: json or cbor")
	cmd.Flags().StringVar(&imageDir, "image-dir", "./data/images", "directory for submitted images")
	cmd.Flags().BoolVar(&withConsole, "console", false, "read operator commands from stdin")
	cmd.Flags().BoolVar(&keepFirst, "keep-first-topic", false, "ignore republished topics instead of replacing them")

	return cmd
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *config.Config, policy catalog.RepublishPolicy, logger *zap.Logger) error {
	codec, err := protocol.NewCodec(cfg.Server.Codec)
	if err != nil {
		return err
	}
	m := metrics.New(nil)

	udp := transport.NewUDP(transport.UDPConfig{
		Address:            cfg.Server.Address,
		Port:               cfg.Server.Port,
		MaxRestartInterval: cfg.Server.MaxRestartInterval,
	}, logger, transport.WithRestartNotify(func(error) { m.TransportRestarts.Inc() }))

	opts := []coordinator.Option{coordinator.WithMetrics(m)}
	var ingestCfg ingest.Config
	if cfg.Server.HTTPPort > 0 {
		var ingestOpts []coordinator.Option
		ingestCfg, ingestOpts, err = ingestion(cfg, logger)
		if err != nil {
			return err
		}
		opts = append(opts, ingestOpts...)
	}

	coord, err := coordinator.New(coordinator.Config{
		Capacity:        cfg.Server.Capacity,
		Codec:           codec,
		RepublishPolicy: policy,
	}, udp, logger, opts...)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	logger.Info("Starting coordinator",
		zap.String("address", cfg.Server.Address),
		zap.Int("port", cfg.Server.Port),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.String("codec", codec.Name()),
		zap.Int("capacity", cfg.Server.Capacity))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return udp.Serve(gctx, coord) })
	if cfg.Server.HTTPPort > 0 {
		server := ingest.New(ingestCfg, coord, m, logger)
		g.Go(func() error { return server.Serve(gctx) })
	}
	if cfg.Server.Console {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-udp.Ready():
			}
			return runConsole(gctx, stop, console.New(coord, os.Stdout, logger), os.Stdin, logger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Coordinator stopped")
	return nil
}

// ingestion builds the HTTP server settings and the coordinator options for
// image storage and classification.
func ingestion(cfg *config.Config, logger *zap.Logger) (ingest.Config, []coordinator.Option, error) {
	maxImage, err := cfg.Storage.MaxImageBytes()
	if err != nil {
		return ingest.Config{}, nil, err
	}
	store, err := storage.NewImageStore(cfg.Storage.ImageDir, maxImage, logger)
	if err != nil {
		return ingest.Config{}, nil, fmt.Errorf("failed to open image store: %w", err)
	}
	opts := []coordinator.Option{coordinator.WithImageStore(store)}

	if cfg.Classifier.URL != "" {
		opts = append(opts, coordinator.WithClassifier(analysis.NewHTTPClassifier(analysis.HTTPConfig{
			URL:        cfg.Classifier.URL,
			Timeout:    cfg.Classifier.Timeout,
			MaxElapsed: cfg.Classifier.MaxElapsed,
		}, logger)))
	}

	var maxBody int64
	if maxImage > 0 {
		// base64 inflates by 4/3; leave room for the id and JSON framing.
		maxBody = maxImage*4/3 + 4*utils.KiB
	}
	logger.Info("Image ingestion enabled",
		zap.String("image_dir", store.Dir()),
		zap.String("max_image_size", utils.FormatDataSize(maxImage)))

	return ingest.Config{
		Address:      cfg.Server.Address,
		Port:         cfg.Server.HTTPPort,
		QueueSize:    cfg.Storage.QueueSize,
		Workers:      cfg.Storage.Workers,
		MaxBodyBytes: maxBody,
	}, opts, nil
}

// runConsole shuts the server down when the operator quits. EOF on in only
// ends the console, so a detached stdin leaves the server running.
func runConsole(ctx context.Context, stop context.CancelFunc, c *console.Console, in io.Reader, logger *zap.Logger) error {
	err := c.Run(ctx, in)
	switch {
	case errors.Is(err, console.ErrQuit):
		logger.Info("Operator quit, shutting down")
		stop()
		return nil
	case err == nil:
		logger.Info("Console input closed, server keeps running")
	}
	return err
}
