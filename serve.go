package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"solapay/internal/api"
	"solapay/internal/callback"
	"solapay/internal/config"
	"solapay/internal/db"
	"solapay/internal/kafka"
	"solapay/internal/ledger"
	"solapay/internal/logging"
	"solapay/internal/metrics"
	"solapay/internal/payment"
)

const shutdownTimeout = 15 * time.Second

func serveCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the payment API and the merchant callback relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configDir)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

func migrateCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(*configDir)
			if err != nil {
				return err
			}
			return db.RunMigrations(cfg.Database.ConnString(), cfg.Database.MigrationsDir)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics, logger)

	if err := db.RunMigrations(cfg.Database.ConnString(), cfg.Database.MigrationsDir); err != nil {
		return err
	}

	pool, err := db.GetPool(ctx, cfg.Database.ConnString())
	if err != nil {
		return err
	}
	defer pool.Close()

	settings, err := ledger.NewSettings(cfg.Solana)
	if err != nil {
		return err
	}
	rpcClient := ledger.NewRPCClient(cfg.Solana.RPCURL, settings.Commitment, &http.Client{
		Timeout: time.Duration(cfg.Solana.RPCTimeoutMs) * time.Millisecond,
	})

	service := payment.NewService(
		db.NewPaymentRepository(pool),
		rpcClient,
		settings,
		time.Duration(cfg.Solana.Confirmation.RetryIntervalMs)*time.Millisecond,
		payment.Options{
			BaseURL:                 cfg.Server.BaseURL,
			MaxConfirmationAttempts: cfg.Solana.Confirmation.MaxAttempts,
		},
		logger,
	)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.NewRouter(service, time.Duration(cfg.Server.RequestTimeoutMs)*time.Millisecond, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting HTTP server", "addr", server.Addr, "network", cfg.Solana.Network)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("Shutting down HTTP server")
		return server.Shutdown(shutdownCtx)
	})

	if cfg.Callback.Enabled {
		runCallbackRelay(ctx, g, cfg, db.NewCallbackRepository(pool), logger)
	}

	return g.Wait()
}

// runCallbackRelay starts the outbox producer and the Kafka consumer that
// delivers settlement callbacks to merchants.
func runCallbackRelay(ctx context.Context, g *errgroup.Group, cfg *config.Config, repo *db.CallbackRepository, logger *slog.Logger) {
	writer := kafka.NewWriter(cfg.Kafka)
	producer := callback.NewProducer(repo, writer, cfg.Callback.Producer, logger)

	reader := kafka.NewReader(cfg.Kafka)
	sender := callback.NewSender(cfg.Callback.Sender, logger)
	processor := callback.NewProcessor(repo, sender, cfg.Callback.Processor, logger)

	g.Go(func() error {
		defer writer.Close()
		return producer.Run(ctx)
	})

	g.Go(func() error {
		defer reader.Close()
		err := kafka.ReadCallbackMessages(ctx, reader, processor, logger)
		processor.Wait()
		return err
	})
}
