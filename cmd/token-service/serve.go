package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"smartq/token-service/internal/config"
	"smartq/token-service/internal/directory"
	"smartq/token-service/internal/dispatch"
	"smartq/token-service/internal/events"
	"smartq/token-service/internal/httpapi"
	"smartq/token-service/internal/logging"
	"smartq/token-service/internal/metrics"
	"smartq/token-service/internal/notify"
	"smartq/token-service/internal/realtime"
	"smartq/token-service/internal/store"
	"smartq/token-service/internal/store/memory"
	"smartq/token-service/internal/store/postgres"
	"smartq/token-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "token-service"

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		Logger:      logger,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	ledger, offices, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	notifier, closeNotifier, err := openNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeNotifier()

	hub := realtime.NewHub(logger)
	publishers := events.Multi{hub}
	if cfg.NATSURL != "" {
		natsPublisher, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer func() {
			if err := natsPublisher.Close(); err != nil {
				logger.Warn("nats drain", "error", err)
			}
		}()
		publishers = append(publishers, natsPublisher)
		logger.Info("publishing events to nats", "prefix", cfg.NATSSubjectPrefix)
	}

	if cfg.WebhookURL != "" {
		publishers = append(publishers, events.NewWebhookPublisher(cfg.WebhookURL, cfg.WebhookToken, events.TypeNotificationCreated))
		logger.Info("forwarding notifications to webhook")
	}

	m := metrics.New()
	engine := dispatch.New(ledger, offices, notifier, dispatch.Options{
		Location:          cfg.Location,
		LockTimeout:       cfg.LockTimeout,
		EnforceTokenLimit: cfg.EnforceTokenLimit,
		Logger:            logger,
		Metrics:           m,
		Publisher:         publishers,
	})

	handler := httpapi.NewHandler(engine, httpapi.Options{
		Logger:  logger,
		Metrics: m,
		RateLimit: httpapi.RateLimitConfig{
			IPPerMinute:      cfg.RateLimitPerMinute,
			IPBurst:          cfg.RateLimitBurst,
			StudentPerMinute: cfg.StudentRateLimitPerMinute,
			StudentBurst:     cfg.StudentRateLimitBurst,
		},
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Realtime:           realtime.NewHandler("/realtime", hub),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler.Routes(), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("token-service listening", "addr", server.Addr, "store", cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		logger.Info("token-service stopped")
		return nil
	})
	return group.Wait()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.TokenStore, directory.Directory, func(), error) {
	if cfg.StoreBackend == config.BackendPostgres {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("db ping: %w", err)
		}
		pg := postgres.NewStore(pool)
		return pg, pg, pool.Close, nil
	}

	offices, err := directory.LoadFile(cfg.OfficesFile)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Warn("using in-memory token store, state is lost on restart", "offices", len(offices.List()))
	return memory.NewStore(offices), offices, func() {}, nil
}

func openNotifier(ctx context.Context, cfg config.Config, logger *slog.Logger) (notify.Queue, func(), error) {
	if cfg.RedisAddr == "" {
		return notify.NewMemoryQueue(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("notifications stored in redis", "addr", cfg.RedisAddr)
	return notify.NewRedisQueue(client), func() { _ = client.Close() }, nil
}
