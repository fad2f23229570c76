// cmd/api/main.go
// Entry point for the messaging service
// This file bootstraps all components and starts the server

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

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/imadgeboyega/kiekky-messaging/internal/auth"
	"github.com/imadgeboyega/kiekky-messaging/internal/common/database"
	"github.com/imadgeboyega/kiekky-messaging/internal/common/logging"
	"github.com/imadgeboyega/kiekky-messaging/internal/config"
	"github.com/imadgeboyega/kiekky-messaging/internal/messaging"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load environment variables
	envErr := godotenv.Load()

	// 2. Load and validate configuration
	cfg := config.Load()
	logger := logging.New(cfg.Environment, cfg.LogLevel)
	slog.SetDefault(logger)

	if envErr != nil {
		logger.Warn("no .env file found, using environment variables", "error", envErr)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Store
	var (
		repo        messaging.Repository
		connections messaging.ConnectionChecker
		db          *sqlx.DB
	)
	if cfg.UsesMemoryStore() {
		logger.Warn("using in-memory store, data is lost on restart")
		repo = messaging.NewMemoryRepository()
		connections = messaging.OpenConnections{}
	} else {
		var err error
		db, err = database.NewPostgresDBFromURL(ctx, cfg.DatabaseURL, database.DefaultPool)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("connected to PostgreSQL")

		if err := messaging.Migrate(ctx, db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("database migrations completed")

		repo = messaging.NewPostgresRepository(db)
		connections = messaging.NewPostgresConnections(db)
	}

	// 4. Pub/sub. Events always reach local clients through the broadcaster;
	// with a shared backend a relay feeds it.
	broadcaster := messaging.NewBroadcaster(logger)
	defer broadcaster.Close()

	var (
		publisher   messaging.Publisher = broadcaster
		redisClient *redis.Client
		natsConn    *nats.Conn
	)
	switch cfg.PubSubDriver {
	case config.PubSubRedis:
		client, err := database.NewRedisClientFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		redisClient = client
		publisher = messaging.NewRedisPublisher(client)

		relay := messaging.NewRedisRelay(client, broadcaster, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("redis relay stopped", "error", err)
			}
		}()
		logger.Info("using redis pub/sub")
	case config.PubSubNATS:
		nc, err := database.NewNATSConn(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Drain()
		natsConn = nc
		publisher = messaging.NewNATSPublisher(nc)

		relay := messaging.NewNATSRelay(nc, broadcaster, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("nats relay stopped", "error", err)
			}
		}()
		logger.Info("using nats pub/sub")
	default:
		logger.Info("using in-process pub/sub")
	}

	// 5. Blob storage
	blobs, err := newBlobStore(cfg)
	if err != nil {
		return err
	}

	// 6. Services
	opts := []messaging.Option{
		messaging.WithLogger(logger),
		messaging.WithPolicy(messaging.Policy{EditWindow: cfg.EditWindow, DeleteWindow: cfg.DeleteWindow}),
		messaging.WithPublishTimeout(cfg.PublishTimeout),
		messaging.WithURLs(messaging.NewURLBuilder(cfg.BaseURL)),
		messaging.WithAttachmentLimits(cfg.MaxAttachmentSize, cfg.MaxAttachmentsPerMessage),
	}

	conversations := messaging.NewConversationService(repo, publisher, connections, append(opts, messaging.WithBlobStore(blobs))...)
	messages := messaging.NewMessageService(repo, publisher, blobs, opts...)
	signaling := messaging.NewSignalingService(repo, publisher, opts...)
	attachments := messaging.NewAttachmentService(repo, blobs, opts...)

	hub := messaging.NewHub(broadcaster, signaling, logger)

	cleaner := messaging.NewBlobCleaner(repo, blobs, cfg.BlobCleanupInterval, messaging.WithLogger(logger))
	go cleaner.Start(ctx)

	handler := messaging.NewHandler(messaging.HandlerConfig{
		Conversations:     conversations,
		Messages:          messages,
		Signaling:         signaling,
		Attachments:       attachments,
		Hub:               hub,
		Logger:            logger,
		AllowedOrigins:    cfg.AllowedOrigins,
		MaxAttachmentSize: cfg.MaxAttachmentSize,
		MaxAttachments:    cfg.MaxAttachmentsPerMessage,
		Health:            healthCheck(db, redisClient, natsConn),
	})

	// 7. Routes
	router := mux.NewRouter()
	messaging.RegisterRoutes(router, handler, auth.NewMiddleware(cfg.JWTSecret).Authenticate, cfg.MetricsEnabled)

	// 8. Create and start HTTP server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           corsMiddleware(cfg.AllowedOrigins)(loggingMiddleware(logger)(router)),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", srv.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")

	// Hijacked websocket connections are not tracked by the server
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited gracefully")
	return nil
}

func newBlobStore(cfg *config.Config) (*messaging.BlobStore, error) {
	disks := map[string]messaging.Disk{
		messaging.DiskLocal: messaging.NewLocalDisk(cfg.LocalUploadDir),
	}
	defaultDisk := messaging.DiskLocal

	if cfg.UseS3 {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.AWSRegion)})
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS session: %w", err)
		}
		disks[messaging.DiskS3] = messaging.NewS3Disk(sess, cfg.S3BucketName)
		defaultDisk = messaging.DiskS3
	}

	return messaging.NewBlobStore(defaultDisk, disks)
}

func healthCheck(db *sqlx.DB, redisClient *redis.Client, nc *nats.Conn) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
		}
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		if nc != nil && !nc.IsConnected() {
			return errors.New("nats: not connected")
		}
		return nil
	}
}
