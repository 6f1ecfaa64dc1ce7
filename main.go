package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ms-auction/internal/auth"
	"ms-auction/internal/bidding"
	"ms-auction/internal/bidding/bid_api"
	"ms-auction/internal/bidding/db"
	biddingkafka "ms-auction/internal/bidding/kafka"
	"ms-auction/internal/bidding/mongostore"
	biddingredis "ms-auction/internal/bidding/redis"
	"ms-auction/internal/broadcast"
	broadcastredis "ms-auction/internal/broadcast/redis"
	"ms-auction/internal/broadcast/ws"
	"ms-auction/internal/config"
	"ms-auction/internal/database/migrations"
	"ms-auction/internal/kafka"
	"ms-auction/internal/logger"
	"ms-auction/internal/sse"
	"ms-auction/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"go.mongodb.org/mongo-driver/mongo"
)

// lotStore is what the HTTP and stream layers need from either backend.
type lotStore interface {
	bidding.Store
	sse.LotLookup
}

func connectPostgres(ctx context.Context, cfg config.DatabaseConfig, logger *logger.Logger) *bun.DB {
	if cfg.PostgresDSN == "" {
		logger.Fatal("CONFIG", "POSTGRES_DSN not set")
	}

	var sqldb *sql.DB
	var err error
	for i := 0; i < cfg.ConnRetries; i++ {
		logger.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, cfg.ConnRetries))
		sqldb, err = sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			logger.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.PingContext(ctx)
		if err == nil {
			break
		}

		logger.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < cfg.ConnRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", cfg.ConnRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	logger.Info("DATABASE", "✅ PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, logger *logger.Logger) *redis.Client {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	logger.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s (DB: %d)", cfg.Addr, cfg.DB))
	return redisClient
}

// openStore returns the configured ledger backend and a cleanup func.
func openStore(ctx context.Context, cfg *config.Config, logger *logger.Logger) (lotStore, func()) {
	switch cfg.Database.Driver {
	case "mongo":
		client, err := mongostore.Connect(ctx, cfg.Database.MongoURI)
		if err != nil {
			logger.Fatal("DATABASE", err.Error())
		}
		store := mongostore.New(client.Database(cfg.Database.MongoDatabase))
		if err := store.EnsureIndexes(ctx); err != nil {
			logger.Warn("DATABASE", fmt.Sprintf("Failed to ensure mongo indexes: %v", err))
		}
		logger.Info("DATABASE", fmt.Sprintf("✅ MongoDB connection successful, database %s", cfg.Database.MongoDatabase))
		logger.Warn("DATABASE", "MongoDB store has no multi-document transactions, bid commits rely on the lot lock and conditional price update")
		return store, func() { disconnectMongo(client, logger) }

	case "postgres":
		bunDB := connectPostgres(ctx, cfg.Database, logger)
		runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{
			MigrationsDir: cfg.Database.MigrationsDir,
			AutoMigrate:   cfg.Database.AutoMigrate,
		}, logger)
		err := runner.RunMigrations(ctx)
		if closeErr := runner.Close(); closeErr != nil {
			logger.Warn("DATABASE", fmt.Sprintf("Failed to release migrator: %v", closeErr))
		}
		if err != nil {
			logger.Fatal("DATABASE", fmt.Sprintf("Migrations failed: %v", err))
		}
		return db.New(bunDB), func() { bunDB.Close() }

	default:
		logger.Fatal("CONFIG", fmt.Sprintf("unknown STORE_DRIVER %q", cfg.Database.Driver))
		return nil, nil
	}
}

func disconnectMongo(client *mongo.Client, logger *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		logger.Error("DATABASE", fmt.Sprintf("Mongo disconnect failed: %v", err))
	}
}

func buildVerifier(ctx context.Context, cfg config.AuthConfig, redisClient *redis.Client, logger *logger.Logger) auth.Verifier {
	var verifier auth.Verifier
	switch cfg.Mode {
	case "oidc":
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer)
		if err != nil {
			logger.Fatal("AUTH", fmt.Sprintf("OIDC verifier setup failed: %v", err))
		}
		verifier = v
	case "jwt":
		v, err := auth.NewHMACVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			logger.Fatal("AUTH", err.Error())
		}
		verifier = v
	default:
		logger.Fatal("CONFIG", fmt.Sprintf("unknown AUTH_MODE %q", cfg.Mode))
	}
	logger.Info("AUTH", fmt.Sprintf("Credential verification mode: %s", cfg.Mode))

	if cfg.CacheTTL > 0 {
		return auth.NewCachingVerifier(verifier, redisClient, cfg.CacheTTL, logger)
	}
	return verifier
}

func buildPublisher(cfg config.KafkaConfig, logger *logger.Logger) (bidding.EventPublisher, func()) {
	if !cfg.Enabled {
		logger.Info("KAFKA", "Kafka disabled, auction events stay in process")
		return nil, func() {}
	}

	logger.Info("KAFKA", fmt.Sprintf("Using Kafka brokers: %v", cfg.Brokers))
	producer := kafka.NewProducer(cfg.Brokers, logger)

	topics := []string{cfg.Topics.BidAccepted, cfg.Topics.AuctionEnded}
	if err := kafka.EnsureTopicsExist(cfg.Brokers, topics, 3, logger); err != nil {
		logger.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
	} else {
		logger.Info("KAFKA", "Required topics ensured successfully")
	}

	return biddingkafka.NewPublisher(producer, cfg.Topics), func() {
		if err := producer.Close(); err != nil {
			logger.Error("KAFKA", fmt.Sprintf("Producer close failed: %v", err))
		}
	}
}

func main() {
	logger := logger.NewLogger("ms-auction")
	defer logger.Close()

	logger.Info("APP", "Starting Auction Service initialization")

	if err := godotenv.Load(); err != nil {
		logger.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		logger.Info("CONFIG", "Loaded environment variables from .env file")
	}
	cfg := config.Load()

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	store, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	redisClient := connectRedis(ctx, cfg.Redis, logger)
	defer redisClient.Close()

	verifier := buildVerifier(ctx, cfg.Auth, redisClient, logger)

	var locker bidding.Locker = bidding.NewKeyedMutex()
	if cfg.Auction.DistributedLock {
		locker = bidding.ChainLocker{locker, biddingredis.NewLotLock(redisClient, cfg.Auction.LockTTL, logger)}
		logger.Info("REDIS", "Per-lot distributed lock enabled")
	}

	hubOpts := []broadcast.Option{broadcast.WithBufferSize(cfg.Broadcast.BufferSize)}
	if cfg.Broadcast.Backplane {
		hubOpts = append(hubOpts, broadcast.WithBackplane(broadcastredis.NewBackplane(redisClient, logger)))
	}
	hub := broadcast.NewHub(verifier, logger, hubOpts...)

	publisher, closePublisher := buildPublisher(cfg.Kafka, logger)
	defer closePublisher()

	ledger := bidding.NewLedger(store, locker, hub, publisher, logger)
	ledger.AutoRebid = cfg.Auction.AutoRebid

	closer := bidding.NewCloser(ledger, cfg.Auction.CloseInterval, logger)
	closer.Start(ctx)

	go func() {
		if err := hub.Run(ctx); err != nil {
			logger.Error("BROADCAST", err.Error())
		}
	}()

	bidHandler := bid_api.NewHandler(ledger, logger)
	lotEvents := sse.NewLotEventsHandler(hub, store, logger)
	gateway := ws.NewGateway(hub, ledger, logger)

	logger.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(bid_api.RequestLogger(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("healthy", hub.Stats()))
	})
	r.Handle("/ws", gateway)
	logger.Info("ROUTER", "Websocket channel registered at /ws")

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier, logger))
		r.Route("/api", func(r chi.Router) {
			bidHandler.Register(r)
			r.Get("/lots/{lotId}/events", lotEvents.HandleLotEvents)
		})
		logger.Info("ROUTER", "Lot and bid routes registered under /api")
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP", fmt.Sprintf("🚀 Auction Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	logger.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	logger.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	closer.Stop()
	hub.Close()

	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		logger.Info("HTTP", "✅ Auction Service shutdown complete")
	}
}
