/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load and validate configuration
  2. Initialize logging and tracing
  3. Open the ledger store (SQLite or in-memory)
  4. Build the change feed (WebSocket, Kafka, Redis leaderboard)
  5. Pick the lock backend (in-process or ZooKeeper)
  6. Create the engines, the scheduler and the command consumer
  7. Start the HTTP server and wait for a signal

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for an in-memory SQLite database,
           "memory" for the map-backed store

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the scheduler and the command consumer
  4. Flush traces, close feeds and the database
  5. Exit

ENVIRONMENT:
  LOYALTY_* variables, see config/config.go.

EXAMPLES:
  ./server -db="./data/loyalty.db"
  LOYALTY_KAFKA_BROKERS=localhost:9092 LOYALTY_KAFKA_TOPIC=loyalty.events ./server
  ./server -config=loyalty.yaml -port=3000

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/feed/kafkafeed"
	"github.com/warp/loyalty-engine/feed/leaderboard"
	"github.com/warp/loyalty-engine/feed/wsfeed"
	"github.com/warp/loyalty-engine/lock/zookeeper"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/metrics"
	"github.com/warp/loyalty-engine/store/sqlite"
	"github.com/warp/loyalty-engine/tracing"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "loyalty-engine: %v\n", err)
		os.Exit(1)
	}
}

// ledgerStore is the store the engines run on, plus what main needs to
// manage it.
type ledgerStore interface {
	loyalty.TxStore
	api.Pinger
	Close() error
}

type memoryStore struct{ *store.Memory }

func (memoryStore) Ping(context.Context) error { return nil }
func (memoryStore) Close() error               { return nil }

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	tiers, err := cfg.TierTable()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	shutdownTracing, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	// Store
	ledger, err := openStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer ledger.Close()

	prom := metrics.New(prometheus.DefaultRegisterer)

	// Change feed
	feed := loyalty.NewBroadcaster()
	var hub *wsfeed.Hub
	if cfg.Feed.WebSocket {
		hub = wsfeed.NewHub(logger)
		defer hub.Close()
		feed.Subscribe(hub)
	}
	if cfg.Feed.Kafka.Enabled() {
		w := kafkafeed.NewWriter(cfg.Feed.Kafka.Brokers, cfg.Feed.Kafka.Topic)
		defer w.Close()
		feed.Subscribe(kafkafeed.NewPublisher(w))
		logger.Info().Strs("brokers", cfg.Feed.Kafka.Brokers).Str("topic", cfg.Feed.Kafka.Topic).Msg("kafka change feed enabled")
	}
	var board *leaderboard.Board
	if cfg.Feed.Redis.Addr != "" {
		rdb, err := leaderboard.Connect(ctx, cfg.Feed.Redis.Addr)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer rdb.Close()
		board = leaderboard.New(rdb, cfg.Feed.Redis.Key)
		feed.Subscribe(board)
	}

	// Lock backend
	var locker loyalty.Locker = loyalty.NewKeyedMutex()
	if cfg.Lock.Backend == config.LockZooKeeper {
		conn, err := zookeeper.Dial(cfg.Lock.Servers, cfg.Lock.SessionTimeout)
		if err != nil {
			return fmt.Errorf("failed to connect to zookeeper: %w", err)
		}
		defer conn.Close()
		zl, err := zookeeper.New(conn, cfg.Lock.Root, logger)
		if err != nil {
			return err
		}
		locker = zl
		logger.Info().Strs("servers", cfg.Lock.Servers).Msg("zookeeper lock enabled")
	}

	opts := []loyalty.Option{
		loyalty.WithLocker(locker),
		loyalty.WithPublisher(feed),
		loyalty.WithMetrics(prom),
		loyalty.WithLogger(logger.With().Str("component", "engine").Logger()),
		loyalty.WithMaxAttempts(cfg.Engine.MaxAttempts),
		loyalty.WithBackoff(cfg.Engine.Backoff),
		loyalty.WithParallelism(cfg.Engine.Parallelism),
	}
	engine := loyalty.NewEngine(ledger, tiers, opts...)
	ratings := loyalty.NewRatingEngine(ledger, opts...)

	if board != nil {
		customers, err := engine.Customers(ctx)
		if err != nil {
			return err
		}
		if err := board.Rebuild(ctx, customers); err != nil {
			logger.Warn().Err(err).Msg("leaderboard rebuild failed, ranking falls back to the store")
		}
	}

	// HTTP
	handler := api.NewHandler(engine, ratings, logger)
	handler.Health = ledger
	if board != nil {
		handler.Leaderboard = board
	}
	ropts := api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        prom.Handler(),
	}
	if hub != nil {
		ropts.Feed = hub
	}
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, ropts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	scheduler := api.NewTierRecomputeScheduler(engine, logger)
	scheduler.CheckInterval = cfg.Scheduler.RecomputeInterval
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.Feed.Kafka.CommandsTopic != "" {
		consumer := kafkafeed.NewConsumer(
			kafkafeed.NewReader(cfg.Feed.Kafka.Brokers, cfg.Feed.Kafka.CommandsTopic, cfg.Feed.Kafka.GroupID),
			engine, logger)
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(gctx) })
	}

	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}

func openStore(path string) (ledgerStore, error) {
	if path == "memory" {
		return memoryStore{store.NewMemory()}, nil
	}
	return sqlite.New(path)
}

func newLogger(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "loyalty-engine").Logger(), nil
}
