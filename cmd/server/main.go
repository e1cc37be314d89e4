package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/bus"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/presence"
	"github.com/Tyrowin/chatrelay/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("Chat relay stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("Starting chat relay", zap.String("node", cfg.NodeID), zap.String("addr", cfg.Port))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	opts := []server.Option{
		server.WithLogger(log),
		server.WithMetrics(m),
		server.WithSettings(server.Settings{
			MaxMessageSize: cfg.MaxMessageSize,
			SendBufferSize: cfg.SendBufferSize,
			RateBurst:      cfg.RateLimit.Burst,
			RateInterval:   cfg.RateLimit.RefillInterval,
		}),
	}

	// Observers start only once the hub exists; they are stopped after it.
	var runners []func(context.Context)
	var hub *server.Hub
	snapshot := func() []string { return hub.OnlineUsers() }

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		store := presence.NewRedisStore(rdb, cfg.NodeID, cfg.Redis.KeyPrefix, cfg.Redis.TTL)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("Redis unreachable; presence mirror will retry on each change", zap.Error(err))
		} else if err := store.Reset(ctx); err != nil {
			log.Warn("Could not clear stale presence", zap.Error(err))
		}

		mirror := presence.NewMirror(store, snapshot, cfg.Redis.TTL/2, log)
		opts = append(opts, server.WithPresenceObserver(mirror))
		runners = append(runners, mirror.Run)
		log.Info("Presence mirror enabled", zap.String("redis", cfg.Redis.Addr))
	}

	if cfg.NATS.URL != "" {
		nc, err := bus.Connect(cfg.NATS.URL, cfg.NATS.Name, log)
		if err != nil {
			return err
		}
		defer drainNATS(nc, log)

		sink := bus.NewSink(nc, cfg.NodeID, cfg.NATS.SubjectPrefix, log)
		opts = append(opts, server.WithPresenceObserver(sink), server.WithMessageObserver(sink))
		runners = append(runners, sink.Run)
		log.Info("Relay events enabled", zap.String("presence", sink.PresenceSubject()), zap.String("message", sink.MessageSubject()))
	}

	hub = server.NewHub(opts...)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	defer func() {
		stopWorkers()
		workers.Wait()
	}()
	for _, runner := range runners {
		workers.Add(1)
		go func(run func(context.Context)) {
			defer workers.Done()
			run(workerCtx)
		}(runner)
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	if verifier == nil {
		log.Warn("JWT_SECRET not set; WebSocket upgrades are not authenticated")
	}
	handlers := server.NewHandlers(hub, cfg.AllowedOrigins, verifier, m, log)
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(handlers))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, log)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log); err != nil {
		log.Warn("HTTP server did not shut down cleanly", zap.Error(err))
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		log.Warn("Hub did not shut down cleanly", zap.Error(err))
	}

	// Flush queued presence and relay events before Redis and NATS close.
	stopWorkers()
	workers.Wait()
	return nil
}

func drainNATS(nc *nats.Conn, log *zap.Logger) {
	if err := nc.Drain(); err != nil {
		log.Warn("NATS drain failed", zap.Error(err))
	}
}
