package main

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/inkboard/internal/api/ws"
	"github.com/gosuda/inkboard/internal/auth"
	"github.com/gosuda/inkboard/internal/config"
	"github.com/gosuda/inkboard/internal/pipeline"
	"github.com/gosuda/inkboard/internal/registry"
	"github.com/gosuda/inkboard/internal/relay"
	"github.com/gosuda/inkboard/internal/server"
	"github.com/gosuda/inkboard/internal/store/postgres"
	redisstore "github.com/gosuda/inkboard/internal/store/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("INKBOARD_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("INKBOARD_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Connect to PostgreSQL.
	store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Database.Migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	// Connect to Redis.
	streams, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer streams.Close()

	deps := server.Deps{
		Checks: map[string]func(context.Context) error{
			"postgres": store.Ping,
			"redis":    streams.Ping,
		},
	}

	var verifier auth.Verifier
	if cfg.RunsRelay() {
		verifier, err = newVerifier(ctx, cfg.Auth)
		if err != nil {
			return fmt.Errorf("token verifier: %w", err)
		}
	}

	// The worker gets its own context so that relay shutdown never cancels
	// jobs in flight.
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	var workerDone chan error

	if cfg.RunsWorker() {
		worker := pipeline.NewWorker(streams, store.Shapes(), pipeline.WorkerConfig{
			Prefix:      cfg.Queue.Prefix,
			Group:       cfg.Queue.Group,
			Consumer:    cfg.Queue.Consumer,
			Lanes:       cfg.Queue.Lanes,
			Batch:       int64(cfg.Queue.Batch),
			Block:       cfg.Queue.Block,
			JobTimeout:  cfg.Queue.JobTimeout,
			MaxAttempts: cfg.Queue.MaxAttempts,
			BackoffBase: cfg.Queue.BackoffBase,
			BackoffMax:  cfg.Queue.BackoffMax,
			LeaseTTL:    cfg.Queue.LeaseTTL,
		})
		deps.WorkerStats = worker.Stats

		workerDone = make(chan error, 1)
		go func() {
			workerDone <- worker.Run(workerCtx)
		}()
	}

	if cfg.RunsRelay() {
		reg := registry.New()
		producer := pipeline.NewProducer(streams, pipeline.ProducerConfig{
			Prefix:  cfg.Queue.Prefix,
			Lanes:   cfg.Queue.Lanes,
			Timeout: cfg.Queue.EnqueueTimeout,
		})

		deps.Store = store
		deps.Verifier = verifier
		deps.Hub = ws.NewHub(verifier, reg, relay.New(reg, producer), ws.Options{
			SendBuffer:      cfg.Relay.SendBuffer,
			MaxMessageBytes: cfg.Relay.MaxMessageBytes,
			WriteTimeout:    cfg.Relay.WriteTimeout,
			Rate:            cfg.Relay.Rate,
			Burst:           cfg.Relay.Burst,
			OriginPatterns:  originPatterns(cfg.Server.CORSOrigins),
		})
		deps.Dropped = producer.Dropped
		deps.Connections = reg.Len
	}

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, deps)

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("mode", cfg.Mode).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
			cancel()
		}
	}()

	// Block until shutdown signal or a failed worker. workerDone is nil in
	// relay mode.
	var workerErr error
	select {
	case <-ctx.Done():
	case workerErr = <-workerDone:
		workerDone = nil
		log.Error().Err(workerErr).Msg("worker stopped")
		cancel()
	}
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("server shutdown")
	}

	// Relay is down; let the worker finish the job it holds.
	stopWorker()
	if workerDone != nil {
		select {
		case workerErr = <-workerDone:
		case <-shutdownCtx.Done():
			log.Warn().Msg("worker did not stop in time; unacked jobs will be redelivered")
		}
	}

	log.Info().Msg("stopped")
	return workerErr
}

// newVerifier prefers the JWKS endpoint over the shared secret.
func newVerifier(ctx context.Context, cfg config.AuthConfig) (auth.Verifier, error) {
	if cfg.JWKSURL == "" {
		return auth.NewHMACVerifier(cfg.Secret, cfg.Issuer, cfg.Audience), nil
	}

	v, err := auth.NewJWKSVerifier(ctx, cfg.JWKSURL, auth.JWKSOptions{
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Refresh:  cfg.JWKSRefresh,
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// originPatterns turns CORS origins into the host patterns the WebSocket
// handshake matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
