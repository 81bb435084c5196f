package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gpu-claim-bot/allocator"
	"gpu-claim-bot/command"
	"gpu-claim-bot/config"
	"gpu-claim-bot/health"
	"gpu-claim-bot/metrics"
	"gpu-claim-bot/queues"
	qpubsub "gpu-claim-bot/queues/pubsub"
	"gpu-claim-bot/server"
	"gpu-claim-bot/store"
	"gpu-claim-bot/telemetry"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "source"

func setLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func main() {
	setLogger()
	log.Info().Msgf("Starting gpu-claim-bot version: %s", version)
	cfg := config.Load()
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ensure the status file exists before serving
	st := store.New(cfg.StatusFile, cfg.PoolSize, cfg.LockTimeout)
	table, err := st.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.StatusFile).Msg("failed to initialize status file")
	}
	if len(table) != cfg.PoolSize {
		log.Warn().Int("configured", cfg.PoolSize).Int("inFile", len(table)).Msg("pool size differs from existing status file; the file wins")
	}

	var publisher queues.Publisher = queues.NopPublisher{}
	if cfg.EventsTopic != "" && cfg.GoogleProjectID != "" {
		p := qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.EventsTopic, cfg.CredentialsFile)
		defer func() {
			if err := p.Close(); err != nil {
				log.Error().Err(err).Msg("pubsub publisher close failed")
			}
		}()
		publisher = p
	}

	clock := clockwork.NewRealClock()
	engine := allocator.NewEngine(st, publisher, clock)
	defer func() {
		if err := engine.Close(); err != nil {
			log.Error().Err(err).Msg("engine close failed")
		}
	}()
	collector := telemetry.NewNvidiaSMI(cfg.TelemetryTimeout)
	router := command.NewRouter(engine, collector, cfg.Location(), clock)

	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, st)
	server.Register(mux, router)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	if cfg.SweepInterval > 0 {
		go runSweeper(ctx, engine, clock, cfg.SweepInterval)
	}

	if cfg.CommandSubscription != "" && cfg.GoogleProjectID != "" {
		subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.CommandSubscription, cfg.CredentialsFile)
		go func() {
			log.Info().Str("subscription", cfg.CommandSubscription).Msg("starting subscriber loop")
			if err := subscriber.Start(ctx, queuedCommandHandler(router)); err != nil {
				log.Fatal().Err(err).Msg("subscriber exited with fatal error; shutting down")
			}
		}()
	}

	// Block until shutdown
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}

// queuedCommandHandler routes queued commands through the same router as the
// webhook. Only lock timeouts are returned so the message is redelivered.
func queuedCommandHandler(d server.Dispatcher) func(context.Context, *queues.CommandRequest) error {
	return func(ctx context.Context, req *queues.CommandRequest) error {
		_, err := d.Dispatch(ctx, command.Parse(req.Text, req.UserID, req.UserName))
		if command.Retryable(err) {
			return err
		}
		return nil
	}
}

func runSweeper(ctx context.Context, engine *allocator.Engine, clock clockwork.Clock, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("starting expiry sweeper")
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := engine.Sweep(ctx)
			if err != nil {
				log.Error().Err(err).Msg("sweeper: expiry sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("released", n).Msg("sweeper: released expired claims")
			}
		}
	}
}
