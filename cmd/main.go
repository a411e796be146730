package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gameserver-coordinator/allocator"
	"gameserver-coordinator/config"
	"gameserver-coordinator/coordinator"
	"gameserver-coordinator/health"
	"gameserver-coordinator/loop"
	"gameserver-coordinator/messaging"
	"gameserver-coordinator/metrics"
	"gameserver-coordinator/queues"
	qpubsub "gameserver-coordinator/queues/pubsub"
	"gameserver-coordinator/spawner"
	"gameserver-coordinator/supervisor"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/utils/clock"
)

var version = "source"

// stallThreshold is how long the loop may go without a tick before
// readiness fails.
const stallThreshold = 5 * time.Second

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func main() {
	cfg := config.Load()
	setLogger(cfg.LogLevel)
	log.Info().Msgf("Starting gameserver-coordinator version: %s", version)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	for _, w := range cfg.Warnings() {
		log.Warn().Msg("config: " + w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l := loop.New(time.Now())
	coord, err := coordinator.New(l, coordinator.Options{
		Spawner: spawner.Options{
			DispatchInterval:    cfg.DispatchInterval,
			MaxQueueLength:      cfg.MaxQueueLength,
			LaunchTimeout:       cfg.LaunchTimeout,
			KillTimeout:         cfg.KillTimeout,
			RegistrationTimeout: cfg.RegistrationTimeout,
			FPSLimit:            cfg.FPSLimit,
			ConstraintKeys:      cfg.ConstraintKeys,
		},
		AccessTimeout: cfg.AccessTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("coordinator initialization failed")
	}

	// Metrics and health HTTP server
	mux := http.NewServeMux()
	metrics.Register(mux)
	health.Register(mux, func() bool { return !l.Stalled(stallThreshold) })

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting metrics/health server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	if cfg.LocalWorker.Enabled() {
		startLocalWorker(l, coord, cfg)
	}

	var (
		publisher  *qpubsub.Publisher
		subscriber *qpubsub.Subscriber
	)
	if cfg.PubsubEnabled() {
		if cfg.CredentialsFile != "" {
			log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
		} else {
			log.Info().Msg("using default Google credentials (ambient)")
		}
		publisher = qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.ResultTopic, cfg.CredentialsFile)
		subscriber = qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.Subscription, cfg.CredentialsFile)
		controller := allocator.NewController(publisher, l, coord)

		go func() {
			log.Info().Str("subscription", cfg.Subscription).Msg("starting subscriber loop")
			if err := subscriber.Start(ctx, func(ctx context.Context, req *queues.SpawnRequest) error {
				return controller.Handle(ctx, req)
			}); err != nil {
				// Without intake the coordinator cannot make progress
				log.Fatal().Err(err).Msg("subscriber exited with fatal error; shutting down")
			}
		}()
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		l.Run(ctx, clock.RealClock{}, cfg.TickInterval)
	}()

	// Block until shutdown
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	<-loopDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	if subscriber != nil {
		if err := subscriber.Close(); err != nil {
			log.Error().Err(err).Msg("subscriber close failed")
		}
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("publisher close failed")
		}
	}
	log.Info().Msg("shutdown complete")
}

// startLocalWorker runs a supervisor in this process, connected to the
// coordinator over an in-memory pipe.
func startLocalWorker(l *loop.Loop, coord *coordinator.Coordinator, cfg *config.Config) {
	launcher, err := newLauncher(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.LocalWorker.Backend).Msg("local worker launcher setup failed")
	}
	attrs := map[string]string{}
	if cfg.LocalWorker.Region != "" {
		attrs[spawner.PropRegion] = cfg.LocalWorker.Region
	}
	l.Post(func() {
		local, remote := messaging.Pipe(l, l, "coordinator", "local-worker")
		coord.Attach(local)
		sup := supervisor.New(l, remote, launcher, supervisor.Options{
			Address:      cfg.LocalWorker.Address,
			MaxProcesses: cfg.LocalWorker.MaxProcesses,
			Attributes:   attrs,
		})
		sup.Register(func(err error) {
			if err != nil {
				log.Error().Err(err).Msg("local worker registration failed")
				return
			}
			log.Info().Str("backend", cfg.LocalWorker.Backend).Msg("local worker ready")
		})
	})
}

// newLauncher builds the process launcher for the configured backend.
func newLauncher(cfg *config.Config) (supervisor.Launcher, error) {
	ttl := cfg.AccessTTL.String()
	if cfg.LocalWorker.Backend != config.BackendAgones {
		return supervisor.ExecLauncher{
			Executable:  cfg.LocalWorker.Executable,
			Coordinator: cfg.LocalWorker.CoordinatorAddress,
			Env:         append(os.Environ(), "COORDINATOR_ACCESS_TTL="+ttl),
		}, nil
	}
	client, err := supervisor.NewAgonesClient()
	if err != nil {
		return nil, err
	}
	log.Info().Str("namespace", cfg.LocalWorker.Namespace).Str("image", cfg.LocalWorker.Image).Msg("Agones client initialized")
	return &supervisor.AgonesLauncher{
		Client:      client,
		Namespace:   cfg.LocalWorker.Namespace,
		Image:       cfg.LocalWorker.Image,
		Port:        int32(cfg.LocalWorker.Port),
		Coordinator: cfg.LocalWorker.CoordinatorAddress,
		Env:         []corev1.EnvVar{{Name: "COORDINATOR_ACCESS_TTL", Value: ttl}},
	}, nil
}
