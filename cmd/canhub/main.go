package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rvlink/canhub/internal/config"
	"github.com/rvlink/canhub/internal/metrics"
	"github.com/rvlink/canhub/internal/models"
	"github.com/rvlink/canhub/internal/pipeline"
	"github.com/rvlink/canhub/internal/reassembly"
	"github.com/rvlink/canhub/internal/sched"
	"github.com/rvlink/canhub/internal/security"
	"github.com/rvlink/canhub/internal/server"
	"github.com/rvlink/canhub/internal/spec"
)

func main() {
	var configPath = flag.String("config", "config/canhub.yml", "config file path")
	var validateOnly = flag.Bool("validate", false, "validate config and spec files, then exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_FORMAT") == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatal().Err(err).Str("config_path", *configPath).Msg("load config failed")
		}
		log.Warn().Str("config_path", *configPath).Msg("config file missing, using defaults")
		cfg = config.Default()
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// protocol tables fail here, at startup, never mid-decode
	activeSpec, err := spec.LoadFiles(cfg.Spec.Files...)
	if err != nil {
		log.Fatal().Err(err).Msg("load protocol spec failed")
	}
	store := spec.NewStore(activeSpec)

	log.Info().
		Str("name", cfg.Server.Name).
		Int("rvc_messages", activeSpec.RVC.Len()).
		Int("j1939_messages", activeSpec.J1939.Len()).
		Int("commands", len(activeSpec.Commands)).
		Msg("protocol spec loaded")

	if *validateOnly {
		log.Info().Msg("config and spec valid")
		return
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.ClientID),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects))
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("connect NATS failed")
	}
	defer nc.Close()

	channels := make(map[string]models.Protocol, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels[ch.Name] = models.Protocol(ch.Protocol)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	processor := pipeline.New(pipeline.Config{
		Channels:      channels,
		Workers:       cfg.Scheduler.Workers,
		SweepInterval: cfg.Reassembly.SweepInterval,
		Scheduler: sched.Config{
			Capacity:  cfg.Scheduler.QueueCapacity,
			BatchSize: cfg.Scheduler.BatchSize,
		},
		Reassembly: reassembly.Config{
			Timeout:   cfg.Reassembly.SessionTimeout,
			Tolerance: cfg.Reassembly.SequenceTolerance,
		},
		Security: security.Config{
			Mode:           security.Mode(cfg.Security.Mode),
			Window:         cfg.Security.Window,
			SourceCeiling:  cfg.Security.SourceCeiling,
			MessageCeiling: cfg.Security.MessageCeiling,
			FloodFactor:    cfg.Security.FloodFactor,
			ScanThreshold:  cfg.Security.ScanThreshold,
			IsolationTime:  cfg.Security.IsolationTime,
		},
	}, store, server.NewPublisher(nc), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := processor.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("processor stopped")
			cancel()
		}
	}()

	subscriber := server.NewSubscriber(nc, processor)
	go func() {
		if err := subscriber.Start(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("subscriber stopped")
			cancel()
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Bind, Handler: mux}
		go func() {
			log.Info().Str("bind", cfg.Metrics.Bind).Msg("metrics endpoint up")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				// hot reload: in-flight decodes keep the tables they started with
				next, err := spec.LoadFiles(cfg.Spec.Files...)
				if err != nil {
					log.Error().Err(err).Msg("spec reload failed, keeping active tables")
					continue
				}
				store.Swap(next)
				log.Info().
					Int("rvc_messages", next.RVC.Len()).
					Int("j1939_messages", next.J1939.Len()).
					Msg("protocol spec reloaded")
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			break loop
		case <-ctx.Done():
			log.Info().Msg("context cancelled, shutting down")
			break loop
		}
	}

	cancel()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info().Msg("canhub stopped")
}
