package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"ticketdesk/internal/server"
	"ticketdesk/pkg/config"
	"ticketdesk/pkg/logger"
	"ticketdesk/pkg/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// loadConfig uses the first config file that exists, falling back to
// defaults plus environment overrides.
func loadConfig() (*config.Config, string, error) {
	configPaths := []string{
		os.Getenv("TICKETDESK_CONFIG"),
		"configs/config.yaml",
		"config.yaml",
	}
	for _, path := range configPaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	cfg, err := config.Load("")
	return cfg, "", err
}

func main() {
	cfg, path, loadErr := loadConfig()
	if loadErr != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log := zapLogger.Sugar()

	if loadErr != nil {
		log.Warnw("invalid configuration, using defaults", "path", path, "error", loadErr)
	} else if path != "" {
		log.Infow("loaded config", "path", path)
	}

	err := run(cfg, log)
	zapLogger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "deskd",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Errorw("failed to initialize tracing", "error", err)
		return err
	}
	defer tracer.Shutdown(context.Background())

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := server.New(cfg, log, registry)
	if err != nil {
		log.Errorw("failed to build server", "error", err)
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Errorw("error closing server", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Errorw("deskd stopped with error", "error", err)
		return err
	}
	log.Infow("deskd stopped")
	return nil
}
