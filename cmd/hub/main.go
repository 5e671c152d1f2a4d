package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"clusterhub/internal/app"
	"clusterhub/internal/config"
	"clusterhub/internal/logging"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	slog.SetDefault(logger)

	logger.Info("starting_hub",
		"addr", cfg.HubListenAddr(),
		"env", cfg.GoEnv,
		"admin_enabled", cfg.AdminEnabled,
		"redis_enabled", cfg.RedisURL != "",
		"prometheus_enabled", cfg.PrometheusEnabled,
	)

	hubApp := app.NewHub(cfg, logger)
	if err := hubApp.Err(); err != nil {
		logger.Error("hub_setup_failed", "error", err.Error())
		os.Exit(1)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := hubApp.Start(startCtx); err != nil {
		logger.Error("hub_start_failed", "error", err.Error())
		os.Exit(1)
	}

	// Wait for SIGINT/SIGTERM or a fatal component error
	sig := <-hubApp.Wait()
	logger.Info("received_shutdown_signal", "signal", sig.Signal.String())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := hubApp.Stop(stopCtx); err != nil {
		logger.Error("hub_stop_failed", "error", err.Error())
		os.Exit(1)
	}
	logger.Info("server_stopped_gracefully")
	os.Exit(sig.ExitCode)
}
