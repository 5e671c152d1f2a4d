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

	logger.Info("starting_database_server",
		"name", cfg.DBServerName,
		"hub_addr", cfg.HubAddr,
	)

	dbApp := app.NewDBServer(cfg, logger)
	if err := dbApp.Err(); err != nil {
		logger.Error("database_server_setup_failed", "error", err.Error())
		os.Exit(1)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dbApp.Start(startCtx); err != nil {
		logger.Error("database_server_start_failed", "error", err.Error())
		os.Exit(1)
	}

	sig := <-dbApp.Wait()
	logger.Info("received_shutdown_signal", "signal", sig.Signal.String())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := dbApp.Stop(stopCtx); err != nil {
		logger.Error("database_server_stop_failed", "error", err.Error())
		os.Exit(1)
	}
	os.Exit(sig.ExitCode)
}
