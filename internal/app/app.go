// Package app assembles the hub and database-peer processes from fx modules.
package app

import (
	"log/slog"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"clusterhub/internal/config"
)

// eventLogger prints fx lifecycle events in development and stays quiet
// otherwise.
func eventLogger(cfg *config.Config) fxevent.Logger {
	if cfg.LogLevel != "debug" {
		return fxevent.NopLogger
	}
	zl, err := zap.NewDevelopment()
	if err != nil {
		return fxevent.NopLogger
	}
	return &fxevent.ZapLogger{Logger: zl}
}

func common(cfg *config.Config, logger *slog.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, logger),
		fx.WithLogger(func() fxevent.Logger { return eventLogger(cfg) }),
	)
}
