package app

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"

	"clusterhub/internal/config"
	"clusterhub/internal/hub"
	"clusterhub/internal/microservices/tcp"
)

// NewHub builds the hub process: listener, optional metrics, optional
// Redis directory and optional admin API.
func NewHub(cfg *config.Config, logger *slog.Logger, extra ...fx.Option) *fx.App {
	return fx.New(
		common(cfg, logger),
		MetricsModule,
		DirectoryModule,
		HubModule,
		AdminModule,
		fx.Options(extra...),
	)
}

var MetricsModule = fx.Module("metrics",
	fx.Provide(provideRegistry, provideMetrics),
)

var DirectoryModule = fx.Module("directory",
	fx.Provide(provideMirror),
)

var HubModule = fx.Module("hub",
	fx.Provide(provideHub),
	fx.Invoke(registerHubLifecycle),
)

var AdminModule = fx.Module("admin",
	fx.Provide(provideAdmin),
	fx.Invoke(registerAdminLifecycle),
)

// provideRegistry returns nil when Prometheus is disabled.
func provideRegistry(cfg *config.Config) *prometheus.Registry {
	if !cfg.PrometheusEnabled {
		return nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func provideMetrics(reg *prometheus.Registry) *hub.Metrics {
	if reg == nil {
		return nil
	}
	return hub.NewMetrics(reg)
}

// provideMirror returns nil when no Redis is configured.
func provideMirror(cfg *config.Config, logger *slog.Logger) (hub.Mirror, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	dir, err := hub.NewRedisDirectory(cfg.RedisURL, cfg.RedisPassword, cfg.DirectoryTTL, logger)
	if err != nil {
		return nil, err
	}
	return dir, nil
}

func hubConfig(cfg *config.Config) hub.Config {
	return hub.Config{
		Addr:           cfg.HubListenAddr(),
		MaxConnections: cfg.MaxConnections,
		Connection: tcp.Options{
			BufferSize:   cfg.FrameBufferSize,
			IdleTimeout:  cfg.IdleTimeout,
			MaxFailCount: cfg.MaxFailCount,
			RateLimit:    cfg.FrameRateLimit,
			RateBurst:    cfg.FrameRateBurst,
			QueueSize:    cfg.DispatchQueueSize,
		},
		RefreshInterval: cfg.DirectoryTTL / 2,
	}
}

func provideHub(cfg *config.Config, logger *slog.Logger, metrics *hub.Metrics, mirror hub.Mirror) *hub.Hub {
	opts := []hub.Option{hub.WithLogger(logger), hub.WithMetrics(metrics)}
	if mirror != nil {
		opts = append(opts, hub.WithMirror(mirror))
	}
	return hub.New(hubConfig(cfg), opts...)
}

func registerHubLifecycle(lc fx.Lifecycle, sd fx.Shutdowner, h *hub.Hub, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := h.Listen(); err != nil {
				return err
			}
			go func() {
				if err := h.Start(); err != nil {
					logger.Error("hub_listener_failed", "error", err.Error())
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			return h.Stop()
		},
	})
}

func provideAdmin(cfg *config.Config, h *hub.Hub, reg *prometheus.Registry, logger *slog.Logger) *hub.AdminServer {
	if !cfg.AdminEnabled {
		return nil
	}
	var gatherer prometheus.Gatherer
	if reg != nil {
		gatherer = reg
	}
	return hub.NewAdminServer(cfg.AdminListenAddr(), h, hub.NewTokenValidator(cfg.JWTSecret), gatherer, logger)
}

func registerAdminLifecycle(lc fx.Lifecycle, sd fx.Shutdowner, a *hub.AdminServer, logger *slog.Logger) {
	if a == nil {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := a.Start(); err != nil {
					logger.Error("admin_api_failed", "error", err.Error())
					_ = sd.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return a.Shutdown(ctx)
		},
	})
}
