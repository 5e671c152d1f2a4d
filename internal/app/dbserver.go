package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"clusterhub/internal/account"
	"clusterhub/internal/config"
	"clusterhub/internal/peer"
	"clusterhub/internal/protocol"
)

const accountWorkers = 4

// NewDBServer builds the database-type peer: it opens the account store,
// registers with the hub and answers routed account requests.
func NewDBServer(cfg *config.Config, logger *slog.Logger, extra ...fx.Option) *fx.App {
	return fx.New(
		common(cfg, logger),
		AccountModule,
		PeerModule,
		fx.Options(extra...),
	)
}

var AccountModule = fx.Module("account",
	fx.Provide(provideDatabase, account.NewRepository, account.NewService),
)

var PeerModule = fx.Module("peer",
	fx.Provide(providePeer),
	fx.Invoke(registerPeerLifecycle),
)

func provideDatabase(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*gorm.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := account.Connect(cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}))
	return db, nil
}

// peerService is the registered connection to the hub plus the handler
// answering requests routed over it.
type peerService struct {
	cfg     *config.Config
	svc     account.Service
	logger  *slog.Logger
	client  *peer.Client
	handler *account.Handler
	stopped atomic.Bool
}

func providePeer(cfg *config.Config, svc account.Service, logger *slog.Logger) *peerService {
	return &peerService{cfg: cfg, svc: svc, logger: logger}
}

func (p *peerService) start(ctx context.Context) error {
	client, err := peer.Dial(ctx, p.cfg.HubAddr, peer.WithLogger(p.logger))
	if err != nil {
		return err
	}
	p.handler = account.NewHandler(p.svc, client, accountWorkers, p.logger)
	client.OnRouted(p.handler.HandleRouted)

	res, err := client.Register(ctx, protocol.RegistrationInfo{
		Identity: protocol.ServerIdentity{Type: protocol.TypeDatabase, Group: uint8(p.cfg.DBServerGroup)},
		Name:     p.cfg.DBServerName,
		Address:  protocol.ServerAddress{Host: p.cfg.DBServerHost, Port: uint32(p.cfg.DBServerPort)},
	})
	if err != nil {
		client.Close()
		p.handler.Close()
		return fmt.Errorf("failed to register with hub: %w", err)
	}
	p.client = client
	p.logger.Info("registered_with_hub",
		"hub_addr", p.cfg.HubAddr,
		"index", res.Identity.Index,
		"group", res.Identity.Group,
	)
	return nil
}

func (p *peerService) stop(context.Context) error {
	p.stopped.Store(true)
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client.Wait()
	p.handler.Close()
	return err
}

func registerPeerLifecycle(lc fx.Lifecycle, sd fx.Shutdowner, p *peerService) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.start(ctx); err != nil {
				return err
			}
			go func() {
				<-p.client.Done()
				if p.stopped.Load() {
					return
				}
				p.logger.Warn("hub_connection_lost")
				_ = sd.Shutdown(fx.ExitCode(1))
			}()
			return nil
		},
		OnStop: p.stop,
	})
}
