// Package daemon composes the bridge components into an fx application.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/whatsappx/matrix-bridge/internal/bridge"
	"github.com/whatsappx/matrix-bridge/internal/bus"
	"github.com/whatsappx/matrix-bridge/internal/config"
	"github.com/whatsappx/matrix-bridge/internal/identity"
	"github.com/whatsappx/matrix-bridge/internal/lock"
	"github.com/whatsappx/matrix-bridge/internal/logging"
	"github.com/whatsappx/matrix-bridge/internal/matrix"
	"github.com/whatsappx/matrix-bridge/internal/notify"
	"github.com/whatsappx/matrix-bridge/internal/state"
	"github.com/whatsappx/matrix-bridge/internal/status"
	intsync "github.com/whatsappx/matrix-bridge/internal/sync"
	"github.com/whatsappx/matrix-bridge/internal/translate"
)

// Params holds the daemon invocation parameters.
type Params struct {
	ConfigPath string
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideMuteStore,
			provideMapper,
			provideDirectory,
			provideCache,
			provideProfiles,
			provideClient,
			provideTranslator,
			provideCoordinator,
			provideNotifyServer,
			provideBridge,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideMuteStore(cfg *config.Config, logger *zap.Logger) (*state.MuteStore, error) {
	mutes, err := state.OpenMuteStore(cfg.MuteStorePath())
	if err != nil {
		return nil, err
	}
	logger.Info("mute store loaded", zap.String("path", cfg.MuteStorePath()))
	return mutes, nil
}

func provideMapper() *identity.Mapper {
	return identity.NewMapper()
}

func provideDirectory() *state.RoomDirectory {
	return state.NewRoomDirectory()
}

func provideCache(cfg *config.Config) *state.MessageCache {
	return state.NewMessageCache(cfg.Cache.MessagesPerRoom)
}

func provideProfiles() *state.ProfileTable {
	return state.NewProfileTable()
}

func provideClient(cfg *config.Config, logger *zap.Logger) (matrix.Client, error) {
	return matrix.NewAdapter(cfg.Matrix, logger)
}

func provideTranslator(cfg *config.Config, mapper *identity.Mapper, cache *state.MessageCache) *translate.Translator {
	return translate.New(cfg.Matrix.UserID, mapper, cache)
}

func provideCoordinator(
	client matrix.Client,
	translator *translate.Translator,
	directory *state.RoomDirectory,
	cache *state.MessageCache,
	profiles *state.ProfileTable,
	mapper *identity.Mapper,
	b *bus.Bus,
	machine *status.Machine,
	logger *zap.Logger,
) *intsync.Coordinator {
	return intsync.NewCoordinator(client, translator, directory, cache, profiles, mapper, b, machine, logger)
}

func provideNotifyServer(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *notify.Server {
	return notify.NewServer(cfg.SocketAddr(), cfg.Server.ServerToken, cfg.Server.ClientToken, b, logger)
}

func provideBridge(
	client matrix.Client,
	translator *translate.Translator,
	directory *state.RoomDirectory,
	cache *state.MessageCache,
	profiles *state.ProfileTable,
	mutes *state.MuteStore,
	mapper *identity.Mapper,
	coordinator *intsync.Coordinator,
	logger *zap.Logger,
) *bridge.Bridge {
	return bridge.New(client, translator, directory, cache, profiles, mutes, mapper, coordinator.Ready(), logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	srv *notify.Server,
	coordinator *intsync.Coordinator,
	br *bridge.Bridge,
	client matrix.Client,
	lk *lock.Lock,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := srv.Start(); err != nil {
				return err
			}
			if err := coordinator.Start(context.Background()); err != nil {
				return err
			}
			go func() {
				if err := br.WaitReady(context.Background()); err != nil {
					return
				}
				chats, err := br.Chats()
				if err != nil {
					logger.Warn("chat listing failed after startup", zap.Error(err))
					return
				}
				logger.Info("bridge ready", zap.Int("chats", len(chats)))
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			coordinator.Stop()
			srv.Stop()
			client.Close()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
