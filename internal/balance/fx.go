package balance

import (
	"github.com/smallbiznis/balanced/internal/balance/cache"
	"github.com/smallbiznis/balanced/internal/balance/domain"
	"github.com/smallbiznis/balanced/internal/balance/reset"
	"github.com/smallbiznis/balanced/internal/balance/service"
	"github.com/smallbiznis/balanced/internal/balance/syncbatch"
	"github.com/smallbiznis/balanced/internal/lock"
	"github.com/smallbiznis/balanced/internal/syncqueue"
	"go.uber.org/fx"
)

// Module wires the balance engine: cache, batching, service and resets.
var Module = fx.Module("balance",
	fx.Provide(cache.NewStore),
	fx.Provide(lock.NewLocker),
	fx.Provide(syncbatch.NewManager),
	fx.Provide(service.NewService),
	fx.Provide(
		provideInvalidator,
		provideBatcher,
		provideService,
		provideWarmer,
		provideHandler,
	),
	reset.Module,
	fx.Invoke(registerBatcher),
)

func provideInvalidator(s *cache.Store) reset.Invalidator { return s }

func provideBatcher(m *syncbatch.Manager) service.Batcher { return m }

func provideService(s *service.Service) domain.Service { return s }

func provideWarmer(s *service.Service) reset.Warmer { return s }

func provideHandler(s *service.Service) syncqueue.Handler { return s }

func registerBatcher(lc fx.Lifecycle, m *syncbatch.Manager) {
	lc.Append(fx.Hook{
		OnStart: m.Start,
		OnStop:  m.Stop,
	})
}
