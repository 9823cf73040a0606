package customer

import (
	"github.com/smallbiznis/balanced/internal/cache"
	"github.com/smallbiznis/balanced/internal/customer/repository"
	"github.com/smallbiznis/balanced/internal/customer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("customer.resolver",
	fx.Provide(repository.Provide),
	fx.Provide(cache.NewResolverCache),
	fx.Provide(service.NewResolver),
)
