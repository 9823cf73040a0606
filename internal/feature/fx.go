package feature

import (
	"github.com/smallbiznis/balanced/internal/feature/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("feature.repository",
	fx.Provide(repository.Provide),
)
