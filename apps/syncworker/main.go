package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/balanced/internal/balance"
	"github.com/smallbiznis/balanced/internal/cache"
	"github.com/smallbiznis/balanced/internal/clock"
	"github.com/smallbiznis/balanced/internal/config"
	"github.com/smallbiznis/balanced/internal/customer"
	"github.com/smallbiznis/balanced/internal/entitlement"
	"github.com/smallbiznis/balanced/internal/feature"
	"github.com/smallbiznis/balanced/internal/migration"
	"github.com/smallbiznis/balanced/internal/observability"
	"github.com/smallbiznis/balanced/internal/syncqueue"
	"github.com/smallbiznis/balanced/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		migration.Module,

		// the handler reads the cache record, so it needs the balance graph
		customer.Module,
		feature.Module,
		entitlement.Module,
		syncqueue.Module,
		balance.Module,

		// No server module!
		syncqueue.WorkerModule,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
