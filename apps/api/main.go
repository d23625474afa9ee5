package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/renewals/internal/audit"
	"github.com/smallbiznis/renewals/internal/clock"
	"github.com/smallbiznis/renewals/internal/config"
	"github.com/smallbiznis/renewals/internal/ledger"
	"github.com/smallbiznis/renewals/internal/materialize"
	"github.com/smallbiznis/renewals/internal/migration"
	"github.com/smallbiznis/renewals/internal/observability"
	"github.com/smallbiznis/renewals/internal/planner"
	"github.com/smallbiznis/renewals/internal/providers"
	"github.com/smallbiznis/renewals/internal/ratelimit"
	"github.com/smallbiznis/renewals/internal/renewalrun"
	"github.com/smallbiznis/renewals/internal/server"
	"github.com/smallbiznis/renewals/internal/snapshot"
	"github.com/smallbiznis/renewals/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		ratelimit.Module,
		providers.Module,

		ledger.Module,
		snapshot.Module,
		materialize.Module,
		planner.Module,
		audit.Module,
		renewalrun.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server) {
			s.RegisterAPIRoutes()
		}),
		fx.Invoke(server.RunHTTP),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
