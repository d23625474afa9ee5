package planner

import (
	"github.com/smallbiznis/renewals/internal/planner/service"
	"go.uber.org/fx"
)

var Module = fx.Module("planner.service",
	fx.Provide(service.NewService),
)
