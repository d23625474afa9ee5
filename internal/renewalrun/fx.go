package renewalrun

import (
	"github.com/smallbiznis/renewals/internal/renewalrun/service"
	"go.uber.org/fx"
)

var Module = fx.Module("renewalrun.service",
	fx.Provide(service.NewService),
)
