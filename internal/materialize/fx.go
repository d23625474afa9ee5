package materialize

import (
	"github.com/smallbiznis/renewals/internal/materialize/service"
	"go.uber.org/fx"
)

var Module = fx.Module("materialize.service",
	fx.Provide(service.NewService),
)
