package crm

import (
	materializedomain "github.com/smallbiznis/renewals/internal/materialize/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("provider.crm",
	fx.Provide(NewClient),
	fx.Provide(func(c *Client) materializedomain.CRM { return c }),
)
