package billing

import (
	plannerdomain "github.com/smallbiznis/renewals/internal/planner/domain"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("provider.billing",
	fx.Provide(NewClient),
	fx.Provide(
		func(c *Client) snapshotdomain.ChargeSource { return c },
		func(c *Client) plannerdomain.SubscriptionSource { return c },
	),
)
