package providers

import (
	"github.com/smallbiznis/renewals/internal/providers/billing"
	"github.com/smallbiznis/renewals/internal/providers/crm"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	billing.Module,
	crm.Module,
)
