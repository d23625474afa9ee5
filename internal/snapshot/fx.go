package snapshot

import (
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	"github.com/smallbiznis/renewals/internal/snapshot/repository"
	"github.com/smallbiznis/renewals/internal/snapshot/service"
	"go.uber.org/fx"
)

var Module = fx.Module("snapshot.service",
	fx.Provide(repository.Provide),
	fx.Provide(providePlannedSource),
	fx.Provide(service.NewService),
)

func providePlannedSource(ledger ledgerdomain.Service) snapshotdomain.PlannedSource {
	return ledger
}
