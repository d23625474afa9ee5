package service

import (
	"context"

	"github.com/smallbiznis/renewals/internal/clock"
	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    snapshotdomain.Repository
	Planned snapshotdomain.PlannedSource
	Charges snapshotdomain.ChargeSource
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    snapshotdomain.Repository
	planned snapshotdomain.PlannedSource
	charges snapshotdomain.ChargeSource
}

func NewService(p Params) snapshotdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("snapshot.service"),
		clock:   p.Clock,
		repo:    p.Repo,
		planned: p.Planned,
		charges: p.Charges,
	}
}

func (s *Service) Get(ctx context.Context, key ledgerdomain.Key) (*snapshotdomain.Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	records, err := s.repo.FindByKeys(ctx, s.db, []ledgerdomain.Key{key})
	if err != nil {
		return nil, failure.Wrap(failure.KindStore, "snapshot.get", err)
	}
	if len(records) == 0 {
		return nil, snapshotdomain.ErrSnapshotNotFound
	}
	return &records[0], nil
}
