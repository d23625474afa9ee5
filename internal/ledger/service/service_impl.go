package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/renewals/internal/clock"
	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	"github.com/smallbiznis/renewals/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/renewals/internal/observability/metrics"
	"github.com/smallbiznis/renewals/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxCASAttempts bounds re-read/re-write cycles when a conditional write loses a race.
const maxCASAttempts = 5

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    ledgerdomain.Repository
	Metrics *obsmetrics.RenewalMetrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    ledgerdomain.Repository
	metrics *obsmetrics.RenewalMetrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ledger.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

func (s *Service) Get(ctx context.Context, key ledgerdomain.Key) (*ledgerdomain.Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	entry, err := s.repo.FindByKey(ctx, s.db, key)
	if err != nil {
		return nil, failure.Wrap(failure.KindStore, "ledger.get", err)
	}
	if entry == nil {
		return nil, ledgerdomain.ErrEntryNotFound
	}
	return entry, nil
}

func (s *Service) Claim(ctx context.Context, key ledgerdomain.Key) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	claimed, err := s.repo.Claim(ctx, s.db, key, s.clock.Now())
	if err != nil {
		return false, failure.Wrap(failure.KindStore, "ledger.claim", err)
	}
	s.metrics.IncClaim(claimed)
	if claimed {
		s.metrics.IncTransition(string(ledgerdomain.StatusPlanned), string(ledgerdomain.StatusProcessing))
	}
	logger.WithLedgerKey(logger.WithContext(ctx, s.log), key.SubscriptionID, key.TermEndDate).
		Debug("ledger.claim", zap.Bool("claimed", claimed))
	return claimed, nil
}

func (s *Service) MarkCreated(ctx context.Context, key ledgerdomain.Key, dealID string, patch map[string]any) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	dealID = strings.TrimSpace(dealID)
	if dealID == "" {
		return false, ledgerdomain.ErrInvalidDealID
	}

	return s.transition(ctx, "ledger.mark_created", key, func(entry *ledgerdomain.Entry, now time.Time) (*ledgerdomain.CASUpdate, error) {
		switch entry.Status {
		case ledgerdomain.StatusCreated:
			return nil, nil
		case ledgerdomain.StatusProcessing:
			if entry.HasDeal() {
				return nil, ledgerdomain.ErrInvalidTransition
			}
		default:
			return nil, ledgerdomain.ErrInvalidTransition
		}

		metadata := ledgerdomain.MergeMetadata(entry.Metadata, patch)
		metadata["created_deal_id"] = dealID
		metadata["created_at"] = now.Format(time.RFC3339)
		return &ledgerdomain.CASUpdate{
			Status:         ledgerdomain.StatusCreated,
			CreatedDealID:  &dealID,
			Metadata:       metadata,
			ClearLastError: true,
			RequireNoDeal:  true,
		}, nil
	})
}

func (s *Service) ReleaseForRetry(ctx context.Context, key ledgerdomain.Key, reason string) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	reason = normalizeReason(reason, "released")

	return s.transition(ctx, "ledger.release_for_retry", key, func(entry *ledgerdomain.Entry, now time.Time) (*ledgerdomain.CASUpdate, error) {
		if entry.Status != ledgerdomain.StatusProcessing {
			return nil, nil
		}
		metadata := ledgerdomain.MergeMetadata(entry.Metadata, map[string]any{
			"last_release_reason": reason,
			"released_at":         now.Format(time.RFC3339),
			"release_count":       ledgerdomain.MetadataInt(entry.Metadata, "release_count") + 1,
		})
		return &ledgerdomain.CASUpdate{
			Status:    ledgerdomain.StatusPlanned,
			Metadata:  metadata,
			LastError: &reason,
		}, nil
	})
}

// MarkError moves any non-created entry to error. A created entry keeps its deal and state.
func (s *Service) MarkError(ctx context.Context, key ledgerdomain.Key, reason string, patch map[string]any) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	reason = normalizeReason(reason, "error")

	return s.transition(ctx, "ledger.mark_error", key, func(entry *ledgerdomain.Entry, now time.Time) (*ledgerdomain.CASUpdate, error) {
		if entry.Status == ledgerdomain.StatusCreated {
			return nil, nil
		}
		metadata := ledgerdomain.MergeMetadata(entry.Metadata, patch)
		metadata["last_error"] = reason
		metadata["errored_at"] = now.Format(time.RFC3339)
		return &ledgerdomain.CASUpdate{
			Status:    ledgerdomain.StatusError,
			Metadata:  metadata,
			LastError: &reason,
		}, nil
	})
}

// Requeue is the explicit re-entry of an error entry into planning.
func (s *Service) Requeue(ctx context.Context, key ledgerdomain.Key, reason string) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	reason = normalizeReason(reason, "manual_requeue")

	return s.transition(ctx, "ledger.requeue", key, func(entry *ledgerdomain.Entry, now time.Time) (*ledgerdomain.CASUpdate, error) {
		if entry.Status != ledgerdomain.StatusError {
			return nil, nil
		}
		metadata := ledgerdomain.MergeMetadata(entry.Metadata, map[string]any{
			"requeue_reason": reason,
			"requeued_at":    now.Format(time.RFC3339),
		})
		return &ledgerdomain.CASUpdate{
			Status:         ledgerdomain.StatusPlanned,
			Metadata:       metadata,
			ClearLastError: true,
		}, nil
	})
}

func (s *Service) UpsertPlanned(ctx context.Context, key ledgerdomain.Key, sourceDealID string, sourceMetadata map[string]any) (ledgerdomain.PlanOutcome, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	sourceDealID = strings.TrimSpace(sourceDealID)
	log := logger.WithLedgerKey(logger.WithContext(ctx, s.log), key.SubscriptionID, key.TermEndDate)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		now := s.clock.Now()
		entry, err := s.repo.FindByKey(ctx, s.db, key)
		if err != nil {
			return "", failure.Wrap(failure.KindStore, "ledger.upsert_planned", err)
		}

		if entry == nil {
			inserted := &ledgerdomain.Entry{
				ID:             s.genID.Generate(),
				SubscriptionID: key.SubscriptionID,
				TermEndDate:    key.TermEndDate,
				Status:         ledgerdomain.StatusPlanned,
				SourceDealID:   optionalString(sourceDealID),
				Metadata: ledgerdomain.MergeMetadata(sourceMetadata, map[string]any{
					"planned_at": now.Format(time.RFC3339),
				}),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.repo.Insert(ctx, s.db, inserted); err != nil {
				if db.IsDuplicateKeyErr(err) {
					// A concurrent planner inserted the row first; merge into it instead.
					s.metrics.IncCASRetry()
					continue
				}
				return "", failure.Wrap(failure.KindStore, "ledger.upsert_planned", err)
			}
			s.metrics.IncTransition("", string(ledgerdomain.StatusPlanned))
			log.Debug("ledger.planned", zap.String("outcome", string(ledgerdomain.PlanOutcomeInserted)))
			return ledgerdomain.PlanOutcomeInserted, nil
		}

		outcome := ledgerdomain.PlanOutcomeUpdated
		next := ledgerdomain.StatusPlanned
		switch entry.Status {
		case ledgerdomain.StatusCreated:
			return ledgerdomain.PlanOutcomeAlreadyExists, nil
		case ledgerdomain.StatusError:
			outcome = ledgerdomain.PlanOutcomeRequeued
		case ledgerdomain.StatusProcessing:
			// The claim holder owns the status; planning only refreshes metadata.
			next = ledgerdomain.StatusProcessing
		}

		metadata := ledgerdomain.MergeMetadata(entry.Metadata, sourceMetadata)
		metadata["planned_at"] = now.Format(time.RFC3339)
		update := ledgerdomain.CASUpdate{
			Key:             key,
			ExpectedStatus:  entry.Status,
			ExpectedVersion: entry.Version,
			Status:          next,
			Metadata:        metadata,
			SourceDealID:    optionalString(sourceDealID),
			ClearLastError:  entry.Status == ledgerdomain.StatusError,
			UpdatedAt:       now,
		}
		ok, err := s.repo.CompareAndSet(ctx, s.db, update)
		if err != nil {
			return "", failure.Wrap(failure.KindStore, "ledger.upsert_planned", err)
		}
		if !ok {
			s.metrics.IncCASRetry()
			continue
		}
		s.metrics.IncTransition(string(entry.Status), string(next))
		log.Debug("ledger.planned", zap.String("outcome", string(outcome)), zap.String("previous_status", string(entry.Status)))
		return outcome, nil
	}
	return "", ledgerdomain.ErrConcurrentUpdate
}

func (s *Service) ListPlanned(ctx context.Context, after *ledgerdomain.Key, offset, limit int) ([]ledgerdomain.Entry, error) {
	if limit <= 0 || offset < 0 {
		return nil, ledgerdomain.ErrInvalidLimit
	}
	entries, err := s.repo.ListPlanned(ctx, s.db, after, offset, limit)
	if err != nil {
		return nil, failure.Wrap(failure.KindStore, "ledger.list_planned", err)
	}
	return entries, nil
}

func (s *Service) ListPlannedByFilter(ctx context.Context, filter ledgerdomain.Filter) ([]ledgerdomain.Entry, error) {
	entries, err := s.repo.ListPlannedByFilter(ctx, s.db, filter)
	if err != nil {
		return nil, failure.Wrap(failure.KindStore, "ledger.list_planned", err)
	}
	return entries, nil
}

func (s *Service) ListReadyForCreation(ctx context.Context, filter ledgerdomain.Filter, after *ledgerdomain.Key, limit int) ([]ledgerdomain.Entry, error) {
	if limit <= 0 {
		return nil, ledgerdomain.ErrInvalidLimit
	}
	entries, err := s.repo.ListReadyForCreation(ctx, s.db, filter, after, limit)
	if err != nil {
		return nil, failure.Wrap(failure.KindStore, "ledger.list_ready", err)
	}
	return entries, nil
}

func (s *Service) CountByStatus(ctx context.Context) (map[ledgerdomain.Status]int64, error) {
	counts, err := s.repo.CountByStatus(ctx, s.db)
	if err != nil {
		return nil, failure.Wrap(failure.KindStore, "ledger.count_by_status", err)
	}
	return counts, nil
}

type transitionFunc func(entry *ledgerdomain.Entry, now time.Time) (*ledgerdomain.CASUpdate, error)

// transition runs read -> decide -> conditional write, re-reading when the write loses a race.
// A nil update from decide means the entry is already past this transition.
func (s *Service) transition(ctx context.Context, op string, key ledgerdomain.Key, decide transitionFunc) (bool, error) {
	log := logger.WithLedgerKey(logger.WithContext(ctx, s.log), key.SubscriptionID, key.TermEndDate)

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		entry, err := s.repo.FindByKey(ctx, s.db, key)
		if err != nil {
			return false, failure.Wrap(failure.KindStore, op, err)
		}
		if entry == nil {
			return false, ledgerdomain.ErrEntryNotFound
		}

		now := s.clock.Now()
		update, err := decide(entry, now)
		if err != nil {
			if errors.Is(err, ledgerdomain.ErrInvalidTransition) {
				log.Warn("ledger.invalid_transition", zap.String("op", op), zap.String("status", string(entry.Status)))
			}
			return false, err
		}
		if update == nil {
			log.Debug("ledger.noop", zap.String("op", op), zap.String("status", string(entry.Status)))
			return false, nil
		}

		update.Key = key
		update.ExpectedStatus = entry.Status
		update.ExpectedVersion = entry.Version
		update.UpdatedAt = now

		ok, err := s.repo.CompareAndSet(ctx, s.db, *update)
		if err != nil && db.IsTransientErr(err) {
			log.Debug("ledger.cas_transient", zap.String("op", op), zap.Error(err))
			s.metrics.IncCASRetry()
			continue
		}
		if err != nil {
			return false, failure.Wrap(failure.KindStore, op, err)
		}
		if ok {
			s.metrics.IncTransition(string(entry.Status), string(update.Status))
			log.Debug("ledger.transition",
				zap.String("op", op),
				zap.String("from", string(entry.Status)),
				zap.String("to", string(update.Status)),
			)
			return true, nil
		}
		s.metrics.IncCASRetry()
	}

	log.Warn("ledger.cas_exhausted", zap.String("op", op), zap.Int("attempts", maxCASAttempts))
	return false, ledgerdomain.ErrConcurrentUpdate
}

func normalizeReason(reason, fallback string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return fallback
	}
	return failure.Truncate(reason, 500)
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
