package service

import (
	"context"

	"github.com/smallbiznis/renewals/internal/failure"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	snapshotdomain "github.com/smallbiznis/renewals/internal/snapshot/domain"
	"go.uber.org/zap"
)

// SelectDue returns planned entries without a snapshot. The result reflects the store
// at call time: no key is returned twice and no returned key has a snapshot.
func (s *Service) SelectDue(ctx context.Context, req snapshotdomain.SelectRequest) ([]ledgerdomain.Entry, error) {
	if req.BatchSize <= 0 {
		return nil, snapshotdomain.ErrInvalidBatchSize
	}
	if !req.Filter.IsEmpty() {
		return s.selectFiltered(ctx, req.Filter)
	}

	chunkSize := max(req.BatchSize*3, req.BatchSize)
	due := make([]ledgerdomain.Entry, 0, req.BatchSize)
	seen := map[ledgerdomain.Key]struct{}{}
	chunks := 0

	for offset := 0; len(due) < req.BatchSize; offset += chunkSize {
		rows, err := s.planned.ListPlanned(ctx, req.After, offset, chunkSize)
		if err != nil {
			return nil, err
		}
		chunks++

		candidates := uniqueEntries(rows, seen)
		existing, err := s.existingKeys(ctx, candidates)
		if err != nil {
			return nil, err
		}
		for _, entry := range candidates {
			if _, ok := existing[entry.Key()]; ok {
				continue
			}
			due = append(due, entry)
			if len(due) == req.BatchSize {
				break
			}
		}

		if len(rows) < chunkSize {
			break
		}
	}

	s.log.Debug("snapshot.select_due",
		zap.Int("batch_size", req.BatchSize),
		zap.Int("chunks", chunks),
		zap.Int("selected", len(due)),
	)
	return due, nil
}

func (s *Service) selectFiltered(ctx context.Context, filter ledgerdomain.Filter) ([]ledgerdomain.Entry, error) {
	rows, err := s.planned.ListPlannedByFilter(ctx, filter)
	if err != nil {
		return nil, err
	}
	candidates := uniqueEntries(rows, map[ledgerdomain.Key]struct{}{})
	existing, err := s.existingKeys(ctx, candidates)
	if err != nil {
		return nil, err
	}

	due := make([]ledgerdomain.Entry, 0, len(candidates))
	for _, entry := range candidates {
		if _, ok := existing[entry.Key()]; ok {
			continue
		}
		due = append(due, entry)
	}
	return due, nil
}

func (s *Service) existingKeys(ctx context.Context, entries []ledgerdomain.Entry) (map[ledgerdomain.Key]struct{}, error) {
	keys := make([]ledgerdomain.Key, 0, len(entries))
	for _, entry := range entries {
		keys = append(keys, entry.Key())
	}
	existing, err := s.repo.ExistingKeys(ctx, s.db, keys)
	if err != nil {
		return nil, failure.Wrap(failure.KindStore, "snapshot.existing_keys", err)
	}
	return existing, nil
}

// uniqueEntries drops keys already in seen and records the rest.
func uniqueEntries(rows []ledgerdomain.Entry, seen map[ledgerdomain.Key]struct{}) []ledgerdomain.Entry {
	out := make([]ledgerdomain.Entry, 0, len(rows))
	for _, row := range rows {
		key := row.Key()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, row)
	}
	return out
}
