package service

import (
	"context"
	"strings"

	auditdomain "github.com/smallbiznis/renewals/internal/audit/domain"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	"github.com/smallbiznis/renewals/internal/observability/logger"
	"go.uber.org/zap"
)

func (s *Service) Requeue(ctx context.Context, key ledgerdomain.Key, reason string) (bool, error) {
	requeued, err := s.ledger.Requeue(ctx, key, reason)
	if err != nil || !requeued {
		return requeued, err
	}

	target := key.String()
	metadata := map[string]any{
		"subscription_id": key.SubscriptionID,
		"term_end_date":   key.TermEndDate,
		"reason":          strings.TrimSpace(reason),
	}
	if s.audit != nil {
		if err := s.audit.AuditLog(ctx, "", nil, auditdomain.ActionEntryRequeued, auditdomain.TargetTypeLedger, &target, metadata); err != nil {
			logger.WithContext(ctx, s.log).Warn("renewal.entry.requeue_audit_failed", zap.String("target", target), zap.Error(err))
		}
	}
	logger.WithLedgerKey(logger.WithContext(ctx, s.log), key.SubscriptionID, key.TermEndDate).
		Info("renewal.entry.requeued", zap.String("reason", reason))
	return true, nil
}
