package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	"github.com/smallbiznis/renewals/internal/observability/logger"
	plannerdomain "github.com/smallbiznis/renewals/internal/planner/domain"
	renewalrundomain "github.com/smallbiznis/renewals/internal/renewalrun/domain"
	"go.uber.org/zap"
)

type planRenewalsRequest struct {
	SubscriptionID string `json:"subscription_id"`
	TermEndDate    string `json:"term_end_date"`
	SourceDealID   string `json:"source_deal_id"`
	HorizonDays    int    `json:"horizon_days"`
}

type runRenewalsRequest struct {
	SubscriptionID string `json:"subscription_id"`
	SourceDealID   string `json:"source_deal_id"`
	BatchSize      int    `json:"batch_size"`
	MaxBatches     int    `json:"max_batches"`
}

type requeueEntryRequest struct {
	SubscriptionID string `json:"subscription_id"`
	TermEndDate    string `json:"term_end_date"`
	Reason         string `json:"reason"`
}

// bindOptionalJSON accepts an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) PlanRenewals(c *gin.Context) {
	var req planRenewalsRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	summary, err := s.runSvc.RunPlan(c.Request.Context(), plannerdomain.PlanRequest{
		SubscriptionID: strings.TrimSpace(req.SubscriptionID),
		TermEndDate:    strings.TrimSpace(req.TermEndDate),
		SourceDealID:   strings.TrimSpace(req.SourceDealID),
		HorizonDays:    req.HorizonDays,
	})
	s.respondRun(c, summary, err)
}

func (s *Server) SnapshotRenewals(c *gin.Context) {
	req, ok := bindRunRequest(c)
	if !ok {
		return
	}
	summary, err := s.runSvc.RunSnapshot(c.Request.Context(), req)
	s.respondRun(c, summary, err)
}

func (s *Server) CreateRenewals(c *gin.Context) {
	req, ok := bindRunRequest(c)
	if !ok {
		return
	}
	summary, err := s.runSvc.RunCreate(c.Request.Context(), req)
	s.respondRun(c, summary, err)
}

func bindRunRequest(c *gin.Context) (renewalrundomain.RunRequest, bool) {
	var req runRenewalsRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return renewalrundomain.RunRequest{}, false
	}
	return renewalrundomain.RunRequest{
		Filter: ledgerdomain.Filter{
			SubscriptionID: strings.TrimSpace(req.SubscriptionID),
			SourceDealID:   strings.TrimSpace(req.SourceDealID),
		},
		BatchSize:  req.BatchSize,
		MaxBatches: req.MaxBatches,
	}, true
}

// respondRun writes the summary. A run that aborted on a store failure still
// returns what it did, with 503.
func (s *Server) respondRun(c *gin.Context, summary renewalrundomain.Summary, err error) {
	if summary.RunID != "" {
		c.Set("run_id", summary.RunID)
	}
	if err == nil {
		c.JSON(http.StatusOK, summary)
		return
	}
	if summary.RunID == "" {
		AbortWithError(c, err)
		return
	}

	logger.WithContext(c.Request.Context(), s.log).Warn("renewal.run.aborted",
		zap.String("run_id", summary.RunID),
		zap.String("run_kind", string(summary.Kind)),
		zap.Error(err),
	)
	_ = c.Error(err)
	c.JSON(http.StatusServiceUnavailable, summary)
}

func (s *Server) RequeueEntry(c *gin.Context) {
	var req requeueEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	key, err := ledgerdomain.ParseKey(req.SubscriptionID, req.TermEndDate)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	requeued, err := s.runSvc.Requeue(c.Request.Context(), key, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result := "noop"
	if requeued {
		result = "requeued"
	}
	c.JSON(http.StatusOK, gin.H{
		"subscription_id": key.SubscriptionID,
		"term_end_date":   key.TermEndDate,
		"result":          result,
	})
}

func (s *Server) GetEntry(c *gin.Context) {
	key, err := ledgerdomain.ParseKey(c.Param("subscription_id"), c.Param("term_end_date"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entry, err := s.ledgerSvc.Get(c.Request.Context(), key)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entry})
}
