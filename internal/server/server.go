package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/renewals/internal/audit/domain"
	"github.com/smallbiznis/renewals/internal/config"
	ledgerdomain "github.com/smallbiznis/renewals/internal/ledger/domain"
	"github.com/smallbiznis/renewals/internal/observability"
	obsmiddleware "github.com/smallbiznis/renewals/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/renewals/internal/observability/metrics"
	obstracing "github.com/smallbiznis/renewals/internal/observability/tracing"
	renewalrundomain "github.com/smallbiznis/renewals/internal/renewalrun/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module serves the renewal API from the monolith binary.
var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterAPIRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http.server.start", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Params struct {
	fx.In

	Engine *gin.Engine
	Config config.Config
	Log    *zap.Logger
	Runs   renewalrundomain.Service
	Ledger ledgerdomain.Service
	Audit  auditdomain.Service
}

type Server struct {
	engine    *gin.Engine
	cfg       config.Config
	log       *zap.Logger
	runSvc    renewalrundomain.Service
	ledgerSvc ledgerdomain.Service
	auditSvc  auditdomain.Service
}

func NewServer(p Params) *Server {
	return &Server{
		engine:    p.Engine,
		cfg:       p.Config,
		log:       p.Log.Named("http.server"),
		runSvc:    p.Runs,
		ledgerSvc: p.Ledger,
		auditSvc:  p.Audit,
	}
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/v1/renewals")
	api.Use(SharedSecretRequired(s.cfg.SharedSecret))

	api.POST("/plan", s.PlanRenewals)
	api.POST("/snapshot", s.SnapshotRenewals)
	api.POST("/create", s.CreateRenewals)
	api.POST("/requeue", s.RequeueEntry)
	api.GET("/entries/:subscription_id/:term_end_date", s.GetEntry)
	api.GET("/runs", s.ListRuns)
}
