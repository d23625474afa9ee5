package migration

import (
	"context"

	"github.com/smallbiznis/renewals/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(lc fx.Lifecycle, conn *gorm.DB, cfg db.Config, log *zap.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return Apply(conn, cfg.Type, log)
			},
		})
	}),
)

// Apply migrates the schema for the configured dialect.
func Apply(conn *gorm.DB, dialect string, log *zap.Logger) error {
	if dialect != db.TypePostgres && dialect != "" {
		log.Info("migrations.auto_migrate", zap.String("dialect", dialect))
		return AutoMigrate(conn)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	log.Info("migrations.apply", zap.String("dialect", dialect))
	return RunMigrations(sqlDB)
}
