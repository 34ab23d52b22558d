package kernel

import (
	"fmt"
	"github.com/Angel-Anselmo/NestPay-sub000/models"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"time"
)

func (art *AppRuntime) PrepareDatabase() error {
	level := logger.Warn
	if art.DeploymentEnvironment != "production" {
		level = logger.Info
	}
	dbLogger := logger.New(
		&log.Logger,
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		},
	)

	var dialector gorm.Dialector
	switch art.DatabaseDriver {
	case DriverSqlite:
		dialector = sqlite.Open(art.DatabaseDSN)
	default:
		dialector = mysql.Open(art.DatabaseDSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: dbLogger})
	if err != nil {
		return fmt.Errorf("opening %s database: %w", art.DatabaseDriver, err)
	}

	if err = db.Use(otelgorm.NewPlugin(
		otelgorm.WithAttributes(),
		otelgorm.WithTracerProvider(otel.GetTracerProvider()),
	)); err != nil {
		return err
	}

	if err = db.AutoMigrate(&models.PaymentFlow{}); err != nil {
		return fmt.Errorf("migrating payment flows: %w", err)
	}

	art.DatabaseClient = db
	return nil
}
