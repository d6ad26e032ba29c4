package db

import (
	"fmt"
	stdlog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/platform/envutil"
	"github.com/noetl/noetl/internal/platform/logger"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(logg *logger.Logger) (*PostgresService, error) {
	serviceLog := logg.With("service", "PostgresService")

	host := envutil.String("NOETL_POSTGRES_HOST", "localhost")
	port := envutil.String("NOETL_POSTGRES_PORT", "5432")
	user := envutil.String("NOETL_POSTGRES_USER", "postgres")
	password := envutil.String("NOETL_POSTGRES_PASSWORD", "")
	name := envutil.String("NOETL_POSTGRES_NAME", "noetl")
	sslmode := envutil.String("NOETL_POSTGRES_SSLMODE", "disable")

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, name, sslmode,
	)

	gormLog := gormLogger.New(
		stdlog.New(os.Stdout, "\r\n", stdlog.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("failed to enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

// AutoMigrateAll creates or updates every core table.
func (s *PostgresService) AutoMigrateAll() error {
	return s.db.AutoMigrate(
		&domain.Event{},
		&domain.Execution{},
		&domain.QueueJob{},
		&domain.Runtime{},
		&domain.Credential{},
		&domain.CatalogEntry{},
		&domain.WorkloadState{},
	)
}
