package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/statlab/expstats-backend/internal/platform/envutil"
	"github.com/statlab/expstats-backend/internal/platform/logger"
	"github.com/statlab/expstats-backend/internal/types"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	host := envutil.String("POSTGRES_HOST", "localhost")
	port := envutil.String("POSTGRES_PORT", "5432")
	user := envutil.String("POSTGRES_USER", "postgres")
	password := envutil.String("POSTGRES_PASSWORD", "")
	name := envutil.String("POSTGRES_NAME", "expstats")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

	serviceLog.Info("Connecting to Postgres...", "host", host, "db", name)
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := Migrate(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	return nil
}

// Migrate creates the schema plus the one constraint AutoMigrate cannot
// express: the partial unique index that allows at most one pending or
// in_progress recalculation request per (experiment, fingerprint). Creation
// races between schedulers resolve here, at the database, not in Go.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&types.Team{},
		&types.Experiment{},
		&types.ExperimentMetric{},
		&types.SavedMetric{},
		&types.ExperimentSavedMetric{},
		&types.RecalculationRequest{},
		&types.DailyMetricResult{},
	); err != nil {
		return err
	}
	if err := gdb.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_recalc_request_active
		ON experiment_recalculation_request (experiment_id, fingerprint)
		WHERE status IN ('pending', 'in_progress')
	`).Error; err != nil {
		return fmt.Errorf("create partial unique index: %w", err)
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
