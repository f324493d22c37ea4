package sample

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethpandaops/benchflow/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Record is the persisted form of a sample.
type Record struct {
	ID        uint      `gorm:"primarykey"`
	Benchmark string    `gorm:"index"`
	RunID     string    `gorm:"index"`
	Name      string    `gorm:"index"`
	Value     float64
	Unit      string
	Metadata  string
	Timestamp time.Time
	CreatedAt time.Time
}

// TableName keeps the table name stable across gorm versions.
func (Record) TableName() string {
	return "samples"
}

type dbSink struct {
	log logrus.FieldLogger
	db  *gorm.DB
}

// Ensure interface compliance.
var _ Sink = (*dbSink)(nil)

// NewDatabaseSink opens the configured database, runs migrations, and
// returns a sink persisting samples to it.
func NewDatabaseSink(log logrus.FieldLogger, cfg *config.DatabaseConfig) (Sink, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Postgres.Host,
			cfg.Postgres.Port,
			cfg.Postgres.User,
			cfg.Postgres.Password,
			cfg.Postgres.Database,
			cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrating samples table: %w", err)
	}

	return &dbSink{
		log: log.WithField("component", "db-sink"),
		db:  db,
	}, nil
}

func (s *dbSink) Name() string {
	return "database"
}

func (s *dbSink) PublishSamples(ctx context.Context, samples []Sample) error {
	records := make([]Record, 0, len(samples))

	for _, smp := range samples {
		records = append(records, Record{
			Benchmark: smp.Metadata["benchmark"],
			RunID:     smp.Metadata["run_id"],
			Name:      smp.Name,
			Value:     smp.Value,
			Unit:      smp.Unit,
			Metadata:  encodeMetadata(smp.Metadata),
			Timestamp: smp.Timestamp,
		})
	}

	if len(records) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Create(&records).Error; err != nil {
		return fmt.Errorf("inserting sample records: %w", err)
	}

	return nil
}

// encodeMetadata serializes sample metadata for storage in a single column.
func encodeMetadata(md map[string]string) string {
	b, err := json.Marshal(md)
	if err != nil {
		return ""
	}

	return string(b)
}

func (s *dbSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying database: %w", err)
	}

	return sqlDB.Close()
}
