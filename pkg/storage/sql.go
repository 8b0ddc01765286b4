package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/igorsilveira/switchboard/pkg/telemetry"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type record struct {
	Key       string    `gorm:"primaryKey;column:key"`
	Data      string    `gorm:"column:data;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

func (record) TableName() string {
	return "records"
}

// OpenSQLite opens a sqlite database at dsn in WAL mode.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		closeDB(db)
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	return db, nil
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLStore keeps records in a single key/value table.
type SQLStore struct {
	db     *gorm.DB
	logger *slog.Logger
	mu     sync.Mutex
}

func NewSQLStore(db *gorm.DB, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("storage: running migrations: %w", err)
	}
	return &SQLStore{db: db, logger: logger.With("component", "storage")}, nil
}

func (s *SQLStore) Save(ctx context.Context, key string, data any) (err error) {
	defer func() { telemetry.ObserveStorage("save", err) }()

	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("storage: encoding %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &record{Key: key, Data: string(b), UpdatedAt: time.Now().UTC()}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(rec).Error
	if err != nil {
		return fmt.Errorf("storage: saving %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, key string, out any) bool {
	var rec record
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		zero(out)
		return false
	}
	if err != nil {
		telemetry.ObserveStorage("load", err)
		s.logger.Warn("reading record", slog.String("key", key), slog.String("error", err.Error()))
		zero(out)
		return false
	}
	if err := json.Unmarshal([]byte(rec.Data), out); err != nil {
		telemetry.ObserveStorage("load", err)
		s.logger.Warn("corrupt record", slog.String("key", key), slog.String("error", err.Error()))
		zero(out)
		return false
	}
	telemetry.ObserveStorage("load", nil)
	return true
}

func (s *SQLStore) Delete(ctx context.Context, key string) (err error) {
	defer func() { telemetry.ObserveStorage("delete", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&record{}).Error; err != nil {
		return fmt.Errorf("storage: deleting %q: %w", key, err)
	}
	return nil
}

// DB exposes the underlying connection so other tables can share it.
func (s *SQLStore) DB() *gorm.DB { return s.db }

func (s *SQLStore) Close() error {
	return closeDB(s.db)
}
