// Package database persists workflow run history to a relational store via
// GORM. This package is internal and should not be imported by external
// projects.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flowgate/flowgate/workflow"
)

// ErrRunNotFound is returned when a run record does not exist.
var ErrRunNotFound = errors.New("database: run not found")

// RunRecord is one persisted workflow run.
type RunRecord struct {
	ID          uint   `gorm:"primaryKey"`
	ExecutionID string `gorm:"uniqueIndex;size:64"`
	WorkflowID  string `gorm:"index;size:128"`
	Status      string `gorm:"size:32"`
	Error       string
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMS  int64
	Nodes       []NodeRunRecord `gorm:"foreignKey:RunRecordID;constraint:OnDelete:CASCADE"`
}

// NodeRunRecord is one node outcome within a persisted run.
type NodeRunRecord struct {
	ID          uint   `gorm:"primaryKey"`
	RunRecordID uint   `gorm:"index"`
	NodeID      string `gorm:"size:128"`
	ExecutionID string `gorm:"size:64"`
	Status      string `gorm:"size:32"`
	FailureType string `gorm:"size:32"`
	Error       string
	Attempts    int
	DurationMS  int64
}

// PoolConfig tunes the underlying sql.DB connection pool.
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// DefaultPoolConfig returns the shipped pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    5,
		MaxOpenConns:    25,
		ConnMaxLifetime: time.Hour,
	}
}

// Open opens (or creates) a SQLite database at path. Use ":memory:" for an
// ephemeral database in tests.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}
	return db, nil
}

// Store writes and queries run history. It implements
// workflow.HistorySink.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore migrates the schema, applies the pool config and returns a
// ready store.
func NewStore(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database: db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := db.AutoMigrate(&RunRecord{}, &NodeRunRecord{}); err != nil {
		return nil, fmt.Errorf("database: migrate: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: unwrap sql.DB: %w", err)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "history_store")),
	}, nil
}

// SaveResult persists one finished run with its node outcomes.
func (s *Store) SaveResult(ctx context.Context, result *workflow.Result) error {
	if result == nil {
		return fmt.Errorf("database: nil result")
	}
	record := RunRecord{
		ExecutionID: result.ExecutionID,
		WorkflowID:  result.WorkflowID,
		Status:      string(result.Status),
		Error:       result.Error,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		DurationMS:  result.Duration.Milliseconds(),
	}
	for _, nr := range result.NodeResults {
		record.Nodes = append(record.Nodes, NodeRunRecord{
			NodeID:      nr.NodeID,
			ExecutionID: nr.ExecutionID,
			Status:      string(nr.Status),
			FailureType: nr.FailureType,
			Error:       nr.Error,
			Attempts:    nr.Attempts,
			DurationMS:  nr.Duration.Milliseconds(),
		})
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("database: save run %s: %w", result.ExecutionID, err)
	}
	s.logger.Debug("run persisted",
		zap.String("execution_id", result.ExecutionID),
		zap.String("status", record.Status))
	return nil
}

// GetRun loads one run with its node records.
func (s *Store) GetRun(ctx context.Context, executionID string) (*RunRecord, error) {
	var record RunRecord
	err := s.db.WithContext(ctx).
		Preload("Nodes").
		Where("execution_id = ?", executionID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("database: load run %s: %w", executionID, err)
	}
	return &record, nil
}

// ListByWorkflow returns up to limit runs of a workflow, newest first.
func (s *Store) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []RunRecord
	err := s.db.WithContext(ctx).
		Preload("Nodes").
		Where("workflow_id = ?", workflowID).
		Order("started_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("database: list runs for %s: %w", workflowID, err)
	}
	return records, nil
}

// CountByStatus aggregates run counts per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&RunRecord{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("database: count by status: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// PruneBefore deletes runs that started before the cutoff and returns the
// number removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("started_at < ?", cutoff).
		Delete(&RunRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("database: prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
