// Package gormstore provides a GORM/PostgreSQL-backed snapshot store for
// deployments already running on GORM.
package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/quillsync/quillsync/pkg/store"
)

// Option allows configuring the DB connection.
type Option func(*config)

type config struct {
	Logger logger.Interface
}

// WithLogger sets a custom GORM logger.
func WithLogger(l logger.Interface) Option { return func(c *config) { c.Logger = l } }

// Open opens a Postgres-backed GORM DB connection using the provided DSN.
func Open(dsn string, opts ...Option) (*Store, error) {
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	gormCfg := &gorm.Config{}
	if cfg.Logger != nil {
		gormCfg.Logger = cfg.Logger
	}
	db, err := gorm.Open(postgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&SnapshotModel{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// SnapshotModel is the GORM model for the one-row-per-document snapshot
// table. BinaryState holds the canonical base64 text; legacy rows may hold
// other encodings, so reads return it unparsed.
type SnapshotModel struct {
	DocID       string    `gorm:"column:doc_id;primaryKey;type:text"`
	BinaryState string    `gorm:"column:binary_state;type:text"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

func (SnapshotModel) TableName() string { return "snapshots" }

// Store implements store.SnapshotStore using GORM.
type Store struct{ db *gorm.DB }

// Get returns the row for docID, or store.ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, docID string) (store.RawSnapshot, error) {
	var m SnapshotModel
	err := s.db.WithContext(ctx).Where("doc_id = ?", docID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.RawSnapshot{}, store.ErrNotFound
	}
	if err != nil {
		return store.RawSnapshot{}, err
	}
	return store.RawSnapshot{DocID: m.DocID, State: m.BinaryState, UpdatedAt: m.UpdatedAt}, nil
}

// Upsert inserts or replaces the row for snap.DocID, last-write-wins.
func (s *Store) Upsert(ctx context.Context, snap store.EncodedSnapshot) error {
	m := SnapshotModel{DocID: snap.DocID, BinaryState: snap.State, UpdatedAt: snap.UpdatedAt}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"binary_state", "updated_at"}),
		}).
		Create(&m).Error
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}
