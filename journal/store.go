// Package journal persists the sponsorship saga log and the redemption audit trail.
package journal

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"lukechampine.com/blake3"
)

// ErrNotFound is returned when a saga does not exist.
var ErrNotFound = errors.New("journal: record not found")

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

// Open connects to driver ("sqlite" or "postgres") at dsn and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if strings.TrimSpace(dsn) == "" {
			dsn = "file:zeppay?mode=memory&cache=shared"
		}
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return New(db)
}

// New migrates db and wraps it.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// CreateSaga inserts a new saga. A zero ID is assigned.
func (s *Store) CreateSaga(ctx context.Context, saga *SponsorshipSaga) error {
	if saga.ID == uuid.Nil {
		saga.ID = uuid.New()
	}
	if saga.Phase == "" {
		saga.Phase = PhaseStarted
	}
	return s.db.WithContext(ctx).Create(saga).Error
}

// SaveSaga persists every field of saga.
func (s *Store) SaveSaga(ctx context.Context, saga *SponsorshipSaga) error {
	return s.db.WithContext(ctx).Save(saga).Error
}

// Saga loads one saga by ID.
func (s *Store) Saga(ctx context.Context, id uuid.UUID) (*SponsorshipSaga, error) {
	var saga SponsorshipSaga
	err := s.db.WithContext(ctx).First(&saga, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &saga, nil
}

// PendingSagas lists the sponsor's resumable sagas, oldest first.
func (s *Store) PendingSagas(ctx context.Context, sponsor string) ([]SponsorshipSaga, error) {
	var sagas []SponsorshipSaga
	err := s.db.WithContext(ctx).
		Where("sponsor = ? AND phase NOT IN ?", sponsor, []SagaPhase{PhaseCompleted, PhaseAbandoned}).
		Order("created_at asc").
		Find(&sagas).Error
	return sagas, err
}

// RecordRedemption appends an audit row.
func (s *Store) RecordRedemption(ctx context.Context, rec *RedemptionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// Redemptions lists the merchant's most recent audit rows.
func (s *Store) Redemptions(ctx context.Context, merchant string, limit int) ([]RedemptionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var records []RedemptionRecord
	err := s.db.WithContext(ctx).
		Where("merchant = ?", merchant).
		Order("created_at desc").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// CodeDigest hashes a redemption code for storage.
func CodeDigest(code string) string {
	sum := blake3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
