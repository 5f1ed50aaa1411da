package gorm

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/soddygo/kode-acp/pkg/errors"
	"github.com/soddygo/kode-acp/pkg/models"
)

// SnapshotStore provides session snapshot persistence.
type SnapshotStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSnapshotStore creates a new snapshot store.
func NewSnapshotStore(store *Store) *SnapshotStore {
	return &SnapshotStore{db: store.DB, now: time.Now}
}

// Save upserts one snapshot keyed by session id.
func (s *SnapshotStore) Save(ctx context.Context, snap models.SessionSnapshot) error {
	return s.SaveAll(ctx, []models.SessionSnapshot{snap})
}

// SaveAll upserts snapshots in one transaction.
func (s *SnapshotStore) SaveAll(ctx context.Context, snaps []models.SessionSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	now := s.now()
	rows := make([]SessionSnapshotRow, 0, len(snaps))
	for _, snap := range snaps {
		if snap.ID == "" {
			return apperrors.Validation("snapshot without id")
		}
		rows = append(rows, rowFromSnapshot(snap, now))
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&rows).Error
	})
}

// Load returns the snapshot of one session.
func (s *SnapshotStore) Load(ctx context.Context, id string) (models.SessionSnapshot, error) {
	var row SessionSnapshotRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.SessionSnapshot{}, apperrors.NotFound("snapshot not found: %s", id)
	}
	if err != nil {
		return models.SessionSnapshot{}, err
	}
	return row.snapshot(), nil
}

// List returns all snapshots, most recently active first.
func (s *SnapshotStore) List(ctx context.Context) ([]models.SessionSnapshot, error) {
	var rows []SessionSnapshotRow
	err := s.db.WithContext(ctx).
		Order("last_active_epoch DESC").
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]models.SessionSnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.snapshot())
	}
	return out, nil
}

// Delete removes the given snapshots and returns how many existed.
func (s *SnapshotStore) Delete(ctx context.Context, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&SessionSnapshotRow{})
	return result.RowsAffected, result.Error
}

// Count returns the number of stored snapshots.
func (s *SnapshotStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&SessionSnapshotRow{}).Count(&count).Error
	return count, err
}

// PurgeOlderThan removes snapshots whose last activity is before cutoff.
func (s *SnapshotStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("last_active_epoch < ?", cutoff.UnixMilli()).
		Delete(&SessionSnapshotRow{})
	return result.RowsAffected, result.Error
}
