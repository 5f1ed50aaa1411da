package gorm

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/soddygo/kode-acp/pkg/models"
)

// JSONMap stores free-form metadata as a JSON text column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}
	out := JSONMap{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return err
		}
	}
	*m = out
	return nil
}

// SessionSnapshotRow is one persisted session.
type SessionSnapshotRow struct {
	SavedAt          time.Time `gorm:"index;not null"`
	Metadata         JSONMap   `gorm:"type:text"`
	ID               string    `gorm:"primaryKey;size:128"`
	Mode             string    `gorm:"size:32;not null"`
	WorkingDirectory string    `gorm:"type:text"`
	PermissionMode   string    `gorm:"size:16;not null"`
	CreatedAtEpoch   int64     `gorm:"not null"`
	LastActiveEpoch  int64     `gorm:"index;not null"`
	ToolCallCount    int64     `gorm:"default:0"`
}

func (SessionSnapshotRow) TableName() string { return "session_snapshots" }

func rowFromSnapshot(s models.SessionSnapshot, savedAt time.Time) SessionSnapshotRow {
	return SessionSnapshotRow{
		ID:               s.ID,
		Mode:             string(s.Mode),
		WorkingDirectory: s.WorkingDirectory,
		PermissionMode:   string(s.PermissionMode),
		CreatedAtEpoch:   s.CreatedAt,
		LastActiveEpoch:  s.LastActivity,
		ToolCallCount:    s.ToolCallCount,
		Metadata:         JSONMap(s.Metadata),
		SavedAt:          savedAt,
	}
}

func (r SessionSnapshotRow) snapshot() models.SessionSnapshot {
	return models.SessionSnapshot{
		ID:               r.ID,
		Mode:             models.SessionMode(r.Mode),
		WorkingDirectory: r.WorkingDirectory,
		PermissionMode:   models.PermissionMode(r.PermissionMode),
		CreatedAt:        r.CreatedAtEpoch,
		LastActivity:     r.LastActiveEpoch,
		ToolCallCount:    r.ToolCallCount,
		Metadata:         map[string]interface{}(r.Metadata),
		IsActive:         true,
	}
}
