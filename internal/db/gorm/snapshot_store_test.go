package gorm

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	apperrors "github.com/soddygo/kode-acp/pkg/errors"
	"github.com/soddygo/kode-acp/pkg/models"
)

// SnapshotStoreSuite is a test suite for SnapshotStore operations.
type SnapshotStoreSuite struct {
	suite.Suite
	store     *Store
	snapshots *SnapshotStore
	ctx       context.Context
}

func (s *SnapshotStoreSuite) SetupTest() {
	s.ctx = context.Background()
	store, err := NewStore(Config{
		DSN:      filepath.Join(s.T().TempDir(), "test.db"),
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)
	s.store = store
	s.snapshots = NewSnapshotStore(store)
}

func (s *SnapshotStoreSuite) TearDownTest() {
	if s.store != nil {
		s.NoError(s.store.Close())
	}
}

func TestSnapshotStoreSuite(t *testing.T) {
	suite.Run(t, new(SnapshotStoreSuite))
}

func snapshot(id string, lastActive int64) models.SessionSnapshot {
	return models.SessionSnapshot{
		ID:               id,
		Mode:             models.ModeAcceptEdits,
		WorkingDirectory: "/work/" + id,
		PermissionMode:   models.PermissionSafe,
		CreatedAt:        lastActive - 1000,
		LastActivity:     lastActive,
		ToolCallCount:    3,
		Metadata:         map[string]interface{}{"owner": "ci", "attempt": float64(2)},
		IsActive:         false,
	}
}

// TestMigrationsCreateTable tests the snapshot table exists.
func (s *SnapshotStoreSuite) TestMigrationsCreateTable() {
	s.True(s.store.DB.Migrator().HasTable("session_snapshots"))
	s.Equal("sqlite", s.store.Dialect())
	s.NoError(s.store.Ping())
}

// TestSaveLoad tests the snapshot round trip.
func (s *SnapshotStoreSuite) TestSaveLoad() {
	s.Require().NoError(s.snapshots.Save(s.ctx, snapshot("a", 5000)))

	got, err := s.snapshots.Load(s.ctx, "a")
	s.Require().NoError(err)
	s.Equal("/work/a", got.WorkingDirectory)
	s.Equal(models.ModeAcceptEdits, got.Mode)
	s.Equal(models.PermissionSafe, got.PermissionMode)
	s.Equal(int64(4000), got.CreatedAt)
	s.Equal(int64(3), got.ToolCallCount)
	s.Equal("ci", got.Metadata["owner"])
	s.Equal(float64(2), got.Metadata["attempt"])
	s.True(got.IsActive)

	_, err = s.snapshots.Load(s.ctx, "missing")
	s.True(apperrors.Is(err, apperrors.ErrCodeNotFound))
}

// TestSaveUpserts tests saving an existing id replaces it.
func (s *SnapshotStoreSuite) TestSaveUpserts() {
	snap := snapshot("a", 5000)
	s.Require().NoError(s.snapshots.Save(s.ctx, snap))
	snap.ToolCallCount = 9
	s.Require().NoError(s.snapshots.Save(s.ctx, snap))

	count, err := s.snapshots.Count(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), count)

	got, err := s.snapshots.Load(s.ctx, "a")
	s.Require().NoError(err)
	s.Equal(int64(9), got.ToolCallCount)
}

// TestListAndDelete tests ordering and deletion.
func (s *SnapshotStoreSuite) TestListAndDelete() {
	s.Require().NoError(s.snapshots.SaveAll(s.ctx, []models.SessionSnapshot{
		snapshot("old", 1000),
		snapshot("new", 9000),
		snapshot("mid", 5000),
	}))

	list, err := s.snapshots.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(list, 3)
	s.Equal([]string{"new", "mid", "old"}, []string{list[0].ID, list[1].ID, list[2].ID})

	n, err := s.snapshots.Delete(s.ctx, "old", "ghost")
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	n, err = s.snapshots.PurgeOlderThan(s.ctx, time.UnixMilli(6000))
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	count, _ := s.snapshots.Count(s.ctx)
	s.Equal(int64(1), count)
}

// TestSaveAllRejectsMissingID tests validation before writing.
func (s *SnapshotStoreSuite) TestSaveAllRejectsMissingID() {
	err := s.snapshots.SaveAll(s.ctx, []models.SessionSnapshot{snapshot("a", 1), {}})
	s.True(apperrors.Is(err, apperrors.ErrCodeValidation))
	count, _ := s.snapshots.Count(s.ctx)
	s.Equal(int64(0), count)
	s.NoError(s.snapshots.SaveAll(s.ctx, nil))
}

func TestIsPostgres(t *testing.T) {
	tests := []struct {
		dsn  string
		want bool
	}{
		{"postgres://u:p@localhost/db", true},
		{"postgresql://localhost/db", true},
		{"/home/u/.kode-acp/kode-acp.db", false},
		{":memory:", false},
	}
	for _, tt := range tests {
		if got := IsPostgres(tt.dsn); got != tt.want {
			t.Errorf("IsPostgres(%q) = %v, want %v", tt.dsn, got, tt.want)
		}
	}
}

func TestNewStore_RequiresDSN(t *testing.T) {
	if _, err := NewStore(Config{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestNewStore_Memory(t *testing.T) {
	store, err := NewStore(Config{DSN: ":memory:", LogLevel: logger.Silent})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()

	snapshots := NewSnapshotStore(store)
	if err := snapshots.Save(context.Background(), snapshot("m", 10)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if n, _ := snapshots.Count(context.Background()); n != 1 {
		t.Errorf("expected 1 snapshot, got %d", n)
	}
}
