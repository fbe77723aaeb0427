package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := Build{
		StartedAt:      time.UnixMilli(1756200000000),
		Duration:       420 * time.Millisecond,
		Targets:        []string{"claude", "cursor"},
		Mode:           "full",
		Success:        true,
		RulesTotal:     12,
		RulesChanged:   12,
		OutputsWritten: 13,
	}
	id, err := s.Record(ctx, first)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	second := Build{
		StartedAt:    time.UnixMilli(1756200060000),
		Duration:     15 * time.Millisecond,
		Targets:      []string{"claude", "cursor"},
		Mode:         "incremental",
		Success:      false,
		RulesTotal:   12,
		RulesChanged: 1,
		Error:        "write transaction failed",
	}
	_, err = s.Record(ctx, second)
	require.NoError(t, err)

	builds, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, builds, 2)

	// Newest first.
	assert.Equal(t, "incremental", builds[0].Mode)
	assert.False(t, builds[0].Success)
	assert.Equal(t, "write transaction failed", builds[0].Error)
	assert.Equal(t, []string{"claude", "cursor"}, builds[0].Targets)

	assert.Equal(t, "full", builds[1].Mode)
	assert.True(t, builds[1].Success)
	assert.Equal(t, first.StartedAt.UnixMilli(), builds[1].StartedAt.UnixMilli())
	assert.Equal(t, first.Duration, builds[1].Duration)
	assert.Equal(t, 13, builds[1].OutputsWritten)
}

func TestRecord_KeepsExplicitID(t *testing.T) {
	s := openTestStore(t)

	id, err := s.Record(context.Background(), Build{
		ID:        "fixed-id",
		StartedAt: time.Now(),
		Mode:      "check",
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id)
}

func TestLast(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	last, err := s.Last(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	_, err = s.Record(ctx, Build{StartedAt: time.UnixMilli(1000), Mode: "full", Success: true})
	require.NoError(t, err)
	_, err = s.Record(ctx, Build{StartedAt: time.UnixMilli(2000), Mode: "incremental", Success: true})
	require.NoError(t, err)

	last, err = s.Last(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "incremental", last.Mode)
}

func TestRecent_Limit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Record(ctx, Build{StartedAt: time.UnixMilli(int64(i * 1000)), Mode: "full"})
		require.NoError(t, err)
	}

	builds, err := s.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, builds, 3)
	assert.Equal(t, int64(4000), builds[0].StartedAt.UnixMilli())
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("proj", ".rulekit", "history.db"), Path("proj"))
}
