package migrate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballastdb/ballast/internal/kv"
)

func openTestDB(t *testing.T) *kv.DB {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCheckpoint_SingleRowOverwrite(t *testing.T) {
	db := openTestDB(t)
	cpl := NewCheckpointLog(db, nil)
	ctx := context.Background()

	require.NoError(t, cpl.SaveWriteAhead(ctx, IntentConfig, "alpha", 0, 0, 4))
	require.NoError(t, cpl.MarkComplete(ctx, IntentConfig, "alpha", 0, 1, 4))
	require.NoError(t, cpl.SaveWriteAhead(ctx, IntentConfig, "beta", 1, 1, 4))

	cp, found, err := cpl.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "beta", cp.Key)
	assert.Equal(t, StatusPending, cp.Status)
	assert.Equal(t, 0, cp.LastProcessedIndex)

	// Exactly one checkpoint row ever exists.
	n, err := db.Count(ctx, kv.StoreMigration)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCheckpoint_ResumePositions(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		index  int
		want   int
	}{
		{"pending re-executes", StatusPending, 2, 2},
		{"complete advances", StatusComplete, 2, 3},
		{"failed skips without retry", StatusFailed, 2, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := Checkpoint{Status: tt.status, Index: tt.index}
			assert.Equal(t, tt.want, cp.NextIndex())
		})
	}
}

func TestCheckpoint_MarkFailedKeepsError(t *testing.T) {
	db := openTestDB(t)
	cpl := NewCheckpointLog(db, nil)
	ctx := context.Background()

	cause := errors.New("quota exceeded")
	require.NoError(t, cpl.MarkFailed(ctx, IntentToken, "access_token", 0, 0, 2, cause))

	cp, found, err := cpl.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusFailed, cp.Status)
	assert.Equal(t, "quota exceeded", cp.Error)
	assert.Equal(t, -1, cp.LastProcessedIndex)
}

func TestCheckpoint_ClearTolerant(t *testing.T) {
	db := openTestDB(t)
	cpl := NewCheckpointLog(db, nil)
	ctx := context.Background()

	// Clearing a missing row is a no-op.
	assert.NoError(t, cpl.Clear(ctx))

	require.NoError(t, cpl.SaveWriteAhead(ctx, IntentConfig, "alpha", 0, 0, 1))
	require.NoError(t, cpl.Clear(ctx))
	_, found, err := cpl.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProgress_DoesNotClobberCheckpoint(t *testing.T) {
	db := openTestDB(t)
	cpl := NewCheckpointLog(db, nil)
	ctx := context.Background()

	require.NoError(t, cpl.SaveWriteAhead(ctx, IntentConfig, "alpha", 0, 0, 200))
	require.NoError(t, cpl.SaveProgress(ctx, "config", 100, 200))

	cp, found, err := cpl.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alpha", cp.Key)
	assert.Equal(t, StatusPending, cp.Status)
}
