package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballastdb/ballast/internal/kv"
	"github.com/ballastdb/ballast/internal/testutil"
)

func TestBackup_SnapshotsCandidates(t *testing.T) {
	db := openTestDB(t)
	legacy := testutil.OpenLegacy(t)
	ctx := context.Background()

	testutil.SeedLegacy(t, legacy, map[string]string{
		"theme":        "dark",
		"access_token": "tok-1",
		"unrelated":    "ignored",
	})

	b := NewBackups(db, legacy, 1, nil)
	require.NoError(t, b.Backup(ctx, []string{"theme", "access_token", "absent"}))

	rec, found, err := b.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]string{"theme": "dark", "access_token": "tok-1"}, rec.Backup)
	assert.Equal(t, 1, rec.Version)
	assert.NotEmpty(t, rec.Digest)
}

func TestRollback_RestoresLegacyAndResetsState(t *testing.T) {
	db := openTestDB(t)
	legacy := testutil.OpenLegacy(t)
	ctx := context.Background()

	testutil.SeedLegacy(t, legacy, map[string]string{"theme": "dark"})
	b := NewBackups(db, legacy, 1, nil)
	require.NoError(t, b.Backup(ctx, []string{"theme"}))

	// Simulate a completed migration: legacy deleted, state written.
	require.NoError(t, legacy.Delete("theme"))
	require.NoError(t, db.Put(ctx, kv.StoreMigration, kv.Record{
		Key:   keyState,
		Value: State{ID: keyState, Version: 1},
	}))

	require.NoError(t, b.Rollback(ctx))

	raw, err := legacy.Get("theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", string(raw))

	// State row removed so a later run re-attempts.
	_, err = db.Get(ctx, kv.StoreMigration, keyState)
	assert.True(t, kv.IsNotFound(err))

	// The backup row is retained for forensics.
	_, found, err := b.Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRollback_WithoutBackupFails(t *testing.T) {
	db := openTestDB(t)
	legacy := testutil.OpenLegacy(t)

	b := NewBackups(db, legacy, 1, nil)
	err := b.Rollback(context.Background())
	assert.ErrorContains(t, err, "no backup")
}

func TestRollback_DetectsCorruptSnapshot(t *testing.T) {
	db := openTestDB(t)
	legacy := testutil.OpenLegacy(t)
	ctx := context.Background()

	testutil.SeedLegacy(t, legacy, map[string]string{"theme": "dark"})
	b := NewBackups(db, legacy, 1, nil)
	require.NoError(t, b.Backup(ctx, []string{"theme"}))

	// Tamper with the stored snapshot without refreshing the digest.
	rec, found, err := b.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	rec.Backup["theme"] = "light"
	require.NoError(t, db.Put(ctx, kv.StoreMigration, kv.Record{Key: keyBackup, Value: rec}))

	err = b.Rollback(ctx)
	assert.ErrorContains(t, err, "digest mismatch")
}
