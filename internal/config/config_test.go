package config

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ballastdb/ballast/internal/crypto"
	"github.com/ballastdb/ballast/internal/eventlog"
	"github.com/ballastdb/ballast/internal/kv"
	"github.com/ballastdb/ballast/internal/replica"
	"github.com/ballastdb/ballast/internal/testutil"
)

type fixture struct {
	db     *kv.DB
	log    *eventlog.Log
	cipher *testutil.FlakyCipher
	api    *API
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"), kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log, err := eventlog.Open(ctx, db, eventlog.Options{ProcessID: "r1"})
	require.NoError(t, err)

	inner, err := crypto.NewAESGCMRandom()
	require.NoError(t, err)
	cipher := testutil.NewFlakyCipher(inner)

	return &fixture{
		db:     db,
		log:    log,
		cipher: cipher,
		api:    New(db, crypto.NewGate(cipher), log, opts),
	}
}

func collectEvents(f *fixture, eventType string) *[]eventlog.Entry {
	var got []eventlog.Entry
	f.log.Subscribe(eventType, eventlog.PriorityHigh, func(ctx context.Context, e eventlog.Entry) error {
		got = append(got, e)
		return nil
	})
	return &got
}

func TestSet_StrictSensitiveStoredAsEnvelope(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.api.Set(ctx, "spotify_apikey", "AKIA-XYZ"))

	// The stored record is an envelope, not plaintext.
	rec, err := f.db.Get(ctx, kv.StoreConfig, "spotify_apikey")
	require.NoError(t, err)
	env, ok := crypto.IsEnvelope(rec.Value)
	require.True(t, ok)
	assert.Equal(t, 1, env.KeyVersion)
	assert.Equal(t, 1, env.MigrationVersion)

	// And it round-trips through Get.
	got, err := f.api.Get(ctx, "spotify_apikey", nil)
	require.NoError(t, err)
	assert.Equal(t, "AKIA-XYZ", got)
}

func TestSet_NonSensitiveStoredPlaintext(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.api.Set(ctx, "theme", "dark"))

	rec, err := f.db.Get(ctx, kv.StoreConfig, "theme")
	require.NoError(t, err)
	_, ok := crypto.IsEnvelope(rec.Value)
	assert.False(t, ok)
	assert.Equal(t, "dark", rec.Value)
}

func TestSet_FailClosedOnStrictSensitive(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	blocked := collectEvents(f, "security:encryption_blocked")

	f.cipher.FailNext(1)
	err := f.api.Set(ctx, "password", "hunter2")

	var refused *EncryptionFailedForSensitiveData
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, "password", refused.Key)
	assert.True(t, IsEncryptionBlocked(err))

	// Nothing was persisted.
	_, err = f.db.Get(ctx, kv.StoreConfig, "password")
	assert.True(t, kv.IsNotFound(err))

	// The refusal was emitted exactly once.
	require.Len(t, *blocked, 1)
	payload := (*blocked)[0].Payload.(map[string]any)
	assert.Equal(t, "password", payload["key"])
	assert.Equal(t, true, payload["critical"])
}

func TestSet_RelaxedSensitiveDegradesToPlaintext(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// "access" matches the classifier but not the strict subset.
	f.cipher.FailNext(1)
	require.NoError(t, f.api.Set(ctx, "access_level", "admin"))

	rec, err := f.db.Get(ctx, kv.StoreConfig, "access_level")
	require.NoError(t, err)
	_, ok := crypto.IsEnvelope(rec.Value)
	assert.False(t, ok)
	assert.Equal(t, "admin", rec.Value)
}

func TestGet_DecryptionFailureSurfacesAndEmits(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	failures := collectEvents(f, "security:decryption_failed")

	require.NoError(t, f.api.Set(ctx, "refresh_token", "tok-1"))

	// Corrupt the stored envelope so authentication fails.
	rec, err := f.db.Get(ctx, kv.StoreConfig, "refresh_token")
	require.NoError(t, err)
	env, ok := crypto.IsEnvelope(rec.Value)
	require.True(t, ok)
	env.Value[0] ^= 0xFF
	require.NoError(t, f.db.Put(ctx, kv.StoreConfig, kv.Record{Key: "refresh_token", Value: env}))

	_, err = f.api.Get(ctx, "refresh_token", "default")
	assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)

	// The default is never substituted and the event fires exactly once.
	require.Len(t, *failures, 1)
	payload := (*failures)[0].Payload.(map[string]any)
	assert.Equal(t, "refresh_token", payload["key"])
}

func TestGet_MissingKeyReturnsDefault(t *testing.T) {
	f := newFixture(t, Options{})

	got, err := f.api.Get(context.Background(), "absent", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)
}

func TestGet_SensitiveValueByContent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	// Harmless key, secret-bearing value: classified by content.
	value := map[string]any{"name": "spotify", "apiKey": "shh"}
	require.NoError(t, f.api.Set(ctx, "integration", value))

	rec, err := f.db.Get(ctx, kv.StoreConfig, "integration")
	require.NoError(t, err)
	_, ok := crypto.IsEnvelope(rec.Value)
	assert.True(t, ok)

	got, err := f.api.Get(ctx, "integration", nil)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestAll_SurfacesEnvelopesRaw(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.api.Set(ctx, "theme", "dark"))
	require.NoError(t, f.api.Set(ctx, "api_secret", "s3cr3t"))

	all, err := f.api.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "dark", all["theme"])
	_, ok := crypto.IsEnvelope(all["api_secret"])
	assert.True(t, ok, "envelope must be surfaced as-is, not decrypted")
}

func TestRemove(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	require.NoError(t, f.api.Set(ctx, "theme", "dark"))
	require.NoError(t, f.api.Remove(ctx, "theme"))

	got, err := f.api.Get(ctx, "theme", nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	// Removing an absent key is a no-op.
	assert.NoError(t, f.api.Remove(ctx, "never-existed"))
}

func TestWriteAuthorityDenied(t *testing.T) {
	coord := testutil.NewScriptedCoordinator("r2",
		replica.Authority{Allowed: false, Reason: "secondary replica", AuthorityLevel: "secondary"})
	f := newFixture(t, Options{Coordinator: coord})
	ctx := context.Background()

	err := f.api.Set(ctx, "theme", "dark")
	var denied *replica.WriteAuthorityDenied
	require.ErrorAs(t, err, &denied)
	assert.True(t, denied.IsSecondary)

	// Reads stay available on a secondary.
	_, err = f.api.Get(ctx, "theme", nil)
	assert.NoError(t, err)
}

func TestFallback_RefusesSensitiveKeys(t *testing.T) {
	ctx := context.Background()
	db, err := kv.Open(filepath.Join(t.TempDir(), "log.db"), kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	log, err := eventlog.Open(ctx, db, eventlog.Options{ProcessID: "r1"})
	require.NoError(t, err)

	legacy := testutil.OpenLegacy(t)
	inner, err := crypto.NewAESGCMRandom()
	require.NoError(t, err)

	// No object store: only the flat fallback is available.
	api := New(nil, crypto.NewGate(inner), log, Options{Fallback: legacy})

	err = api.Set(ctx, "api_secret", "s3cr3t")
	assert.ErrorIs(t, err, ErrSensitiveOnFallback)

	require.NoError(t, api.Set(ctx, "theme", "dark"))
	got, err := api.Get(ctx, "theme", nil)
	require.NoError(t, err)
	assert.Equal(t, "dark", got)

	// Envelopes never reach the fallback either.
	err = api.Set(ctx, "anything", crypto.Envelope{Encrypted: true, Value: []byte{1}})
	assert.ErrorIs(t, err, ErrSensitiveOnFallback)
}
