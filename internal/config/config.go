// Package config is the encrypt-on-write, decrypt-on-read key-value surface.
// Sensitive records are stored as ciphertext envelopes; strict-sensitive keys
// fail closed when the cipher does. Reads decrypt transparently and surface
// authentication failures instead of substituting defaults.
package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ballastdb/ballast/internal/crypto"
	"github.com/ballastdb/ballast/internal/eventlog"
	"github.com/ballastdb/ballast/internal/kv"
	"github.com/ballastdb/ballast/internal/replica"
)

// Options configures an API. Zero values are usable: a Static coordinator,
// discard logger, no vault, no fallback.
type Options struct {
	// Coordinator answers write-authority checks before destructive ops.
	Coordinator replica.Coordinator
	// Vault, when set, holds the token subnamespace instead of the object
	// store.
	Vault Vault
	// Fallback is the envelope-refusing flat store used when the object
	// store is unavailable.
	Fallback *kv.Legacy
	Logger   *slog.Logger
}

// API is the config surface over the object store, the crypto gate, and the
// event log.
type API struct {
	db       *kv.DB
	gate     *crypto.Gate
	log      *eventlog.Log
	coord    replica.Coordinator
	vault    Vault
	fallback *kv.Legacy
	logger   *slog.Logger
}

// New wires the config API. db may be nil when only the fallback store is
// available; sensitive keys are then refused outright.
func New(db *kv.DB, gate *crypto.Gate, log *eventlog.Log, opts Options) *API {
	if opts.Coordinator == nil {
		opts.Coordinator = replica.Static{ID: log.ProcessID()}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &API{
		db:       db,
		gate:     gate,
		log:      log,
		coord:    opts.Coordinator,
		vault:    opts.Vault,
		fallback: opts.Fallback,
		logger:   opts.Logger,
	}
}

// checkWrite consults the coordinator once before a destructive operation.
func (a *API) checkWrite() error {
	auth := a.coord.MayWrite()
	if !auth.Allowed {
		return replica.Denied(auth)
	}
	return nil
}

// emitSecurity appends a security event to the durable log. These are always
// persisted so a later audit sees them even if no subscriber was attached.
func (a *API) emitSecurity(ctx context.Context, eventType, key string, cause error) {
	payload := map[string]any{
		"key":       key,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"critical":  true,
		"error":     cause.Error(),
	}
	if _, err := a.log.Emit(ctx, eventType, payload, eventlog.EmitOptions{}); err != nil {
		a.logger.Error("security event emit failed", "eventType", eventType, "key", key, "error", err)
	}
}

// Get reads a config value. Envelopes are decrypted; a decryption failure
// emits security:decryption_failed exactly once and surfaces the error, never
// the default. Missing keys return def silently.
func (a *API) Get(ctx context.Context, key string, def any) (any, error) {
	if a.db == nil {
		return a.fallbackGet(key, def)
	}

	rec, err := a.db.Get(ctx, kv.StoreConfig, key)
	if err != nil {
		if kv.IsNotFound(err) {
			return def, nil
		}
		return nil, fmt.Errorf("get config %q: %w", key, err)
	}

	env, ok := crypto.IsEnvelope(rec.Value)
	if !ok {
		return rec.Value, nil
	}
	value, err := a.gate.Unwrap(env)
	if err != nil {
		a.emitSecurity(ctx, "security:decryption_failed", key, err)
		return nil, fmt.Errorf("get config %q: %w", key, err)
	}
	return value, nil
}

// Set persists a config value. Sensitive values are wrapped in an envelope;
// when the cipher fails on a strict-sensitive key the write is refused and
// security:encryption_blocked is emitted. Non-strict sensitive keys degrade
// to plaintext with a logged warning.
func (a *API) Set(ctx context.Context, key string, value any) error {
	if err := a.checkWrite(); err != nil {
		return err
	}
	if a.db == nil {
		return a.fallbackSet(key, value)
	}

	toStore := value
	if crypto.Classify(key, value) {
		env, err := a.gate.Wrap(value)
		if err != nil {
			if crypto.StrictSensitive(key) {
				a.emitSecurity(ctx, "security:encryption_blocked", key, err)
				return &EncryptionFailedForSensitiveData{Key: key, Err: err}
			}
			a.logger.Warn("encryption failed for relaxed-sensitive key, storing plaintext", "key", key)
		} else {
			toStore = env
		}
	}

	if err := a.db.Put(ctx, kv.StoreConfig, kv.Record{Key: key, Value: toStore}); err != nil {
		return fmt.Errorf("set config %q: %w", key, err)
	}
	return nil
}

// Remove deletes a config key. The record's encryption status is looked up
// first for observability; secure overwrite of the freed pages is not
// attempted.
func (a *API) Remove(ctx context.Context, key string) error {
	if err := a.checkWrite(); err != nil {
		return err
	}
	if a.db == nil {
		if a.fallback == nil {
			return ErrNoStore
		}
		if err := a.fallback.Delete(key); err != nil {
			return fmt.Errorf("remove config %q: %w", key, err)
		}
		return nil
	}

	if rec, err := a.db.Get(ctx, kv.StoreConfig, key); err == nil {
		_, encrypted := crypto.IsEnvelope(rec.Value)
		a.logger.Debug("removing config key", "key", key, "encrypted", encrypted)
	}
	if err := a.db.Delete(ctx, kv.StoreConfig, key); err != nil && !kv.IsNotFound(err) {
		return fmt.Errorf("remove config %q: %w", key, err)
	}
	return nil
}

// All returns every config record with envelopes surfaced as-is. The bulk
// re-encryption sweep uses this to find plaintext records that should now be
// encrypted.
func (a *API) All(ctx context.Context) (map[string]any, error) {
	if a.db == nil {
		return a.fallbackAll()
	}
	recs, err := a.db.GetAll(ctx, kv.StoreConfig)
	if err != nil {
		return nil, fmt.Errorf("get all config: %w", err)
	}
	out := make(map[string]any, len(recs))
	for _, rec := range recs {
		out[rec.Key] = rec.Value
	}
	return out, nil
}

// fallbackGet reads from the flat fallback store. Values are stored as JSON
// text; envelopes never reach this path.
func (a *API) fallbackGet(key string, def any) (any, error) {
	if a.fallback == nil {
		return nil, ErrNoStore
	}
	raw, err := a.fallback.Get(key)
	if err != nil {
		if kv.IsNotFound(err) {
			return def, nil
		}
		return nil, fmt.Errorf("get config %q: %w", key, err)
	}
	var value any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		// Legacy entries may be raw strings rather than JSON.
		return string(raw), nil
	}
	return value, nil
}

// fallbackSet writes to the flat fallback store. Sensitive keys are refused
// entirely: this store cannot hold envelopes and plaintext is not acceptable.
func (a *API) fallbackSet(key string, value any) error {
	if a.fallback == nil {
		return ErrNoStore
	}
	if crypto.Classify(key, value) {
		return fmt.Errorf("set config %q: %w", key, ErrSensitiveOnFallback)
	}
	if _, ok := crypto.IsEnvelope(value); ok {
		return fmt.Errorf("set config %q: %w", key, ErrSensitiveOnFallback)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("set config %q: %w", key, err)
	}
	if err := a.fallback.Set(key, raw); err != nil {
		return fmt.Errorf("set config %q: %w", key, err)
	}
	return nil
}

func (a *API) fallbackAll() (map[string]any, error) {
	if a.fallback == nil {
		return nil, ErrNoStore
	}
	keys, err := a.fallback.Keys()
	if err != nil {
		return nil, fmt.Errorf("get all config: %w", err)
	}
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		value, err := a.fallbackGet(key, nil)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}
