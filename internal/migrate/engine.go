package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ballastdb/ballast/internal/config"
	"github.com/ballastdb/ballast/internal/crypto"
	"github.com/ballastdb/ballast/internal/kv"
	"github.com/ballastdb/ballast/internal/replica"
)

// CurrentVersion is the migration format this engine produces.
const CurrentVersion = 1

// DefaultConfigKeys is the legacy config namespace moved by default. Hosts
// with a different legacy layout override it in Options.
var DefaultConfigKeys = []string{
	"theme",
	"volume",
	"autoplay",
	"user_settings",
	"playback_quality",
	"spotify_apikey",
	"api_secret",
	"oauth_credential",
	"chat_history",
}

// DefaultTokenKeys is the legacy token namespace. The access token's expiry
// rides along with it rather than being listed here.
var DefaultTokenKeys = []string{
	"access_token",
	"refresh_token",
}

// expirySuffix names the adjacent expiry entry consumed with an access
// token so the pair cannot be separated by a crash.
const expirySuffix = "_expiry"

// ProgressUpdate is delivered to the progress callback after each key.
type ProgressUpdate struct {
	Phase     string
	Key       string
	Index     int
	Processed int
	Total     int
	Failed    bool
}

// Options tunes a migration run.
type Options struct {
	// Version defaults to CurrentVersion.
	Version    int
	ConfigKeys []string
	TokenKeys  []string
	// Progress, when set, is invoked after every key.
	Progress func(ProgressUpdate)
	// CheckpointEvery is the aggregate snapshot interval; defaults to 100.
	CheckpointEvery int
	// WipeLegacyOnVaultMigration deletes the legacy copies of vault-migrated
	// tokens during finalize. Off by default: hosts decide whether the
	// synchronous store may be wiped.
	WipeLegacyOnVaultMigration bool
	Logger                     *slog.Logger
	Now                        func() time.Time
}

// Result summarises a run. Per-key failures are absorbed here; only fatal
// errors surface as a returned error.
type Result struct {
	Migrated      bool
	KeysProcessed int
	FailedKeys    []string
}

// RunError is a fatal migration error. The checkpoint is left in place so a
// later run resumes.
type RunError struct {
	Phase string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("migration failed in %s phase: %v", e.Phase, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Engine orchestrates the legacy-to-object-store migration.
type Engine struct {
	db      *kv.DB
	legacy  *kv.Legacy
	cfg     *config.API
	coord   replica.Coordinator
	cpl     *CheckpointLog
	backups *Backups
	opts    Options
	logger  *slog.Logger
}

// NewEngine wires the engine. The coordinator gates every destructive step;
// pass replica.Static for single-replica hosts.
func NewEngine(db *kv.DB, legacy *kv.Legacy, cfg *config.API, coord replica.Coordinator, opts Options) *Engine {
	if opts.Version == 0 {
		opts.Version = CurrentVersion
	}
	if opts.ConfigKeys == nil {
		opts.ConfigKeys = DefaultConfigKeys
	}
	if opts.TokenKeys == nil {
		opts.TokenKeys = DefaultTokenKeys
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		db:      db,
		legacy:  legacy,
		cfg:     cfg,
		coord:   coord,
		cpl:     NewCheckpointLog(db, opts.Now),
		backups: NewBackups(db, legacy, opts.Version, opts.Now),
		opts:    opts,
		logger:  opts.Logger,
	}
}

// Checkpoints exposes the write-ahead log, mainly for inspection in tests
// and host tooling.
func (e *Engine) Checkpoints() *CheckpointLog { return e.cpl }

// Backups exposes the snapshot manager for user-initiated rollback.
func (e *Engine) Backups() *Backups { return e.backups }

// loadState returns the migration_state row if present.
func (e *Engine) loadState(ctx context.Context) (State, bool, error) {
	rec, err := e.db.Get(ctx, kv.StoreMigration, keyState)
	if err != nil {
		if kv.IsNotFound(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("load migration state: %w", err)
	}
	var st State
	if err := decodeRecord(rec.Value, &st); err != nil {
		return State{}, false, fmt.Errorf("load migration state: %w", err)
	}
	return st, true, nil
}

// hasLegacyTokens reports whether any token key is still in the legacy store.
func (e *Engine) hasLegacyTokens() (bool, error) {
	for _, key := range e.opts.TokenKeys {
		ok, err := e.legacy.Has(key)
		if err != nil {
			return false, fmt.Errorf("check legacy token %q: %w", key, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// IsMigrationNeeded is the run precondition: the current version has not
// completed, or legacy tokens linger.
func (e *Engine) IsMigrationNeeded(ctx context.Context) (bool, error) {
	st, found, err := e.loadState(ctx)
	if err != nil {
		return false, err
	}
	if !found || st.Version < e.opts.Version {
		return true, nil
	}
	return e.hasLegacyTokens()
}

// Run executes or resumes the migration. A run with nothing to do returns
// {Migrated:false} without side effects. Per-key failures are recorded in
// the result; fatal errors return with the checkpoint intact.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	needed, err := e.IsMigrationNeeded(ctx)
	if err != nil {
		return Result{}, &RunError{Phase: "precheck", Err: err}
	}
	if !needed {
		return Result{}, nil
	}
	if auth := e.coord.MayWrite(); !auth.Allowed {
		return Result{}, replica.Denied(auth)
	}

	cp, resuming, err := e.cpl.Load(ctx)
	if err != nil {
		return Result{}, &RunError{Phase: "precheck", Err: err}
	}

	res := Result{Migrated: true}
	configStart, tokenStart := 0, 0
	var priorConfig, priorToken []string
	if resuming {
		res.KeysProcessed = cp.KeysProcessed
		switch cp.Intent {
		case IntentToken:
			configStart = len(e.opts.ConfigKeys)
			tokenStart = cp.NextIndex()
		default:
			configStart = cp.NextIndex()
		}
		e.logger.Info("resuming migration from checkpoint",
			"phase", cp.Intent, "key", cp.Key, "status", cp.Status)
		priorConfig, priorToken, err = e.resumedMigrated(ctx, configStart, tokenStart)
		if err != nil {
			return res, &RunError{Phase: "precheck", Err: err}
		}
	} else {
		candidates := append(append([]string{}, e.opts.ConfigKeys...), e.opts.TokenKeys...)
		for _, key := range e.opts.TokenKeys {
			candidates = append(candidates, key+expirySuffix)
		}
		if err := e.backups.Backup(ctx, candidates); err != nil {
			return res, &RunError{Phase: "backup", Err: err}
		}
	}

	migrated, err := e.configPhase(ctx, configStart, &res)
	if err != nil {
		return res, err
	}
	tokenMigrated, err := e.tokenPhase(ctx, tokenStart, &res)
	if err != nil {
		return res, err
	}

	if err := e.finalize(ctx, &res, append(priorConfig, migrated...), append(priorToken, tokenMigrated...)); err != nil {
		return res, err
	}
	return res, nil
}

// resumedMigrated returns the keys below the resume positions whose records
// verifiably exist in the new store. A resumed run skips them in the phase
// loops, but finalize still owes them their legacy cleanup; keys that failed
// or were absent before the crash have no record and stay untouched.
func (e *Engine) resumedMigrated(ctx context.Context, configStart, tokenStart int) (configKeys, tokenKeys []string, err error) {
	for i := 0; i < configStart && i < len(e.opts.ConfigKeys); i++ {
		key := e.opts.ConfigKeys[i]
		if _, err := e.db.Get(ctx, kv.StoreConfig, key); err != nil {
			if kv.IsNotFound(err) {
				continue
			}
			return nil, nil, fmt.Errorf("verify resumed %q: %w", key, err)
		}
		configKeys = append(configKeys, key)
	}
	for i := 0; i < tokenStart && i < len(e.opts.TokenKeys); i++ {
		key := e.opts.TokenKeys[i]
		value, err := e.cfg.Token(ctx, key)
		if err != nil {
			return nil, nil, fmt.Errorf("verify resumed token %q: %w", key, err)
		}
		if value == "" {
			continue
		}
		tokenKeys = append(tokenKeys, key)
	}
	return configKeys, tokenKeys, nil
}

// checkAuthority is the per-step write-authority gate. It runs after the
// write-ahead record, so a refusal leaves the checkpoint pending at the
// refused key and a promoted replica resumes exactly there.
func (e *Engine) checkAuthority() error {
	if auth := e.coord.MayWrite(); !auth.Allowed {
		return replica.Denied(auth)
	}
	return nil
}

// configPhase moves the config namespace. Returns the successfully migrated
// keys for finalize to delete from the legacy store.
func (e *Engine) configPhase(ctx context.Context, start int, res *Result) ([]string, error) {
	keys := e.opts.ConfigKeys
	total := len(keys)
	var migrated []string

	for i := start; i < total; i++ {
		// Cancellation is honoured only at key boundaries.
		if err := ctx.Err(); err != nil {
			return migrated, &RunError{Phase: "config", Err: err}
		}
		key := keys[i]

		if err := e.cpl.SaveWriteAhead(ctx, IntentConfig, key, i, res.KeysProcessed, total); err != nil {
			return migrated, &RunError{Phase: "config", Err: err}
		}
		if err := e.checkAuthority(); err != nil {
			return migrated, err
		}

		raw, err := e.legacy.Get(key)
		if kv.IsNotFound(err) {
			// Nothing to move; the slot still completes so resume skips it.
			if err := e.cpl.MarkComplete(ctx, IntentConfig, key, i, res.KeysProcessed, total); err != nil {
				return migrated, &RunError{Phase: "config", Err: err}
			}
			e.progress(IntentConfig, key, i, res, total, false)
			continue
		}
		if err == nil {
			err = e.migrateConfigKey(ctx, key, raw)
		}
		if err != nil {
			e.logger.Warn("config key failed", "key", key, "error", err)
			res.FailedKeys = append(res.FailedKeys, key)
			if cerr := e.cpl.MarkFailed(ctx, IntentConfig, key, i, res.KeysProcessed, total, err); cerr != nil {
				return migrated, &RunError{Phase: "config", Err: cerr}
			}
			e.progress(IntentConfig, key, i, res, total, true)
			continue
		}

		res.KeysProcessed++
		migrated = append(migrated, key)
		if err := e.cpl.MarkComplete(ctx, IntentConfig, key, i, res.KeysProcessed, total); err != nil {
			return migrated, &RunError{Phase: "config", Err: err}
		}
		e.progress(IntentConfig, key, i, res, total, false)
		e.maybeSnapshot(ctx, "config", i, res.KeysProcessed, total)
	}
	return migrated, nil
}

// migrateConfigKey moves one legacy entry through the config API and
// verifies the stored shape matches its sensitivity.
func (e *Engine) migrateConfigKey(ctx context.Context, key string, raw []byte) error {
	value := parseLegacyValue(raw)
	if err := e.cfg.Set(ctx, key, value); err != nil {
		return err
	}

	// Verify read-back: sensitive keys must round-trip as envelopes.
	rec, err := e.db.Get(ctx, kv.StoreConfig, key)
	if err != nil {
		return fmt.Errorf("verify %q: %w", key, err)
	}
	_, isEnvelope := crypto.IsEnvelope(rec.Value)
	if crypto.Classify(key, value) && crypto.StrictSensitive(key) && !isEnvelope {
		return fmt.Errorf("verify %q: sensitive record stored without envelope", key)
	}
	return nil
}

// tokenPhase moves the token namespace. Tokens are few and critical, so a
// checkpoint follows every successful write.
func (e *Engine) tokenPhase(ctx context.Context, start int, res *Result) ([]string, error) {
	keys := e.opts.TokenKeys
	total := len(keys)
	var migrated []string

	for i := start; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return migrated, &RunError{Phase: "token", Err: err}
		}
		key := keys[i]

		if err := e.cpl.SaveWriteAhead(ctx, IntentToken, key, i, res.KeysProcessed, total); err != nil {
			return migrated, &RunError{Phase: "token", Err: err}
		}
		if err := e.checkAuthority(); err != nil {
			return migrated, err
		}

		raw, err := e.legacy.Get(key)
		if kv.IsNotFound(err) {
			if err := e.cpl.MarkComplete(ctx, IntentToken, key, i, res.KeysProcessed, total); err != nil {
				return migrated, &RunError{Phase: "token", Err: err}
			}
			e.progress(IntentToken, key, i, res, total, false)
			continue
		}
		if err == nil {
			err = e.migrateToken(ctx, key, string(raw))
		}
		if err != nil {
			e.logger.Warn("token key failed", "key", key, "error", err)
			res.FailedKeys = append(res.FailedKeys, key)
			if cerr := e.cpl.MarkFailed(ctx, IntentToken, key, i, res.KeysProcessed, total, err); cerr != nil {
				return migrated, &RunError{Phase: "token", Err: cerr}
			}
			e.progress(IntentToken, key, i, res, total, true)
			continue
		}

		res.KeysProcessed++
		migrated = append(migrated, key)
		if err := e.cpl.MarkComplete(ctx, IntentToken, key, i, res.KeysProcessed, total); err != nil {
			return migrated, &RunError{Phase: "token", Err: err}
		}
		e.progress(IntentToken, key, i, res, total, false)
	}
	return migrated, nil
}

// migrateToken writes one token, consuming the adjacent expiry entry in the
// same operation when one exists. The config API routes the pair to the vault
// atomically, or to the token store plus an encrypted expiry record without
// one; either way the expiry is persisted before finalize wipes its legacy
// copy.
func (e *Engine) migrateToken(ctx context.Context, key, value string) error {
	expiry, err := e.legacy.Get(key + expirySuffix)
	if err == nil {
		return e.cfg.SetTokenWithExpiry(ctx, key, value, string(expiry))
	}
	if !kv.IsNotFound(err) {
		return fmt.Errorf("read expiry for %q: %w", key, err)
	}
	return e.cfg.SetToken(ctx, key, value)
}

// finalize writes the terminal state row first-writer-wins, clears the
// checkpoint, and deletes migrated legacy copies. A concurrent replica that
// already finalized makes this a no-op for the state row.
func (e *Engine) finalize(ctx context.Context, res *Result, configKeys, tokenKeys []string) error {
	state := State{
		ID:            keyState,
		Version:       e.opts.Version,
		CompletedAt:   e.opts.Now().UTC().Format(time.RFC3339Nano),
		KeysProcessed: res.KeysProcessed,
	}
	err := e.db.AtomicUpdate(ctx, kv.StoreMigration, keyState,
		func(current any, exists bool) (any, bool, error) {
			if exists {
				var existing State
				if decodeRecord(current, &existing) == nil && existing.Version >= e.opts.Version {
					// Another replica won the finalize.
					return current, true, nil
				}
			}
			return state, true, nil
		})
	if err != nil {
		return &RunError{Phase: "finalize", Err: err}
	}

	if err := e.cpl.Clear(ctx); err != nil {
		return &RunError{Phase: "finalize", Err: err}
	}

	for _, key := range configKeys {
		if err := e.legacy.Delete(key); err != nil && !kv.IsNotFound(err) {
			return &RunError{Phase: "finalize", Err: fmt.Errorf("delete legacy %q: %w", key, err)}
		}
	}
	wipeTokens := !e.cfg.HasVault() || e.opts.WipeLegacyOnVaultMigration
	if wipeTokens {
		for _, key := range tokenKeys {
			if err := e.legacy.Delete(key); err != nil && !kv.IsNotFound(err) {
				return &RunError{Phase: "finalize", Err: fmt.Errorf("delete legacy %q: %w", key, err)}
			}
			if err := e.legacy.Delete(key + expirySuffix); err != nil && !kv.IsNotFound(err) {
				return &RunError{Phase: "finalize", Err: fmt.Errorf("delete legacy %q: %w", key, err)}
			}
		}
	}
	return nil
}

func (e *Engine) progress(intent Intent, key string, index int, res *Result, total int, failed bool) {
	if e.opts.Progress == nil {
		return
	}
	e.opts.Progress(ProgressUpdate{
		Phase:     string(intent),
		Key:       key,
		Index:     index,
		Processed: res.KeysProcessed,
		Total:     total,
		Failed:    failed,
	})
}

// maybeSnapshot writes the aggregate telemetry checkpoint at the interval
// boundary and at the halfway mark of small runs. Failures here are logged
// only; telemetry never fails a migration.
func (e *Engine) maybeSnapshot(ctx context.Context, phase string, index, processed, total int) {
	interval := e.opts.CheckpointEvery
	hit := (index+1)%interval == 0
	if total < interval && index+1 == (total+1)/2 {
		hit = true
	}
	if !hit {
		return
	}
	if err := e.cpl.SaveProgress(ctx, phase, processed, total); err != nil {
		e.logger.Warn("progress snapshot failed", "phase", phase, "error", err)
	}
}

// parseLegacyValue decodes a legacy entry as JSON, keeping the raw string
// when it does not parse.
func parseLegacyValue(raw []byte) any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return string(raw)
	}
	// Trailing garbage after a valid prefix also means "not JSON".
	if dec.More() {
		return string(raw)
	}
	return value
}
