package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ballastdb/ballast/internal/config"
	"github.com/ballastdb/ballast/internal/crypto"
	"github.com/ballastdb/ballast/internal/eventlog"
	"github.com/ballastdb/ballast/internal/kv"
)

// ReencryptResult summarises one bulk re-encryption sweep.
// HasInconsistentState is set only when a strict-sensitive key could not be
// encrypted: relaxed failures degrade, strict failures leave plaintext that
// policy says must not exist.
type ReencryptResult struct {
	Successful           int
	Failed               int
	Skipped              int
	FailedKeys           []string
	HasInconsistentState bool
}

// Reencryptor sweeps pre-existing plaintext records that the classifier now
// marks sensitive and re-stores them as envelopes. Safe to re-run; never
// touches tokens.
type Reencryptor struct {
	cfg    *config.API
	db     *kv.DB
	log    *eventlog.Log
	logger *slog.Logger
	now    func() time.Time
}

// NewReencryptor wires the sweep. logger and now may be nil.
func NewReencryptor(cfg *config.API, db *kv.DB, log *eventlog.Log, logger *slog.Logger) *Reencryptor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reencryptor{cfg: cfg, db: db, log: log, logger: logger, now: time.Now}
}

// Run performs the sweep. Per-key failures are absorbed into the result; the
// returned error covers only the enumeration itself.
func (r *Reencryptor) Run(ctx context.Context) (ReencryptResult, error) {
	all, err := r.cfg.All(ctx)
	if err != nil {
		return ReencryptResult{}, fmt.Errorf("reencrypt: %w", err)
	}

	var res ReencryptResult
	strictFailed := false
	for key, value := range all {
		if _, ok := crypto.IsEnvelope(value); ok {
			res.Skipped++
			continue
		}
		if !crypto.Classify(key, value) {
			res.Skipped++
			continue
		}

		if err := r.reencryptKey(ctx, key, value); err != nil {
			r.logger.Warn("reencrypt key failed", "key", key, "error", err)
			res.Failed++
			res.FailedKeys = append(res.FailedKeys, key)
			if crypto.StrictSensitive(key) {
				strictFailed = true
			}
			continue
		}
		res.Successful++
	}

	if strictFailed {
		res.HasInconsistentState = true
		payload := map[string]any{
			"failedKeys": stringsToAny(res.FailedKeys),
			"timestamp":  r.now().UTC().Format(time.RFC3339Nano),
		}
		if _, err := r.log.Emit(ctx, "security:migration_inconsistent", payload, eventlog.EmitOptions{}); err != nil {
			r.logger.Error("inconsistency event emit failed", "error", err)
		}
	}
	return res, nil
}

// reencryptKey re-stores one plaintext record and verifies the envelope
// landed.
func (r *Reencryptor) reencryptKey(ctx context.Context, key string, value any) error {
	if err := r.cfg.Set(ctx, key, value); err != nil {
		return err
	}
	rec, err := r.db.Get(ctx, kv.StoreConfig, key)
	if err != nil {
		return fmt.Errorf("verify %q: %w", key, err)
	}
	if _, ok := crypto.IsEnvelope(rec.Value); !ok {
		return fmt.Errorf("verify %q: record still plaintext", key)
	}
	return nil
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
