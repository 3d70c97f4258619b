package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ballastdb/ballast/internal/config"
	"github.com/ballastdb/ballast/internal/crypto"
	"github.com/ballastdb/ballast/internal/eventlog"
	"github.com/ballastdb/ballast/internal/kv"
	"github.com/ballastdb/ballast/internal/migrate"
	"github.com/ballastdb/ballast/internal/replica"
	"github.com/ballastdb/ballast/internal/testutil"
)

// TraceEvent is one captured security event, reduced to its stable fields.
// Timestamps and error text are volatile and excluded from golden traces.
type TraceEvent struct {
	Type string
	Key  string
	Keys []string
}

// Result is everything a scenario produced.
type Result struct {
	Scenario  string
	Crashed   bool
	Run       migrate.Result
	Reencrypt *migrate.ReencryptResult
	Trace     []TraceEvent
	// Records maps "store/key" to its stored shape: encrypted records keep
	// only the flag, plaintext records keep the decoded value.
	Records map[string]any
}

// Run executes a scenario in a fresh environment rooted at dir.
func Run(scn *Scenario, dir string) (*Result, error) {
	ctx := context.Background()

	db, err := kv.Open(filepath.Join(dir, "store.db"), kv.Options{})
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scn.Name, err)
	}
	defer db.Close()

	legacy, err := kv.OpenLegacy(kv.LegacyOptions{InMemory: true})
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scn.Name, err)
	}
	defer legacy.Close()

	processID := scn.ProcessID
	if processID == "" {
		processID = "replica-test"
	}
	clock := testutil.NewDeterministicClock(time.Time{}, 0)
	log, err := eventlog.Open(ctx, db, eventlog.Options{ProcessID: processID, Now: clock.Now})
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scn.Name, err)
	}

	inner, err := crypto.NewAESGCMRandom()
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scn.Name, err)
	}
	cipher := testutil.NewFlakyCipher(inner)
	if scn.Cipher != nil {
		for _, marker := range scn.Cipher.FailOn {
			cipher.FailOn(marker)
		}
		if scn.Cipher.FailNext > 0 {
			cipher.FailNext(scn.Cipher.FailNext)
		}
	}

	coord := buildCoordinator(scn, processID)
	api := config.New(db, crypto.NewGate(cipher), log, config.Options{})

	res := &Result{Scenario: scn.Name, Records: map[string]any{}}
	log.Subscribe(eventlog.Wildcard, eventlog.PriorityHigh, func(ctx context.Context, e eventlog.Entry) error {
		if !strings.HasPrefix(e.EventType, "security:") {
			return nil
		}
		res.Trace = append(res.Trace, skeleton(e))
		return nil
	})

	for key, value := range scn.Legacy {
		if err := legacy.Set(key, []byte(value)); err != nil {
			return nil, fmt.Errorf("scenario %s: seed legacy: %w", scn.Name, err)
		}
	}
	for key, value := range scn.Preset {
		if err := db.Put(ctx, kv.StoreConfig, kv.Record{Key: key, Value: value}); err != nil {
			return nil, fmt.Errorf("scenario %s: preset: %w", scn.Name, err)
		}
	}

	if scn.Reencrypt {
		sweep := migrate.NewReencryptor(api, db, log, nil)
		out, err := sweep.Run(ctx)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", scn.Name, err)
		}
		res.Reencrypt = &out
	} else {
		if err := runMigration(ctx, scn, db, legacy, api, coord, res); err != nil {
			return nil, err
		}
	}

	if err := snapshotRecords(ctx, db, res); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", scn.Name, err)
	}
	return res, nil
}

func buildCoordinator(scn *Scenario, processID string) replica.Coordinator {
	if len(scn.Coordinator) == 0 {
		return replica.Static{ID: processID}
	}
	script := make([]replica.Authority, len(scn.Coordinator))
	for i, step := range scn.Coordinator {
		level := "primary"
		if !step.Allowed {
			level = "secondary"
		}
		script[i] = replica.Authority{Allowed: step.Allowed, Reason: step.Reason, AuthorityLevel: level}
	}
	return testutil.NewScriptedCoordinator(processID, script...)
}

// runMigration drives the engine, optionally crashing at the scripted key
// boundary and resuming with a fresh engine over the same stores.
func runMigration(ctx context.Context, scn *Scenario, db *kv.DB, legacy *kv.Legacy, api *config.API, coord replica.Coordinator, res *Result) error {
	opts := migrate.Options{
		ConfigKeys: append([]string{}, scn.ConfigKeys...),
		TokenKeys:  append([]string{}, scn.TokenKeys...),
	}

	if scn.CrashAfterKey != "" {
		crashCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		crashOpts := opts
		crashOpts.Progress = func(u migrate.ProgressUpdate) {
			if u.Key == scn.CrashAfterKey {
				cancel()
			}
		}
		engine := migrate.NewEngine(db, legacy, api, coord, crashOpts)
		if _, err := engine.Run(crashCtx); !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scenario %s: crash point not reached: %v", scn.Name, err)
		}
		res.Crashed = true
	}

	engine := migrate.NewEngine(db, legacy, api, coord, opts)
	out, err := engine.Run(ctx)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", scn.Name, err)
	}
	res.Run = out
	return nil
}

// skeleton strips a security event down to its stable fields.
func skeleton(e eventlog.Entry) TraceEvent {
	ev := TraceEvent{Type: e.EventType}
	payload, ok := e.Payload.(map[string]any)
	if !ok {
		return ev
	}
	if key, ok := payload["key"].(string); ok {
		ev.Key = key
	}
	if keys, ok := payload["failedKeys"].([]any); ok {
		for _, k := range keys {
			if s, ok := k.(string); ok {
				ev.Keys = append(ev.Keys, s)
			}
		}
	}
	return ev
}

// snapshotRecords captures the stored shape of every config and token
// record. Ciphertext is random per run, so encrypted records record only
// the flag.
func snapshotRecords(ctx context.Context, db *kv.DB, res *Result) error {
	for _, store := range []string{kv.StoreConfig, kv.StoreTokens} {
		recs, err := db.GetAll(ctx, store)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			label := store + "/" + rec.Key
			if _, ok := crypto.IsEnvelope(rec.Value); ok {
				res.Records[label] = map[string]any{"encrypted": true}
				continue
			}
			res.Records[label] = map[string]any{"encrypted": false, "value": rec.Value}
		}
	}
	return nil
}

// CheckExpectations compares a result against the scenario's expect block.
func CheckExpectations(scn *Scenario, res *Result) error {
	e := scn.Expect
	if scn.Reencrypt {
		if res.Reencrypt == nil {
			return fmt.Errorf("reencrypt scenario produced no sweep result")
		}
		r := res.Reencrypt
		if e.Successful != nil && r.Successful != *e.Successful {
			return fmt.Errorf("expected successful=%d, got %d", *e.Successful, r.Successful)
		}
		if e.Failed != nil && r.Failed != *e.Failed {
			return fmt.Errorf("expected failed=%d, got %d", *e.Failed, r.Failed)
		}
		if e.Skipped != nil && r.Skipped != *e.Skipped {
			return fmt.Errorf("expected skipped=%d, got %d", *e.Skipped, r.Skipped)
		}
		if e.Inconsistent != nil && r.HasInconsistentState != *e.Inconsistent {
			return fmt.Errorf("expected inconsistent=%v, got %v", *e.Inconsistent, r.HasInconsistentState)
		}
		if e.FailedKeys != nil && !equalStrings(r.FailedKeys, e.FailedKeys) {
			return fmt.Errorf("expected failed_keys=%v, got %v", e.FailedKeys, r.FailedKeys)
		}
		return nil
	}

	if e.Migrated != nil && res.Run.Migrated != *e.Migrated {
		return fmt.Errorf("expected migrated=%v, got %v", *e.Migrated, res.Run.Migrated)
	}
	if e.KeysProcessed != nil && res.Run.KeysProcessed != *e.KeysProcessed {
		return fmt.Errorf("expected keys_processed=%d, got %d", *e.KeysProcessed, res.Run.KeysProcessed)
	}
	if e.FailedKeys != nil && !equalStrings(res.Run.FailedKeys, e.FailedKeys) {
		return fmt.Errorf("expected failed_keys=%v, got %v", e.FailedKeys, res.Run.FailedKeys)
	}
	return nil
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
