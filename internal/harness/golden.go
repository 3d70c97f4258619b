package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/ballastdb/ballast/internal/canon"
)

// RunWithGolden loads the scenario at path, runs it in a fresh temp
// directory, checks its expect block, and compares the canonical snapshot
// against testdata/golden/<name>.golden. Pass -update to regenerate.
func RunWithGolden(t *testing.T, path string) *Result {
	t.Helper()

	scn, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("load scenario: %v", err)
	}
	res, err := Run(scn, t.TempDir())
	if err != nil {
		t.Fatalf("run scenario: %v", err)
	}
	if err := CheckExpectations(scn, res); err != nil {
		t.Fatalf("scenario %s: %v", scn.Name, err)
	}

	snap, err := canon.Marshal(snapshot(res))
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	snap = append(snap, '\n')

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scn.Name, snap)
	return res
}

// snapshot reduces a run to the canonical-JSON shape the golden files hold.
// Ciphertext and timestamps never appear, so the bytes are stable across
// runs and machines.
func snapshot(res *Result) map[string]any {
	trace := make([]any, 0, len(res.Trace))
	for _, ev := range res.Trace {
		m := map[string]any{"type": ev.Type}
		if ev.Key != "" {
			m["key"] = ev.Key
		}
		if len(ev.Keys) > 0 {
			m["keys"] = ev.Keys
		}
		trace = append(trace, m)
	}

	var result map[string]any
	if res.Reencrypt != nil {
		r := res.Reencrypt
		result = map[string]any{
			"successful":   r.Successful,
			"failed":       r.Failed,
			"skipped":      r.Skipped,
			"inconsistent": r.HasInconsistentState,
			"failedKeys":   orEmpty(r.FailedKeys),
		}
	} else {
		result = map[string]any{
			"migrated":      res.Run.Migrated,
			"keysProcessed": res.Run.KeysProcessed,
			"failedKeys":    orEmpty(res.Run.FailedKeys),
		}
	}

	return map[string]any{
		"scenario": res.Scenario,
		"crashed":  res.Crashed,
		"records":  res.Records,
		"result":   result,
		"trace":    trace,
	}
}

func orEmpty(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
