package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario describes one end-to-end migration test.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// ProcessID fixes the replica identity for deterministic traces.
	// Defaults to "replica-test".
	ProcessID string `yaml:"process_id,omitempty"`

	// Legacy seeds the legacy flat store before the run.
	Legacy map[string]string `yaml:"legacy,omitempty"`

	// Preset seeds the object store's config namespace directly, for
	// re-encryption sweeps over pre-existing plaintext.
	Preset map[string]any `yaml:"preset,omitempty"`

	ConfigKeys []string `yaml:"config_keys,omitempty"`
	TokenKeys  []string `yaml:"token_keys,omitempty"`

	// Cipher scripts encryption failures.
	Cipher *CipherScript `yaml:"cipher,omitempty"`

	// Coordinator scripts MayWrite answers; empty means always allowed.
	Coordinator []AuthorityStep `yaml:"coordinator,omitempty"`

	// CrashAfterKey cancels the run at the key boundary after this key
	// completes, then resumes with a fresh engine.
	CrashAfterKey string `yaml:"crash_after_key,omitempty"`

	// Reencrypt runs the bulk re-encryption sweep instead of a migration.
	Reencrypt bool `yaml:"reencrypt,omitempty"`

	// Expect states the required outcome.
	Expect Expectation `yaml:"expect"`
}

// CipherScript mirrors the testutil cipher controls.
type CipherScript struct {
	FailOn   []string `yaml:"fail_on,omitempty"`
	FailNext int      `yaml:"fail_next,omitempty"`
}

// AuthorityStep is one scripted MayWrite answer.
type AuthorityStep struct {
	Allowed bool   `yaml:"allowed"`
	Reason  string `yaml:"reason,omitempty"`
}

// Expectation is the scenario's required outcome. Unset fields are not
// checked; golden files cover the full detail.
type Expectation struct {
	Migrated      *bool    `yaml:"migrated,omitempty"`
	KeysProcessed *int     `yaml:"keys_processed,omitempty"`
	FailedKeys    []string `yaml:"failed_keys,omitempty"`

	// Reencrypt sweep counters.
	Successful   *int  `yaml:"successful,omitempty"`
	Failed       *int  `yaml:"failed,omitempty"`
	Skipped      *int  `yaml:"skipped,omitempty"`
	Inconsistent *bool `yaml:"inconsistent,omitempty"`
}

// LoadScenario reads, schema-validates, and parses a scenario file.
// Unknown YAML fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	if err := validateSchema(data); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}

	var scn Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&scn); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := validateScenario(&scn); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &scn, nil
}

// validateScenario covers the structural rules the schema cannot express.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Reencrypt {
		if len(s.ConfigKeys) > 0 || len(s.TokenKeys) > 0 {
			return fmt.Errorf("reencrypt scenarios take preset records, not migration keys")
		}
		if len(s.Preset) == 0 {
			return fmt.Errorf("reencrypt scenarios require preset records")
		}
		return nil
	}
	if len(s.ConfigKeys) == 0 && len(s.TokenKeys) == 0 {
		return fmt.Errorf("config_keys or token_keys is required")
	}
	if s.CrashAfterKey != "" && !contains(s.ConfigKeys, s.CrashAfterKey) && !contains(s.TokenKeys, s.CrashAfterKey) {
		return fmt.Errorf("crash_after_key %q is not in the key lists", s.CrashAfterKey)
	}
	return nil
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
