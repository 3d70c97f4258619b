package testutil

import (
	"testing"

	"github.com/ballastdb/ballast/internal/kv"
)

// OpenLegacy opens an in-memory legacy store scoped to the test.
func OpenLegacy(t *testing.T) *kv.Legacy {
	t.Helper()
	l, err := kv.OpenLegacy(kv.LegacyOptions{InMemory: true})
	if err != nil {
		t.Fatalf("OpenLegacy() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// SeedLegacy fills a legacy store with raw string entries, the shape a
// migration starts from.
func SeedLegacy(t *testing.T, l *kv.Legacy, entries map[string]string) {
	t.Helper()
	for key, value := range entries {
		if err := l.Set(key, []byte(value)); err != nil {
			t.Fatalf("SeedLegacy: Set(%q) failed: %v", key, err)
		}
	}
}
