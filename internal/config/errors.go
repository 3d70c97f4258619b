package config

import (
	"errors"
	"fmt"
)

// EncryptionFailedForSensitiveData is returned when the cipher fails on a
// strict-sensitive key. Nothing was persisted; plaintext is never an
// acceptable substitute for these keys.
type EncryptionFailedForSensitiveData struct {
	Key string
	Err error
}

func (e *EncryptionFailedForSensitiveData) Error() string {
	return fmt.Sprintf("encryption failed for sensitive key %q: %v", e.Key, e.Err)
}

func (e *EncryptionFailedForSensitiveData) Unwrap() error { return e.Err }

// ErrSensitiveOnFallback is returned when a sensitive key is written while
// only the fallback store is available. The fallback cannot hold envelopes,
// so it refuses sensitive keys entirely rather than storing them plaintext.
var ErrSensitiveOnFallback = errors.New("config: fallback store refuses sensitive keys")

// ErrNoStore is returned when neither the object store nor a fallback is
// available.
var ErrNoStore = errors.New("config: no store available")

// IsEncryptionBlocked reports whether err is a fail-closed refusal.
func IsEncryptionBlocked(err error) bool {
	var blocked *EncryptionFailedForSensitiveData
	return errors.As(err, &blocked)
}
