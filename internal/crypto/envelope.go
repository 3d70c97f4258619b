package crypto

import (
	"encoding/base64"
	"fmt"

	"github.com/ballastdb/ballast/internal/canon"
)

// Envelope versioning. KeyVersion changes on key rotation;
// MigrationVersion MUST be incremented when the envelope structure or the
// rotation scheme changes.
const (
	KeyVersion       = 1
	MigrationVersion = 1
)

// Envelope wraps authenticated ciphertext plus versioning metadata. A record
// is encrypted iff it is an Envelope with Encrypted == true; nothing else in
// the system carries ciphertext.
type Envelope struct {
	Encrypted        bool   `json:"encrypted"`
	KeyVersion       int    `json:"keyVersion"`
	MigrationVersion int    `json:"migrationVersion"`
	Value            []byte `json:"value"`
}

// IsEnvelope detects an envelope in a value that may have round-tripped
// through JSON (arriving as map[string]any with base64 text) or may still be
// the native struct.
func IsEnvelope(v any) (Envelope, bool) {
	switch val := v.(type) {
	case Envelope:
		return val, val.Encrypted
	case *Envelope:
		if val == nil {
			return Envelope{}, false
		}
		return *val, val.Encrypted
	case map[string]any:
		enc, ok := val["encrypted"].(bool)
		if !ok || !enc {
			return Envelope{}, false
		}
		raw, ok := val["value"].(string)
		if !ok {
			return Envelope{}, false
		}
		bytes, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Envelope{}, false
		}
		env := Envelope{Encrypted: true, Value: bytes}
		if kv, ok := jsonInt(val["keyVersion"]); ok {
			env.KeyVersion = kv
		}
		if mv, ok := jsonInt(val["migrationVersion"]); ok {
			env.MigrationVersion = mv
		}
		return env, true
	default:
		return Envelope{}, false
	}
}

// jsonInt coerces the numeric shapes JSON decoding can produce.
func jsonInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case interface{ Int64() (int64, error) }: // json.Number
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// Gate classifies records and moves values in and out of envelopes. It is
// stateless except for the cipher handle.
type Gate struct {
	cipher Cipher
}

// NewGate wraps the host-supplied authenticated-encryption primitive.
func NewGate(c Cipher) *Gate {
	return &Gate{cipher: c}
}

// Wrap serializes value as canonical JSON, encrypts it, and stamps the
// current envelope versions.
func (g *Gate) Wrap(value any) (Envelope, error) {
	plaintext, err := canon.Marshal(value)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap: %w", err)
	}
	ciphertext, err := g.cipher.Encrypt(plaintext)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap: %w: %w", ErrEncryptionFailed, err)
	}
	return Envelope{
		Encrypted:        true,
		KeyVersion:       KeyVersion,
		MigrationVersion: MigrationVersion,
		Value:            ciphertext,
	}, nil
}

// Unwrap decrypts an envelope and decodes the canonical JSON plaintext.
// Authentication failure surfaces ErrDecryptionFailed with no fallback.
func (g *Gate) Unwrap(env Envelope) (any, error) {
	plaintext, err := g.cipher.Decrypt(env.Value)
	if err != nil {
		return nil, fmt.Errorf("unwrap: %w", err)
	}
	value, err := canon.Unmarshal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("unwrap: %w", err)
	}
	return value, nil
}
