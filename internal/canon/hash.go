package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content digests. The version suffix enables future
// algorithm migration without ambiguity.
const (
	DomainBackup = "ballast/backup/v1"
	DomainEvent  = "ballast/event/v1"
)

// HashWithDomain computes a SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func HashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest canonicalizes a value and hashes it under the given domain.
// Used for backup integrity checks: the digest recorded at backup time is
// recomputed at rollback time to detect a corrupted snapshot.
func Digest(domain string, v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return HashWithDomain(domain, data), nil
}
