package testutil

import (
	"bytes"
	"errors"
	"sync"

	"github.com/ballastdb/ballast/internal/crypto"
)

// ErrScriptedFailure is the error FlakyCipher injects.
var ErrScriptedFailure = errors.New("testutil: scripted cipher failure")

// FlakyCipher wraps a real cipher and fails encryption on cue, either for
// the next N calls or whenever the plaintext contains a marker substring.
// Decryption always passes through, so records encrypted before the fault
// stay readable.
type FlakyCipher struct {
	Inner crypto.Cipher

	mu       sync.Mutex
	failNext int
	markers  [][]byte
	failures int
}

// NewFlakyCipher wraps inner. With no scripting it behaves identically to
// inner.
func NewFlakyCipher(inner crypto.Cipher) *FlakyCipher {
	return &FlakyCipher{Inner: inner}
}

// FailNext makes the next n Encrypt calls fail.
func (f *FlakyCipher) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// FailOn makes Encrypt fail whenever the plaintext contains marker.
func (f *FlakyCipher) FailOn(marker string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers = append(f.markers, []byte(marker))
}

// Failures returns how many Encrypt calls were failed.
func (f *FlakyCipher) Failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

func (f *FlakyCipher) Encrypt(plaintext []byte) ([]byte, error) {
	f.mu.Lock()
	fail := false
	if f.failNext > 0 {
		f.failNext--
		fail = true
	}
	for _, m := range f.markers {
		if bytes.Contains(plaintext, m) {
			fail = true
			break
		}
	}
	if fail {
		f.failures++
	}
	f.mu.Unlock()

	if fail {
		return nil, ErrScriptedFailure
	}
	return f.Inner.Encrypt(plaintext)
}

func (f *FlakyCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	return f.Inner.Decrypt(ciphertext)
}
