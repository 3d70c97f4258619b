package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
)

// ErrDecryptionFailed means the authenticated decryption primitive rejected
// the ciphertext (wrong key or tampering). Callers must surface it; a default
// value is never substituted for a record that fails authentication.
var ErrDecryptionFailed = errors.New("crypto: decryption failed")

// ErrEncryptionFailed wraps cipher-side encryption errors. Whether it is
// fatal depends on the key's strictness; that policy lives in the config
// layer, not here.
var ErrEncryptionFailed = errors.New("crypto: encryption failed")

// Cipher is the authenticated-encryption primitive the host supplies.
// Encrypt returns ciphertext carrying an integrity tag; Decrypt returns
// ErrDecryptionFailed when authentication fails.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

const nonceSize = 12

// AESGCM implements Cipher with AES-256-GCM. The data-encryption key lives
// in a memguard enclave and is only opened into locked memory for the
// duration of each call. The ciphertext layout is nonce || sealed.
type AESGCM struct {
	key *memguard.Enclave
}

// NewAESGCM seals the given 32-byte key. The caller's copy is wiped.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	// NewEnclave wipes the source slice after sealing.
	return &AESGCM{key: memguard.NewEnclave(key)}, nil
}

// NewAESGCMRandom generates a fresh random key, for hosts that manage the
// key lifecycle elsewhere (tests, ephemeral stores).
func NewAESGCMRandom() (*AESGCM, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return NewAESGCM(key)
}

// open materializes the key into locked memory and builds the AEAD.
// The returned destroy func must run before the call returns.
func (a *AESGCM) open() (cipher.AEAD, func(), error) {
	buf, err := a.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: open key enclave: %w", err)
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("crypto: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("crypto: %w", err)
	}
	return aead, func() { buf.Destroy() }, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (a *AESGCM) Encrypt(plaintext []byte) ([]byte, error) {
	aead, destroy, err := a.open()
	if err != nil {
		return nil, err
	}
	defer destroy()

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens nonce-prefixed ciphertext. Authentication failure returns
// ErrDecryptionFailed, never a partial plaintext.
func (a *AESGCM) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, ErrDecryptionFailed
	}
	aead, destroy, err := a.open()
	if err != nil {
		return nil, err
	}
	defer destroy()

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
