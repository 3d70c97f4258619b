package config

import (
	"context"
	"fmt"

	"github.com/ballastdb/ballast/internal/crypto"
	"github.com/ballastdb/ballast/internal/kv"
)

// Vault is the host-supplied secure token store. When present it owns the
// token subnamespace; tokens are then never written to the object store or
// any fallback. SetTokenWithExpiry persists a token and its expiry in one
// operation so a crash cannot separate them.
type Vault interface {
	Token(ctx context.Context, key string) (value string, found bool, err error)
	SetToken(ctx context.Context, key, value string) error
	SetTokenWithExpiry(ctx context.Context, key, value, expiresAt string) error
	RemoveToken(ctx context.Context, key string) error
	ClearTokens(ctx context.Context) error
}

// HasVault reports whether a secure vault backs the token subnamespace.
func (a *API) HasVault() bool { return a.vault != nil }

// Token reads one token. Missing tokens return ("", nil).
func (a *API) Token(ctx context.Context, key string) (string, error) {
	if a.vault != nil {
		value, found, err := a.vault.Token(ctx, key)
		if err != nil {
			return "", fmt.Errorf("get token %q: %w", key, err)
		}
		if !found {
			return "", nil
		}
		return value, nil
	}
	if a.db == nil {
		// Tokens are sensitive by definition; the fallback never holds them.
		return "", nil
	}

	rec, err := a.db.Get(ctx, kv.StoreTokens, key)
	if err != nil {
		if kv.IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("get token %q: %w", key, err)
	}
	env, ok := crypto.IsEnvelope(rec.Value)
	if !ok {
		if s, ok := rec.Value.(string); ok {
			return s, nil
		}
		return "", fmt.Errorf("get token %q: unexpected record shape", key)
	}
	value, err := a.gate.Unwrap(env)
	if err != nil {
		a.emitSecurity(ctx, "security:decryption_failed", key, err)
		return "", fmt.Errorf("get token %q: %w", key, err)
	}
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("get token %q: unexpected plaintext shape", key)
	}
	return s, nil
}

// SetToken writes one token, to the vault when present, otherwise encrypted
// into the tokens store. Token keys are strict-sensitive: an encryption
// failure refuses the write.
func (a *API) SetToken(ctx context.Context, key, value string) error {
	if err := a.checkWrite(); err != nil {
		return err
	}
	if a.vault != nil {
		if err := a.vault.SetToken(ctx, key, value); err != nil {
			return fmt.Errorf("set token %q: %w", key, err)
		}
		return nil
	}
	if a.db == nil {
		return fmt.Errorf("set token %q: %w", key, ErrSensitiveOnFallback)
	}

	env, err := a.gate.Wrap(value)
	if err != nil {
		a.emitSecurity(ctx, "security:encryption_blocked", key, err)
		return &EncryptionFailedForSensitiveData{Key: key, Err: err}
	}
	if err := a.db.Put(ctx, kv.StoreTokens, kv.Record{Key: key, Value: env}); err != nil {
		return fmt.Errorf("set token %q: %w", key, err)
	}
	return nil
}

// SetTokenWithExpiry writes a token together with its expiry. With a vault
// the pair is one atomic vault operation; without one, the expiry lands as a
// plain config value alongside the encrypted token.
func (a *API) SetTokenWithExpiry(ctx context.Context, key, value, expiresAt string) error {
	if a.vault != nil {
		if err := a.checkWrite(); err != nil {
			return err
		}
		if err := a.vault.SetTokenWithExpiry(ctx, key, value, expiresAt); err != nil {
			return fmt.Errorf("set token %q: %w", key, err)
		}
		return nil
	}
	if err := a.SetToken(ctx, key, value); err != nil {
		return err
	}
	return a.Set(ctx, key+"_expiry", expiresAt)
}

// RemoveToken deletes one token.
func (a *API) RemoveToken(ctx context.Context, key string) error {
	if err := a.checkWrite(); err != nil {
		return err
	}
	if a.vault != nil {
		if err := a.vault.RemoveToken(ctx, key); err != nil {
			return fmt.Errorf("remove token %q: %w", key, err)
		}
		return nil
	}
	if a.db == nil {
		return nil
	}
	if err := a.db.Delete(ctx, kv.StoreTokens, key); err != nil && !kv.IsNotFound(err) {
		return fmt.Errorf("remove token %q: %w", key, err)
	}
	return nil
}

// ClearTokens wipes the token subnamespace.
func (a *API) ClearTokens(ctx context.Context) error {
	if err := a.checkWrite(); err != nil {
		return err
	}
	if a.vault != nil {
		if err := a.vault.ClearTokens(ctx); err != nil {
			return fmt.Errorf("clear tokens: %w", err)
		}
		return nil
	}
	if a.db == nil {
		return nil
	}
	if err := a.db.Clear(ctx, kv.StoreTokens); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}
