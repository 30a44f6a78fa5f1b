package cache

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"
)

// KeyProvider supplies the AES key used for payload encryption. The
// production provider reads the OS secret store; it is an external
// collaborator and lives outside this package. Implementations must return a
// 32-byte key.
type KeyProvider interface {
	Key(ctx context.Context) ([]byte, error)
}

// ErrEncryptionMismatch is returned when encrypted and plaintext entries are
// found in the same store. Coexistence is rejected to keep the operator from
// silently reading a store that only partially honors the encryption setting.
var ErrEncryptionMismatch = errors.New("cache contains a mix of encrypted and plaintext entries")

// magic prefix marking encrypted payloads. A payload without it is plaintext.
var encMagic = []byte("aesgcm1:")

// EncryptedBackend wraps a backend with AES-GCM payload encryption. The key
// is fetched once at open; plaintext key material is zeroed on Close. A wrong
// key is not detected at open: entries it cannot decrypt read as misses.
type EncryptedBackend struct {
	inner Backend
	key   []byte
}

// NewEncryptedBackend fetches the key and samples up to 16 stored entries,
// rejecting a store that mixes encrypted and plaintext payloads. A store that
// holds only plaintext entries is accepted.
func NewEncryptedBackend(ctx context.Context, inner Backend, provider KeyProvider) (*EncryptedBackend, error) {
	key, err := provider.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching cache encryption key: %w", err)
	}
	if len(key) != 32 {
		zero(key)
		return nil, fmt.Errorf("cache encryption key must be 32 bytes, got %d", len(key))
	}

	b := &EncryptedBackend{inner: inner, key: key}
	if err := b.validateStore(ctx); err != nil {
		zero(key)
		return nil, err
	}
	return b, nil
}

// validateStore samples stored entries and rejects plaintext/encrypted mixes.
func (b *EncryptedBackend) validateStore(ctx context.Context) error {
	keys, err := b.inner.Keys(ctx)
	if err != nil {
		// Enumeration failure is not fatal; the cache stays best-effort.
		return nil
	}
	seenEncrypted, seenPlain := false, false
	for i, key := range keys {
		if i >= 16 {
			break
		}
		entry, err := b.inner.Get(ctx, key)
		if err != nil {
			continue
		}
		if isEncryptedPayload(entry.Payload) {
			seenEncrypted = true
		} else {
			seenPlain = true
		}
	}
	if seenEncrypted && seenPlain {
		return ErrEncryptionMismatch
	}
	return nil
}

func (b *EncryptedBackend) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := b.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !isEncryptedPayload(entry.Payload) {
		return nil, ErrEncryptionMismatch
	}
	plain, err := b.decrypt(entry.Payload[len(encMagic):])
	if err != nil {
		// An undecryptable entry (rotated key) is a miss, not a failure.
		return nil, ErrNotFound
	}
	clone := *entry
	clone.Payload = plain
	return &clone, nil
}

func (b *EncryptedBackend) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	sealed, err := b.encrypt(payload)
	if err != nil {
		return fmt.Errorf("encrypting cache payload: %w", err)
	}
	return b.inner.Put(ctx, key, append(append([]byte{}, encMagic...), sealed...), ttl)
}

func (b *EncryptedBackend) Invalidate(ctx context.Context, key string) error {
	return b.inner.Invalidate(ctx, key)
}

func (b *EncryptedBackend) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	return b.inner.InvalidatePrefix(ctx, prefix)
}

func (b *EncryptedBackend) Keys(ctx context.Context) ([]string, error) {
	return b.inner.Keys(ctx)
}

func (b *EncryptedBackend) Stats(ctx context.Context) (Stats, error) {
	return b.inner.Stats(ctx)
}

func (b *EncryptedBackend) Close() error {
	zero(b.key)
	return b.inner.Close()
}

func (b *EncryptedBackend) encrypt(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (b *EncryptedBackend) decrypt(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed payload too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func isEncryptedPayload(payload []byte) bool {
	if len(payload) < len(encMagic) {
		return false
	}
	for i := range encMagic {
		if payload[i] != encMagic[i] {
			return false
		}
	}
	return true
}

// StaticKeyProvider serves a fixed in-memory key; the tests use it.
type StaticKeyProvider []byte

func (p StaticKeyProvider) Key(ctx context.Context) ([]byte, error) {
	out := make([]byte, len(p))
	copy(out, p)
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
