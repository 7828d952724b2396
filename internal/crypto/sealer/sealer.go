// Package sealer encrypts session material at rest with XChaCha20-Poly1305.
//
// A single master key (random device key or Argon2id-derived from a passphrase) is
// expanded with HKDF into one subkey per purpose, and the purpose is bound as AAD so a
// blob sealed for one record cannot be opened as another.
package sealer

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	KeyLen  = 32
	SaltLen = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

// ErrCorrupt is returned when a blob fails authentication.
var ErrCorrupt = errors.New("sealed blob corrupt or key mismatch")

// Sealer seals and opens blobs for a fixed master key.
type Sealer struct {
	master []byte
}

// Rand returns n cryptographically secure random bytes.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// New wraps an existing master key.
func New(master []byte) (*Sealer, error) {
	if len(master) != KeyLen {
		return nil, fmt.Errorf("sealer: key must be %d bytes, got %d", KeyLen, len(master))
	}
	k := make([]byte, KeyLen)
	copy(k, master)
	return &Sealer{master: k}, nil
}

// FromPassphrase derives the master key with Argon2id.
func FromPassphrase(passphrase, salt []byte) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("sealer: empty passphrase")
	}
	return New(argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeyLen))
}

// LoadOrCreateKey reads a device key from path, creating a random one (0600) if absent.
func LoadOrCreateKey(path string) (*Sealer, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return New(b)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	key, err := Rand(KeyLen)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		// lost a race with another process; use its key
		return LoadOrCreateKey(path)
	}
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(key); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return New(key)
}

func (s *Sealer) subkey(purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, []byte(purpose))
	key := make([]byte, KeyLen)
	_, err := r.Read(key)
	return key, err
}

// Seal encrypts plaintext under purpose. Output is nonce||ciphertext.
func (s *Sealer) Seal(purpose string, plaintext []byte) ([]byte, error) {
	key, err := s.subkey(purpose)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, []byte(purpose))...)
	return out, nil
}

// Open decrypts a blob produced by Seal with the same purpose.
func (s *Sealer) Open(purpose string, blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrCorrupt
	}
	key, err := s.subkey(purpose)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:], []byte(purpose))
	if err != nil {
		return nil, ErrCorrupt
	}
	return pt, nil
}
