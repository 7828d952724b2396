package sealer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestRand_LengthUniq(t *testing.T) {
	t.Parallel()
	a, err := Rand(48)
	if err != nil || len(a) != 48 {
		t.Fatalf("Rand len/err: %d %v", len(a), err)
	}
	b, _ := Rand(48)
	if bytes.Equal(a, b) {
		t.Fatalf("Rand produced equal slices")
	}
}

func TestSealOpen_Roundtrip(t *testing.T) {
	t.Parallel()
	key, _ := Rand(KeyLen)
	s, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pt := []byte(`{"backendToken":"jwt"}`)
	blob, err := s.Seal("session", pt)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(blob, pt) {
		t.Fatalf("ciphertext must not contain plaintext")
	}
	got, err := s.Open("session", blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, pt) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestOpen_RejectsPurposeAndKeyMismatch(t *testing.T) {
	t.Parallel()
	key, _ := Rand(KeyLen)
	s, _ := New(key)
	blob, _ := s.Seal("session", []byte("payload"))

	if _, err := s.Open("provider", blob); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("want ErrCorrupt on purpose mismatch, got %v", err)
	}

	other, _ := Rand(KeyLen)
	s2, _ := New(other)
	if _, err := s2.Open("session", blob); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("want ErrCorrupt on key mismatch, got %v", err)
	}

	if _, err := s.Open("session", blob[:5]); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("want ErrCorrupt on short blob, got %v", err)
	}
}

func TestFromPassphrase_Deterministic(t *testing.T) {
	t.Parallel()
	salt := []byte("salt-1234567890a")
	a, err := FromPassphrase([]byte("pw"), salt)
	if err != nil {
		t.Fatalf("FromPassphrase: %v", err)
	}
	b, _ := FromPassphrase([]byte("pw"), salt)
	blob, _ := a.Seal("x", []byte("v"))
	if _, err := b.Open("x", blob); err != nil {
		t.Fatalf("same passphrase must open: %v", err)
	}
	c, _ := FromPassphrase([]byte("pw2"), salt)
	if _, err := c.Open("x", blob); err == nil {
		t.Fatalf("different passphrase must fail")
	}
	if _, err := FromPassphrase(nil, salt); err == nil {
		t.Fatalf("empty passphrase must fail")
	}
}

func TestNew_RejectsBadKeyLength(t *testing.T) {
	t.Parallel()
	if _, err := New([]byte("short")); err == nil {
		t.Fatalf("expected error for short key")
	}
}

func TestLoadOrCreateKey_PersistsAcrossLoads(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "device.key")

	a, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("perm=%v, want 0600", st.Mode().Perm())
	}

	b, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	blob, _ := a.Seal("p", []byte("v"))
	if _, err := b.Open("p", blob); err != nil {
		t.Fatalf("reloaded key must open: %v", err)
	}
}
