// Package filestore keeps the session in the user's config directory, optionally sealed.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/atelier/internal/crypto/sealer"
	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/identity"
	"github.com/and161185/atelier/internal/model"
	"github.com/and161185/atelier/internal/repository"
)

const (
	sessionFile  = "session.json"
	providerFile = "provider.json"
	// KeyFile is the device key used when no passphrase is configured.
	KeyFile = "device.key"
)

// DefaultDir is $XDG_CONFIG_HOME/atelier, or ~/.config/atelier.
func DefaultDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "atelier")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "atelier")
}

// Store is a file-backed repository.Store. With a nil sealer files are plain JSON.
type Store struct {
	dir    string
	sealer *sealer.Sealer
	log    *zap.Logger

	mu sync.Mutex
}

var _ repository.Store = (*Store)(nil)

// New creates the directory (0700) if needed.
func New(dir string, s *sealer.Sealer, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestore: %w", err)
	}
	return &Store{dir: dir, sealer: s, log: log}, nil
}

type sessionRecord map[string]json.RawMessage

// Load implements repository.SessionRepository.
func (s *Store) Load(_ context.Context) (model.Persisted, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec sessionRecord
	if err := s.read(sessionFile, "session", &rec); err != nil {
		return model.Persisted{}, err
	}
	var p model.Persisted
	if err := json.Unmarshal(rec[repository.KeyUser], &p.User); err != nil {
		return model.Persisted{}, fmt.Errorf("%w: user: %v", errs.ErrNotFound, err)
	}
	if err := json.Unmarshal(rec[repository.KeyBackendToken], &p.BackendToken); err != nil {
		return model.Persisted{}, fmt.Errorf("%w: token: %v", errs.ErrNotFound, err)
	}
	if p.User.ID == "" || p.BackendToken == "" {
		return model.Persisted{}, errs.ErrNotFound
	}
	return p, nil
}

// Save implements repository.SessionRepository.
func (s *Store) Save(_ context.Context, p model.Persisted) error {
	user, err := json.Marshal(p.User)
	if err != nil {
		return err
	}
	tok, err := json.Marshal(p.BackendToken)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(sessionFile, "session", sessionRecord{
		repository.KeyUser:         user,
		repository.KeyBackendToken: tok,
	})
}

// Clear implements repository.SessionRepository.
func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(sessionFile)
}

// LoadState implements identity.StateStore. A missing or unreadable file yields nil state.
func (s *Store) LoadState(_ context.Context) (*identity.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st identity.State
	if err := s.read(providerFile, repository.KeyProviderState, &st); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

// SaveState implements identity.StateStore.
func (s *Store) SaveState(_ context.Context, st identity.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(providerFile, repository.KeyProviderState, st)
}

// ClearState implements identity.StateStore.
func (s *Store) ClearState(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remove(providerFile)
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) read(name, purpose string, out any) error {
	b, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return errs.ErrNotFound
	}
	if err != nil {
		return err
	}
	if s.sealer != nil {
		if b, err = s.sealer.Open(purpose, b); err != nil {
			s.log.Warn("stored file unreadable, ignoring", zap.String("file", name), zap.Error(err))
			return fmt.Errorf("%w: %v", errs.ErrNotFound, err)
		}
	}
	if err := json.Unmarshal(b, out); err != nil {
		s.log.Warn("stored file malformed, ignoring", zap.String("file", name), zap.Error(err))
		return fmt.Errorf("%w: %v", errs.ErrNotFound, err)
	}
	return nil
}

// write replaces name atomically through a temp file in the same directory.
func (s *Store) write(name, purpose string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.sealer != nil {
		if b, err = s.sealer.Seal(purpose, b); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(s.dir, name+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, name))
}

func (s *Store) remove(name string) error {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
