// Package redisstore keeps the session in Redis, namespaced per device.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/atelier/internal/crypto/sealer"
	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/identity"
	"github.com/and161185/atelier/internal/model"
	"github.com/and161185/atelier/internal/repository"
)

// Store implements repository.Store on a Redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
	sealer *sealer.Sealer
}

var _ repository.Store = (*Store)(nil)

// New builds a store whose keys look like "<prefix>:session.user". Values are sealed
// when s is non-nil.
func New(client redis.UniversalClient, prefix string, s *sealer.Sealer) *Store {
	if prefix == "" {
		prefix = "atelier"
	}
	return &Store{client: client, prefix: prefix, sealer: s}
}

func (s *Store) key(name string) string { return s.prefix + ":" + name }

// Load implements repository.SessionRepository.
func (s *Store) Load(ctx context.Context) (model.Persisted, error) {
	vals, err := s.client.MGet(ctx, s.key(repository.KeyUser), s.key(repository.KeyBackendToken)).Result()
	if err != nil {
		return model.Persisted{}, fmt.Errorf("%w: %v", errs.ErrNetworkUnavailable, err)
	}
	user, ok1 := vals[0].(string)
	tok, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return model.Persisted{}, errs.ErrNotFound
	}

	var p model.Persisted
	raw, err := s.open(repository.KeyUser, user)
	if err != nil {
		return model.Persisted{}, err
	}
	if err := json.Unmarshal(raw, &p.User); err != nil {
		return model.Persisted{}, fmt.Errorf("%w: decode user: %v", errs.ErrNotFound, err)
	}
	rawTok, err := s.open(repository.KeyBackendToken, tok)
	if err != nil {
		return model.Persisted{}, err
	}
	p.BackendToken = string(rawTok)
	if p.User.ID == "" || p.BackendToken == "" {
		return model.Persisted{}, errs.ErrNotFound
	}
	return p, nil
}

// Save implements repository.SessionRepository. Both keys are set in one MULTI.
func (s *Store) Save(ctx context.Context, p model.Persisted) error {
	user, err := json.Marshal(p.User)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	sealedUser, err := s.seal(repository.KeyUser, user)
	if err != nil {
		return err
	}
	sealedTok, err := s.seal(repository.KeyBackendToken, []byte(p.BackendToken))
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(repository.KeyUser), sealedUser, 0)
		pipe.Set(ctx, s.key(repository.KeyBackendToken), sealedTok, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// Clear implements repository.SessionRepository.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key(repository.KeyUser), s.key(repository.KeyBackendToken)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// LoadState implements identity.StateStore.
func (s *Store) LoadState(ctx context.Context) (*identity.State, error) {
	v, err := s.client.Get(ctx, s.key(repository.KeyProviderState)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	raw, err := s.open(repository.KeyProviderState, v)
	if err != nil {
		return nil, nil
	}
	var st identity.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// SaveState implements identity.StateStore.
func (s *Store) SaveState(ctx context.Context, st identity.State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	sealed, err := s.seal(repository.KeyProviderState, payload)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(repository.KeyProviderState), sealed, 0).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// ClearState implements identity.StateStore.
func (s *Store) ClearState(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key(repository.KeyProviderState)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) seal(purpose string, b []byte) ([]byte, error) {
	if s.sealer == nil {
		return b, nil
	}
	return s.sealer.Seal(purpose, b)
}

func (s *Store) open(purpose, v string) ([]byte, error) {
	if s.sealer == nil {
		return []byte(v), nil
	}
	b, err := s.sealer.Open(purpose, []byte(v))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrNotFound, err)
	}
	return b, nil
}
