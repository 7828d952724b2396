package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/atelier/internal/crypto/sealer"
	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/identity"
	"github.com/and161185/atelier/internal/model"
	"github.com/and161185/atelier/internal/repository"
)

// SessionRepo stores key/value session rows per device in client_sessions. Values are
// sealed by key name when a sealer is set.
type SessionRepo struct {
	db       *DB
	deviceID string
	sealer   *sealer.Sealer
}

var _ repository.Store = (*SessionRepo)(nil)

// NewSessionRepo constructs a repository scoped to deviceID. s may be nil.
func NewSessionRepo(db *DB, deviceID string, s *sealer.Sealer) *SessionRepo {
	return &SessionRepo{db: db, deviceID: deviceID, sealer: s}
}

const upsertKV = `
INSERT INTO client_sessions (device_id, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (device_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`

const deleteKV = `DELETE FROM client_sessions WHERE device_id = $1 AND key = ANY($2)`

// Load implements repository.SessionRepository.
func (r *SessionRepo) Load(ctx context.Context) (model.Persisted, error) {
	const q = `SELECT key, value FROM client_sessions WHERE device_id = $1 AND key = ANY($2)`
	rows, err := r.db.Pool.Query(ctx, q, r.deviceID, []string{repository.KeyUser, repository.KeyBackendToken})
	if err != nil {
		return model.Persisted{}, err
	}
	defer rows.Close()

	vals := make(map[string][]byte, 2)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return model.Persisted{}, err
		}
		vals[k] = v
	}
	if err := rows.Err(); err != nil {
		return model.Persisted{}, err
	}

	userRaw, ok1 := vals[repository.KeyUser]
	tokRaw, ok2 := vals[repository.KeyBackendToken]
	if !ok1 || !ok2 {
		return model.Persisted{}, errs.ErrNotFound
	}
	if userRaw, err = r.open(repository.KeyUser, userRaw); err != nil {
		return model.Persisted{}, err
	}
	if tokRaw, err = r.open(repository.KeyBackendToken, tokRaw); err != nil {
		return model.Persisted{}, err
	}
	var p model.Persisted
	if err := json.Unmarshal(userRaw, &p.User); err != nil {
		return model.Persisted{}, fmt.Errorf("%w: decode user: %v", errs.ErrNotFound, err)
	}
	p.BackendToken = string(tokRaw)
	if p.User.ID == "" || p.BackendToken == "" {
		return model.Persisted{}, errs.ErrNotFound
	}
	return p, nil
}

// Save implements repository.SessionRepository in a single transaction.
func (r *SessionRepo) Save(ctx context.Context, p model.Persisted) (err error) {
	user, err := json.Marshal(p.User)
	if err != nil {
		return err
	}
	if user, err = r.seal(repository.KeyUser, user); err != nil {
		return err
	}
	tok, err := r.seal(repository.KeyBackendToken, []byte(p.BackendToken))
	if err != nil {
		return err
	}
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	if _, err = tx.Exec(ctx, upsertKV, r.deviceID, repository.KeyUser, user); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, upsertKV, r.deviceID, repository.KeyBackendToken, tok)
	return err
}

// Clear implements repository.SessionRepository.
func (r *SessionRepo) Clear(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx, deleteKV, r.deviceID, []string{repository.KeyUser, repository.KeyBackendToken})
	return err
}

// LoadState implements identity.StateStore.
func (r *SessionRepo) LoadState(ctx context.Context) (*identity.State, error) {
	const q = `SELECT value FROM client_sessions WHERE device_id = $1 AND key = $2`
	var v []byte
	if err := r.db.Pool.QueryRow(ctx, q, r.deviceID, repository.KeyProviderState).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	v, err := r.open(repository.KeyProviderState, v)
	if err != nil {
		return nil, nil
	}
	var st identity.State
	if err := json.Unmarshal(v, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// SaveState implements identity.StateStore.
func (r *SessionRepo) SaveState(ctx context.Context, st identity.State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if b, err = r.seal(repository.KeyProviderState, b); err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, upsertKV, r.deviceID, repository.KeyProviderState, b)
	return err
}

// ClearState implements identity.StateStore.
func (r *SessionRepo) ClearState(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx, deleteKV, r.deviceID, []string{repository.KeyProviderState})
	return err
}

// Close closes the pool.
func (r *SessionRepo) Close() error {
	r.db.Close()
	return nil
}

func (r *SessionRepo) seal(purpose string, b []byte) ([]byte, error) {
	if r.sealer == nil {
		return b, nil
	}
	return r.sealer.Seal(purpose, b)
}

// open treats a value that fails authentication as absent.
func (r *SessionRepo) open(purpose string, b []byte) ([]byte, error) {
	if r.sealer == nil {
		return b, nil
	}
	out, err := r.sealer.Open(purpose, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrNotFound, err)
	}
	return out, nil
}
