// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/atelier/internal/identity"
	"github.com/and161185/atelier/internal/model"
)

// Persisted keys. The user and the backend token are always written and cleared together.
const (
	KeyUser          = "session.user"
	KeyBackendToken  = "session.backendToken"
	KeyProviderState = "provider.state"
)

// SessionRepository persists the signed-in user across restarts.
type SessionRepository interface {
	// Load returns errs.ErrNotFound when no session is stored. A half-written record
	// (user without token or the reverse) is reported as not found as well.
	Load(ctx context.Context) (model.Persisted, error)
	// Save writes user and backend token as one unit.
	Save(ctx context.Context, p model.Persisted) error
	// Clear removes both keys. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}

// Store is a backend that holds both the session and the provider's refresh state.
type Store interface {
	SessionRepository
	identity.StateStore
	Close() error
}
