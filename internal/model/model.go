// Package model defines the entities owned by the session core and its cart coordinator.
package model

import (
	"time"

	"github.com/and161185/atelier/internal/errs"
)

// Role gates access to the admin and marketing dashboards.
type Role string

const (
	RoleCustomer        Role = "customer"
	RoleAdmin           Role = "admin"
	RoleDigitalMarketer Role = "digitalMarketer"
)

// CanAccessAdmin reports whether the role may open admin screens.
func (r Role) CanAccessAdmin() bool { return r == RoleAdmin }

// CanAccessMarketing reports whether the role may open marketing dashboards.
func (r Role) CanAccessMarketing() bool { return r == RoleAdmin || r == RoleDigitalMarketer }

// UserProfile is the normalized profile issued by the backend.
type UserProfile struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Role          Role   `json:"role"`
	EmailVerified bool   `json:"emailVerified"`
	AvatarURL     string `json:"avatarUrl"`
}

// Phase is the top-level state of the session machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAuthenticating
	PhasePhoneChallengePending
	PhaseAuthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAuthenticating:
		return "authenticating"
	case PhasePhoneChallengePending:
		return "phoneChallengePending"
	case PhaseAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// PhoneChallenge is the live OTP sub-state. It is never persisted.
type PhoneChallenge struct {
	PhoneNumber string
	Handle      string    // opaque provider confirmation handle
	ExpiresIn   int       // OTP expiry timer, seconds
	ResendAt    time.Time // local resend cooldown end
}

// IdentityAssertion is the first stage of the handshake: the provider says who the caller is.
type IdentityAssertion struct {
	ProviderUserID string
	IdentityToken  string
}

// BackendSession is the second stage: the backend has verified the assertion and
// minted its own session artifact.
type BackendSession struct {
	User      UserProfile
	Token     string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// Session is the authoritative in-memory state. IdentityToken is never persisted.
type Session struct {
	User            *UserProfile
	IdentityToken   string
	BackendToken    string
	IsAuthenticated bool
	Phase           Phase
	LastError       errs.Kind
	Challenge       *PhoneChallenge
}

// Snapshot is the read surface handed to consumers; it carries no tokens.
type Snapshot struct {
	IsAuthenticated bool
	User            *UserProfile
	Phase           Phase
	LastError       errs.Kind
	Challenge       *PhoneChallenge
}

// Persisted is what survives a reload: profile and backend token, always together.
type Persisted struct {
	User         UserProfile
	BackendToken string
}

// MutationStatus tracks a single optimistic cart change.
type MutationStatus int

const (
	MutationAppliedLocally MutationStatus = iota
	MutationInFlight
	MutationConfirmed
	MutationRolledBack
)

func (s MutationStatus) String() string {
	switch s {
	case MutationAppliedLocally:
		return "applied-locally"
	case MutationInFlight:
		return "in-flight"
	case MutationConfirmed:
		return "confirmed"
	case MutationRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// PendingMutation is a quantity change that the backend has not settled yet.
type PendingMutation struct {
	ID                string
	ItemID            string
	RequestedQuantity int
	PreviousQuantity  int
	Status            MutationStatus
}

// CartItem is a line in the cart. Prices are minor units (cents).
type CartItem struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Size      string `json:"size,omitempty"`
	Color     string `json:"color,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

// CartTotals is computed by the backend and always wins over local arithmetic.
type CartTotals struct {
	Subtotal  int64 `json:"subtotal"`
	Discount  int64 `json:"discount"`
	Shipping  int64 `json:"shipping"`
	Total     int64 `json:"total"`
	ItemCount int   `json:"itemCount"`
}

// Cart is the full server view of the cart.
type Cart struct {
	Items  []CartItem `json:"items"`
	Totals CartTotals `json:"totals"`
}
