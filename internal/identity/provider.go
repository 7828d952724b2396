// Package identity wraps the federated identity provider behind a small, error-mapped surface.
package identity

import (
	"context"

	"github.com/and161185/atelier/internal/model"
)

// Provider is the credential provider adapter. Every error it returns carries an errs.Kind;
// raw provider codes never reach the caller.
type Provider interface {
	// RegisterWithEmail creates an account and triggers a verification email.
	RegisterWithEmail(ctx context.Context, email, password, displayName string) (model.IdentityAssertion, error)
	// LoginWithEmail signs in with email and password.
	LoginWithEmail(ctx context.Context, email, password string) (model.IdentityAssertion, error)
	// RequestPhoneOTP sends an OTP to phoneNumber after the verifier passes the bot challenge.
	RequestPhoneOTP(ctx context.Context, phoneNumber string, verifier ChallengeVerifier) (handle string, err error)
	// ConfirmPhoneOTP completes phone sign-in with the code the user received.
	ConfirmPhoneOTP(ctx context.Context, handle, code string) (model.IdentityAssertion, error)
	// CurrentIdentityToken returns the latest token of the active provider session, "" if none.
	CurrentIdentityToken(ctx context.Context, forceRefresh bool) (string, error)
	// Accept makes the sign-in behind a the current session. Sign-ins that complete
	// afterwards are held below it until accepted or discarded.
	Accept(ctx context.Context, a model.IdentityAssertion) error
	// Discard drops the sign-in behind a. If it was current, the session it displaced
	// becomes current again. Unknown assertions are ignored.
	Discard(ctx context.Context, a model.IdentityAssertion) error
	// SignOut drops the provider session locally.
	SignOut(ctx context.Context) error
	// SendPasswordReset mails a password reset link.
	SendPasswordReset(ctx context.Context, email string) error
	// Reauthenticate refreshes the credential age of the current session.
	Reauthenticate(ctx context.Context, password string) error
	// ChangePassword sets a new password for the current session's user.
	ChangePassword(ctx context.Context, newPassword string) error
	// DeleteAccount removes the provider account of the current session.
	DeleteAccount(ctx context.Context) error
}

// ChallengeVerifier yields a bot-challenge token. It is implemented by challenge.Widget.
type ChallengeVerifier interface {
	Verify(ctx context.Context) (string, error)
}

// State is what the provider keeps across process restarts, the way a browser SDK keeps
// its own storage. It holds the long-lived refresh credential, never an ID token.
type State struct {
	UserID       string `json:"userId"`
	Email        string `json:"email,omitempty"`
	RefreshToken string `json:"refreshToken"`
}

// StateStore persists State. A nil store keeps the provider session in memory only.
type StateStore interface {
	LoadState(ctx context.Context) (*State, error)
	SaveState(ctx context.Context, st State) error
	ClearState(ctx context.Context) error
}
