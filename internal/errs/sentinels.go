// Package errs contains the error taxonomy shared by every layer of the session core.
//
// Provider and backend specific failures are mapped to a Kind at the adapter
// boundary; callers only ever match on these sentinels.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the stable error category surfaced to callers and stored as Session.LastError.
type Kind int

const (
	// None means no error.
	None Kind = iota
	InvalidCredentials
	EmailInUse
	WeakPassword
	InvalidEmail
	AccountDisabled
	RateLimited
	InvalidPhoneFormat
	ChallengeFailed
	InvalidCode
	CodeExpired
	BackendUnreachable
	TokenRejected
	SessionExpired
	NetworkUnavailable
	// RequiresRecentLogin is returned by sensitive account operations when the provider
	// session is too old; the caller has to reauthenticate first.
	RequiresRecentLogin
	Unknown
)

// Sentinels, one per Kind.
var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrEmailInUse          = errors.New("email already in use")
	ErrWeakPassword        = errors.New("weak password")
	ErrInvalidEmail        = errors.New("invalid email")
	ErrAccountDisabled     = errors.New("account disabled")
	ErrRateLimited         = errors.New("rate limited")
	ErrInvalidPhoneFormat  = errors.New("invalid phone format")
	ErrChallengeFailed     = errors.New("bot challenge failed")
	ErrInvalidCode         = errors.New("invalid verification code")
	ErrCodeExpired         = errors.New("verification code expired")
	ErrBackendUnreachable  = errors.New("backend unreachable")
	ErrTokenRejected       = errors.New("token rejected by backend")
	ErrSessionExpired      = errors.New("session expired")
	ErrNetworkUnavailable  = errors.New("network unavailable")
	ErrRequiresRecentLogin = errors.New("recent login required")
	ErrUnknown             = errors.New("unknown error")
)

// ErrNotFound is returned by stores when nothing is persisted. It is not a Kind:
// an empty store is a normal startup condition.
var ErrNotFound = errors.New("not found")

// State errors of the session and cart services. Like ErrNotFound they are not Kinds.
var (
	ErrAlreadySignedIn = errors.New("already signed in")
	ErrNotSignedIn     = errors.New("not signed in")
	ErrNoChallenge     = errors.New("no phone challenge pending")
	ErrAborted         = errors.New("flow aborted")
	ErrUnknownItem     = errors.New("unknown cart item")
)

var kinds = []struct {
	kind     Kind
	sentinel error
	name     string
	message  string
}{
	{InvalidCredentials, ErrInvalidCredentials, "InvalidCredentials", "The email or password is incorrect."},
	{EmailInUse, ErrEmailInUse, "EmailInUse", "An account with this email already exists."},
	{WeakPassword, ErrWeakPassword, "WeakPassword", "Password should be at least 6 characters."},
	{InvalidEmail, ErrInvalidEmail, "InvalidEmail", "Please enter a valid email address."},
	{AccountDisabled, ErrAccountDisabled, "AccountDisabled", "This account has been disabled."},
	{RateLimited, ErrRateLimited, "RateLimited", "Too many attempts. Please try again later."},
	{InvalidPhoneFormat, ErrInvalidPhoneFormat, "InvalidPhoneFormat", "Enter the phone number with country code, e.g. +15551234567."},
	{ChallengeFailed, ErrChallengeFailed, "ChallengeFailed", "Verification check failed. Please try again."},
	{InvalidCode, ErrInvalidCode, "InvalidCode", "The code you entered is incorrect."},
	{CodeExpired, ErrCodeExpired, "CodeExpired", "The code has expired. Request a new one."},
	{BackendUnreachable, ErrBackendUnreachable, "BackendUnreachable", "Our servers are unreachable right now."},
	{TokenRejected, ErrTokenRejected, "TokenRejected", "We could not verify your sign-in. Please sign in again."},
	{SessionExpired, ErrSessionExpired, "SessionExpired", "Your session has expired. Please sign in again."},
	{NetworkUnavailable, ErrNetworkUnavailable, "NetworkUnavailable", "Network unavailable. Check your connection."},
	{RequiresRecentLogin, ErrRequiresRecentLogin, "RequiresRecentLogin", "Please confirm your password to continue."},
	{Unknown, ErrUnknown, "Unknown", "Something went wrong. Please try again."},
}

func lookup(k Kind) (error, string, string, bool) {
	for _, e := range kinds {
		if e.kind == k {
			return e.sentinel, e.name, e.message, true
		}
	}
	return nil, "", "", false
}

// Sentinel returns the sentinel error for k, nil for None.
func (k Kind) Sentinel() error {
	if k == None {
		return nil
	}
	s, _, _, ok := lookup(k)
	if !ok {
		return ErrUnknown
	}
	return s
}

func (k Kind) String() string {
	if k == None {
		return "None"
	}
	if _, name, _, ok := lookup(k); ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Message is the single human-readable notification shown for k.
func (k Kind) Message() string {
	if k == None {
		return ""
	}
	if _, _, msg, ok := lookup(k); ok {
		return msg
	}
	return "Something went wrong. Please try again."
}

// Transient reports whether the caller may retry without losing in-progress state.
func (k Kind) Transient() bool {
	return k == RateLimited || k == NetworkUnavailable
}

// Fatal reports whether k forces a full local logout.
func (k Kind) Fatal() bool {
	return k == TokenRejected || k == SessionExpired
}

// Error carries a Kind together with the operation and the underlying cause.
// The cause is informational (logs) and never used for matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New builds an *Error for op with the given kind and optional cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.Sentinel().Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errs.ErrX) match on the kind sentinel.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.Sentinel()
}

// KindOf extracts the Kind carried by err. Plain sentinels are recognised too;
// anything else is Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return Unknown
}

// Network wraps a transport-level failure (dial, TLS, timeout, reset) as NetworkUnavailable.
// A cancelled context is passed through untouched so callers can tell an abort from an outage.
func Network(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return New(NetworkUnavailable, op, err)
}
