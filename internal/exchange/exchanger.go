// Package exchange trades a provider identity assertion for a backend session.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/atelier/internal/convert"
	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/model"
)

// VerifyPath is the backend verification endpoint.
const VerifyPath = "/auth/verify-token"

// Exchanger is the only place where identity assertions cross into backend trust.
type Exchanger struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger

	mu      sync.Mutex
	current *model.BackendSession
}

// New constructs an Exchanger. client should be the plain HTTP client, not the
// refresh-and-retry one: a 401 here is a verdict, not an expired token.
func New(baseURL string, client *http.Client, log *zap.Logger) *Exchanger {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Exchanger{baseURL: strings.TrimRight(baseURL, "/"), client: client, log: log}
}

type verifyRequest struct {
	IDToken string `json:"idToken"`
}

type verifyResponse struct {
	User     *convert.WireUser `json:"user"`
	JWTToken string            `json:"jwtToken"`
}

// Exchange posts the identity token for independent verification. 4xx means the backend
// refused to trust it (TokenRejected, fatal); 5xx or transport failure is BackendUnreachable.
func (e *Exchanger) Exchange(ctx context.Context, a model.IdentityAssertion) (model.BackendSession, error) {
	const op = "exchange.verify"
	if a.IdentityToken == "" {
		return model.BackendSession{}, errs.New(errs.TokenRejected, op, errors.New("empty identity token"))
	}
	payload, err := json.Marshal(verifyRequest{IDToken: a.IdentityToken})
	if err != nil {
		return model.BackendSession{}, errs.New(errs.Unknown, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+VerifyPath, bytes.NewReader(payload))
	if err != nil {
		return model.BackendSession{}, errs.New(errs.Unknown, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.IdentityToken)

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return model.BackendSession{}, err
		}
		return model.BackendSession{}, errs.New(errs.BackendUnreachable, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.BackendSession{}, errs.New(errs.BackendUnreachable, op, err)
	}
	switch {
	case resp.StatusCode >= 500:
		return model.BackendSession{}, errs.New(errs.BackendUnreachable, op, fmt.Errorf("status=%d", resp.StatusCode))
	case resp.StatusCode >= 300:
		e.log.Warn("identity token rejected", zap.Int("status", resp.StatusCode), zap.String("uid", a.ProviderUserID))
		return model.BackendSession{}, errs.New(errs.TokenRejected, op, fmt.Errorf("status=%d", resp.StatusCode))
	}

	var out verifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return model.BackendSession{}, errs.New(errs.BackendUnreachable, op, fmt.Errorf("decode: %w", err))
	}
	if out.JWTToken == "" {
		return model.BackendSession{}, errs.New(errs.TokenRejected, op, errors.New("no backend token issued"))
	}
	user, err := convert.ToProfile(out.User)
	if err != nil {
		return model.BackendSession{}, errs.New(errs.TokenRejected, op, err)
	}

	bs := model.BackendSession{User: user, Token: out.JWTToken, ExpiresAt: tokenExpiry(out.JWTToken)}
	e.mu.Lock()
	e.current = &bs
	e.mu.Unlock()
	e.log.Debug("backend session issued", zap.String("uid", user.ID), zap.String("role", string(user.Role)))
	return bs, nil
}

// Adopt records a backend token restored from storage as the current one.
func (e *Exchanger) Adopt(user model.UserProfile, token string) model.BackendSession {
	bs := model.BackendSession{User: user, Token: token, ExpiresAt: tokenExpiry(token)}
	e.mu.Lock()
	e.current = &bs
	e.mu.Unlock()
	return bs
}

// Current returns the backend session last issued or adopted.
func (e *Exchanger) Current() (model.BackendSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return model.BackendSession{}, false
	}
	return *e.current, true
}

// Invalidate forgets the current backend session.
func (e *Exchanger) Invalidate() {
	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
}

// tokenExpiry reads exp from a JWT without verifying it; the backend is the verifier.
func tokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
