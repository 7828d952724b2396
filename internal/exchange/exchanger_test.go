package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/model"
)

func backendJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("backend"))
	require.NoError(t, err)
	return s
}

func TestExchange_OK(t *testing.T) {
	t.Parallel()
	exp := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	tok := backendJWT(t, exp)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != VerifyPath || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in["idToken"] != "id-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"user":     map[string]any{"_id": "u1", "email": "a@x.com", "role": "admin", "isEmailVerified": true},
			"jwtToken": tok,
		})
	}))
	defer srv.Close()

	e := New(srv.URL+"/", nil, zaptest.NewLogger(t))
	bs, err := e.Exchange(context.Background(), model.IdentityAssertion{ProviderUserID: "p1", IdentityToken: "id-1"})
	require.NoError(t, err)
	require.Equal(t, "u1", bs.User.ID)
	require.Equal(t, model.RoleAdmin, bs.User.Role)
	require.Equal(t, tok, bs.Token)
	require.True(t, bs.ExpiresAt.Equal(exp))

	cur, ok := e.Current()
	require.True(t, ok)
	require.Equal(t, bs, cur)

	e.Invalidate()
	_, ok = e.Current()
	require.False(t, ok)
}

func TestExchange_StatusClasses(t *testing.T) {
	t.Parallel()
	var status atomic.Int32
	status.Store(http.StatusForbidden)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	e := New(srv.URL, nil, nil)
	ctx := context.Background()
	a := model.IdentityAssertion{IdentityToken: "id"}

	_, err := e.Exchange(ctx, a)
	require.ErrorIs(t, err, errs.ErrTokenRejected)

	status.Store(http.StatusBadGateway)
	_, err = e.Exchange(ctx, a)
	require.ErrorIs(t, err, errs.ErrBackendUnreachable)

	_, err = e.Exchange(ctx, model.IdentityAssertion{})
	require.ErrorIs(t, err, errs.ErrTokenRejected)
}

func TestExchange_MalformedBodies(t *testing.T) {
	t.Parallel()
	var body atomic.Value
	body.Store(`{"user":{"_id":"u1"}}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	defer srv.Close()
	e := New(srv.URL, nil, nil)
	a := model.IdentityAssertion{IdentityToken: "id"}

	_, err := e.Exchange(context.Background(), a)
	require.ErrorIs(t, err, errs.ErrTokenRejected, "missing jwtToken")

	body.Store(`{"jwtToken":"opaque"}`)
	_, err = e.Exchange(context.Background(), a)
	require.ErrorIs(t, err, errs.ErrTokenRejected, "missing user")

	body.Store(`not json`)
	_, err = e.Exchange(context.Background(), a)
	require.ErrorIs(t, err, errs.ErrBackendUnreachable)
}

func TestExchange_Unreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := New(srv.URL, nil, nil).Exchange(context.Background(), model.IdentityAssertion{IdentityToken: "id"})
	require.ErrorIs(t, err, errs.ErrBackendUnreachable)
}

func TestAdopt_OpaqueToken(t *testing.T) {
	t.Parallel()
	e := New("http://unused", nil, nil)
	bs := e.Adopt(model.UserProfile{ID: "u1"}, "opaque")
	require.True(t, bs.ExpiresAt.IsZero())
	cur, ok := e.Current()
	require.True(t, ok)
	require.Equal(t, "opaque", cur.Token)
}
