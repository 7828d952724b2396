package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/model"
	"github.com/and161185/atelier/internal/transport"
)

// A backend that rejects the session even after a refresh forces a full logout.
func TestSession_RejectedAfterRefreshLogsOut(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"token revoked"}`))
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sess.Register(ctx, "ada@example.com", "secret1", "Ada"))

	var sess *Session
	client := transport.NewClient(transport.Options{
		BaseURL:   srv.URL,
		Tokens:    func(ctx context.Context, force bool) (string, error) { return sess.IdentityToken(ctx, force) },
		OnExpired: func(ctx context.Context) { sess.ExpireSession(ctx) },
		Log:       zaptest.NewLogger(t),
	})
	sess = h.sess
	sess.backend = client

	_, err := sess.RefreshProfile(ctx)
	require.ErrorIs(t, err, errs.ErrSessionExpired)
	require.EqualValues(t, 2, hits.Load(), "one retry after the forced refresh")

	snap := sess.Snapshot()
	checkInvariant(t, snap)
	require.Equal(t, model.PhaseIdle, snap.Phase)
	require.False(t, snap.IsAuthenticated)
	require.Equal(t, errs.SessionExpired, snap.LastError)
	require.Nil(t, h.store.saved())
	require.False(t, h.provider.isSignedIn())
	require.Equal(t, []errs.Kind{errs.SessionExpired}, h.signOutReasons())
}
