package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/atelier/internal/challenge"
	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/model"
)

func TestPhone_WrongCodeStaysPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sess.SendOTP(ctx, "+15551234567"))
	snap := h.sess.Snapshot()
	checkInvariant(t, snap)
	require.Equal(t, model.PhasePhoneChallengePending, snap.Phase)
	require.Equal(t, "+15551234567", snap.Challenge.PhoneNumber)
	require.Equal(t, 60, snap.Challenge.ExpiresIn)
	require.False(t, h.widgets.Active(), "widget is torn down after the send")

	err := h.sess.VerifyOTP(ctx, "000000")
	require.ErrorIs(t, err, errs.ErrInvalidCode)

	snap = h.sess.Snapshot()
	checkInvariant(t, snap)
	require.Equal(t, model.PhasePhoneChallengePending, snap.Phase)
	require.Equal(t, errs.InvalidCode, snap.LastError)

	require.NoError(t, h.sess.VerifyOTP(ctx, "123456"))
	snap = h.sess.Snapshot()
	checkInvariant(t, snap)
	require.Equal(t, model.PhaseAuthenticated, snap.Phase)
	require.Nil(t, snap.Challenge)
}

func TestPhone_MalformedNumberNeverReachesProvider(t *testing.T) {
	t.Parallel()
	for _, phone := range []string{
		"",
		"15551234567",
		"+1555abc4567",
		"+1 555 123 4567",
		"+1234567",
		"+1234567890123456",
		"++15551234567",
		"+15551234567\n",
	} {
		h := newHarness(t)
		err := h.sess.SendOTP(context.Background(), phone)
		require.ErrorIs(t, err, errs.ErrInvalidPhoneFormat, "%q", phone)
		require.Zero(t, h.provider.otpCalls, "%q", phone)
		require.False(t, h.widgets.Active())
		snap := h.sess.Snapshot()
		require.Equal(t, model.PhaseIdle, snap.Phase)
		require.Equal(t, errs.InvalidPhoneFormat, snap.LastError)
	}
}

func TestPhone_ResendCooldown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sess.SendOTP(ctx, "+15551234567"))
	err := h.sess.SendOTP(ctx, "+15551234567")
	require.ErrorIs(t, err, errs.ErrRateLimited)
	require.Equal(t, 1, h.provider.otpCalls)

	snap := h.sess.Snapshot()
	require.Equal(t, model.PhasePhoneChallengePending, snap.Phase, "transient error keeps the challenge")
	require.Equal(t, errs.RateLimited, snap.LastError)

	h.advance(60 * time.Second)
	require.NoError(t, h.sess.SendOTP(ctx, "+15551234567"))
	require.Equal(t, 2, h.provider.otpCalls)
}

func TestPhone_ProviderRateLimitExtendsCooldown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.provider.otpErr = errs.New(errs.RateLimited, "fake.otp", nil)

	err := h.sess.SendOTP(ctx, "+15551234567")
	require.ErrorIs(t, err, errs.ErrRateLimited)
	require.Equal(t, model.PhaseIdle, h.sess.Snapshot().Phase)

	h.provider.mu.Lock()
	h.provider.otpErr = nil
	h.provider.mu.Unlock()

	// the local cooldown now covers the provider's limit
	require.ErrorIs(t, h.sess.SendOTP(ctx, "+15551234567"), errs.ErrRateLimited)
	require.Equal(t, 1, h.provider.otpCalls)
}

func TestPhone_ChallengeFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.sess.challenges = challenge.NewController(failingFactory{}, zaptest.NewLogger(t))

	err := h.sess.SendOTP(context.Background(), "+15551234567")
	require.ErrorIs(t, err, errs.ErrChallengeFailed)
	require.Zero(t, h.provider.otpCalls)
	snap := h.sess.Snapshot()
	require.Equal(t, model.PhaseIdle, snap.Phase)
	require.Equal(t, errs.ChallengeFailed, snap.LastError)
}

func TestPhone_CodeExpiredEndsFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sess.SendOTP(ctx, "+15551234567"))
	h.provider.mu.Lock()
	h.provider.verifyErr = errs.New(errs.CodeExpired, "fake.confirm", nil)
	h.provider.mu.Unlock()

	err := h.sess.VerifyOTP(ctx, "123456")
	require.ErrorIs(t, err, errs.ErrCodeExpired)

	snap := h.sess.Snapshot()
	checkInvariant(t, snap)
	require.Equal(t, model.PhaseIdle, snap.Phase)
	require.Nil(t, snap.Challenge)
	require.Equal(t, errs.CodeExpired, snap.LastError)
	require.ErrorIs(t, h.sess.VerifyOTP(ctx, "123456"), errs.ErrNoChallenge)
}

func TestPhone_NetworkFailureKeepsChallenge(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sess.SendOTP(ctx, "+15551234567"))
	before := h.sess.Snapshot().Challenge

	h.provider.mu.Lock()
	h.provider.verifyErr = errs.New(errs.NetworkUnavailable, "fake.confirm", nil)
	h.provider.mu.Unlock()

	require.ErrorIs(t, h.sess.VerifyOTP(ctx, "123456"), errs.ErrNetworkUnavailable)
	snap := h.sess.Snapshot()
	checkInvariant(t, snap)
	require.Equal(t, model.PhasePhoneChallengePending, snap.Phase)
	require.Equal(t, before, snap.Challenge)
}

func TestPhone_MalformedCodeRejectedLocally(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sess.SendOTP(ctx, "+15551234567"))

	require.ErrorIs(t, h.sess.VerifyOTP(ctx, "12ab"), errs.ErrInvalidCode)
	require.Equal(t, model.PhasePhoneChallengePending, h.sess.Snapshot().Phase)
}

func TestPhone_CancelAndSwitchTab(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.sess.SendOTP(ctx, "+15551234567"))
	h.sess.CancelPhone()
	snap := h.sess.Snapshot()
	checkInvariant(t, snap)
	require.Equal(t, model.PhaseIdle, snap.Phase)
	require.Nil(t, snap.Challenge)
	require.False(t, h.widgets.Active())

	h.advance(time.Minute)
	require.NoError(t, h.sess.SendOTP(ctx, "+15551234567"))
	h.sess.SwitchTab()
	require.Equal(t, model.PhaseIdle, h.sess.Snapshot().Phase)
	require.ErrorIs(t, h.sess.VerifyOTP(ctx, "123456"), errs.ErrNoChallenge)
}

func TestPhone_EmailLoginSupersedesChallenge(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	h.provider.accounts["a@x.com"] = "abcdef"

	require.NoError(t, h.sess.SendOTP(ctx, "+15551234567"))
	require.NoError(t, h.sess.Login(ctx, "a@x.com", "abcdef"))

	snap := h.sess.Snapshot()
	checkInvariant(t, snap)
	require.Equal(t, model.PhaseAuthenticated, snap.Phase)
}

func TestValidPhone(t *testing.T) {
	t.Parallel()
	require.True(t, ValidPhone("+15551234567"))
	require.True(t, ValidPhone("+12345678"))
	require.False(t, ValidPhone("+1234567"))
}

func TestPhone_SignedInSessionUntouched(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.sess.Register(ctx, "a@x.com", "abcdef", ""))

	for _, phone := range []string{"12345", "+15551234567", "+15551234567"} {
		require.ErrorIs(t, h.sess.SendOTP(ctx, phone), errs.ErrAlreadySignedIn, phone)
	}
	snap := h.sess.Snapshot()
	require.True(t, snap.IsAuthenticated)
	require.Equal(t, errs.None, snap.LastError)
	require.Zero(t, h.provider.otpCalls)

	// no cooldown was started on the attempts above
	h.sess.Logout(ctx)
	require.NoError(t, h.sess.SendOTP(ctx, "+15551234567"))
}
