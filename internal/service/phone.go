package service

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/model"
)

var (
	phonePattern = regexp.MustCompile(`^\+[0-9]{8,15}$`)
	codePattern  = regexp.MustCompile(`^[0-9]{4,8}$`)
)

// ValidPhone reports whether s looks like an E.164 number: '+' then 8 to 15 digits.
func ValidPhone(s string) bool { return phonePattern.MatchString(s) }

// SendOTP requests a code for phone. A malformed number fails before the provider is
// touched. Resending from the pending phase keeps the current challenge on failure.
func (s *Session) SendOTP(ctx context.Context, phone string) error {
	const op = "service.sendOTP"
	s.mu.Lock()
	signedIn := s.state.IsAuthenticated
	s.mu.Unlock()
	if signedIn {
		return errs.ErrAlreadySignedIn
	}
	if !ValidPhone(phone) {
		s.setError(errs.InvalidPhoneFormat)
		return errs.New(errs.InvalidPhoneFormat, op, nil)
	}

	ok, wait, err := s.limiter.Allow(ctx, phone)
	if err != nil {
		s.log.Warn("cooldown check failed, allowing", zap.Error(err))
		ok = true
	}
	if !ok {
		s.setError(errs.RateLimited)
		return errs.New(errs.RateLimited, op, fmt.Errorf("resend available in %s", wait.Round(time.Second)))
	}

	s.mu.Lock()
	if s.state.IsAuthenticated {
		s.mu.Unlock()
		return errs.ErrAlreadySignedIn
	}
	s.epoch++
	epoch := s.epoch
	if s.state.Phase == model.PhaseAuthenticating {
		// an email flow in flight is abandoned
		s.state.Phase = model.PhaseIdle
	}
	s.state.LastError = errs.None
	s.broadcastLocked()
	s.mu.Unlock()

	var handle string
	w, err := s.challenges.EnsureWidget(s.anchor)
	if err != nil {
		err = errs.New(errs.ChallengeFailed, op, err)
	} else {
		handle, err = s.provider.RequestPhoneOTP(ctx, phone, w)
	}
	// challenge tokens are single use
	s.challenges.Reset()

	kind := errs.KindOf(err)
	switch {
	case err == nil:
		if lerr := s.limiter.Success(ctx, phone); lerr != nil {
			s.log.Warn("cooldown start failed", zap.Error(lerr))
		}
	case kind == errs.RateLimited:
		if lerr := s.limiter.Failure(ctx, phone, 0); lerr != nil {
			s.log.Warn("cooldown extend failed", zap.Error(lerr))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		s.log.Debug("late otp send discarded")
		if err != nil {
			return fmt.Errorf("%w: %w", errs.ErrAborted, err)
		}
		return errs.ErrAborted
	}
	if err != nil {
		s.state.LastError = kind
		s.broadcastLocked()
		s.log.Info("otp send failed", zap.Stringer("kind", kind))
		return err
	}
	now := s.now()
	s.state.Phase = model.PhasePhoneChallengePending
	s.state.Challenge = &model.PhoneChallenge{
		PhoneNumber: phone,
		Handle:      handle,
		ExpiresIn:   int(s.cooldown / time.Second),
		ResendAt:    now.Add(s.cooldown),
	}
	s.state.LastError = errs.None
	s.broadcastLocked()
	return nil
}

// VerifyOTP confirms the pending challenge. A wrong code, a rate limit or a network
// failure keeps the challenge; an expired code ends the phone flow.
func (s *Session) VerifyOTP(ctx context.Context, code string) error {
	const op = "service.verifyOTP"
	s.mu.Lock()
	if s.state.Phase != model.PhasePhoneChallengePending || s.state.Challenge == nil {
		s.mu.Unlock()
		return errs.ErrNoChallenge
	}
	if !codePattern.MatchString(code) {
		s.state.LastError = errs.InvalidCode
		s.broadcastLocked()
		s.mu.Unlock()
		return errs.New(errs.InvalidCode, op, nil)
	}
	ch := *s.state.Challenge
	s.epoch++
	epoch := s.epoch
	s.state.Phase = model.PhaseAuthenticating
	s.state.Challenge = nil
	s.state.LastError = errs.None
	s.broadcastLocked()
	s.mu.Unlock()

	return s.authenticate(ctx, op, epoch, func(ctx context.Context) (model.IdentityAssertion, error) {
		return s.provider.ConfirmPhoneOTP(ctx, ch.Handle, code)
	}, func(kind errs.Kind) (model.Phase, *model.PhoneChallenge) {
		switch kind {
		case errs.InvalidCode, errs.RateLimited, errs.NetworkUnavailable:
			c := ch
			return model.PhasePhoneChallengePending, &c
		}
		return model.PhaseIdle, nil
	})
}

// CancelPhone abandons the phone flow, including a send still in flight.
func (s *Session) CancelPhone() {
	s.mu.Lock()
	if s.state.Phase == model.PhasePhoneChallengePending || s.state.Phase == model.PhaseIdle {
		s.abortLocked()
	}
	s.mu.Unlock()
	s.challenges.Reset()
}

// SwitchTab aborts whatever unauthenticated flow is in progress.
func (s *Session) SwitchTab() {
	s.mu.Lock()
	if !s.state.IsAuthenticated {
		s.abortLocked()
	}
	s.mu.Unlock()
	s.challenges.Reset()
}

func (s *Session) abortLocked() {
	s.epoch++
	s.state.Phase = model.PhaseIdle
	s.state.Challenge = nil
	s.state.LastError = errs.None
	s.broadcastLocked()
}
