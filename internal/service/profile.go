package service

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/and161185/atelier/internal/convert"
	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/model"
)

// RefreshProfile reloads the profile from the backend.
func (s *Session) RefreshProfile(ctx context.Context) (model.UserProfile, error) {
	if err := s.requireAuth(); err != nil {
		return model.UserProfile{}, err
	}
	p, err := s.backend.GetProfile(ctx)
	if err != nil {
		return model.UserProfile{}, err
	}
	s.applyProfile(ctx, p)
	return p, nil
}

// UpdateProfile changes name and/or phone. Nil fields are left alone.
func (s *Session) UpdateProfile(ctx context.Context, name, phone *string) (model.UserProfile, error) {
	if err := s.requireAuth(); err != nil {
		return model.UserProfile{}, err
	}
	if phone != nil && *phone != "" && !ValidPhone(*phone) {
		return model.UserProfile{}, errs.New(errs.InvalidPhoneFormat, "service.updateProfile", nil)
	}
	p, err := s.backend.UpdateProfile(ctx, convert.ProfileUpdate{Name: name, Phone: phone})
	if err != nil {
		return model.UserProfile{}, err
	}
	s.applyProfile(ctx, p)
	return p, nil
}

// UploadAvatar replaces the avatar image.
func (s *Session) UploadAvatar(ctx context.Context, filename string, r io.Reader) (model.UserProfile, error) {
	if err := s.requireAuth(); err != nil {
		return model.UserProfile{}, err
	}
	p, err := s.backend.UploadAvatar(ctx, filename, r)
	if err != nil {
		return model.UserProfile{}, err
	}
	s.applyProfile(ctx, p)
	return p, nil
}

// SendPasswordReset mails a reset link; no session is needed.
func (s *Session) SendPasswordReset(ctx context.Context, email string) error {
	return s.provider.SendPasswordReset(ctx, email)
}

// ChangePassword reauthenticates with current before setting the new password.
func (s *Session) ChangePassword(ctx context.Context, current, next string) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	if err := s.provider.Reauthenticate(ctx, current); err != nil {
		return err
	}
	return s.provider.ChangePassword(ctx, next)
}

// DeleteAccount removes the account on the backend and at the provider, then signs out
// locally.
func (s *Session) DeleteAccount(ctx context.Context, password string) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	if err := s.provider.Reauthenticate(ctx, password); err != nil {
		return err
	}
	if err := s.backend.DeleteAccount(ctx); err != nil {
		return err
	}
	if err := s.provider.DeleteAccount(ctx); err != nil {
		// the backend record is gone already; fall through to local sign-out
		s.log.Warn("provider account delete failed", zap.Error(err))
	}

	s.mu.Lock()
	s.epoch++
	s.clearLocked(ctx, errs.None)
	s.mu.Unlock()
	s.teardown(ctx, errs.None)
	s.log.Info("account deleted")
	return nil
}

func (s *Session) requireAuth() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.IsAuthenticated || s.backend == nil {
		return errs.ErrNotSignedIn
	}
	return nil
}

// applyProfile adopts p unless the session changed hands while the request ran.
func (s *Session) applyProfile(ctx context.Context, p model.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.IsAuthenticated || s.state.User == nil || s.state.User.ID != p.ID {
		s.log.Debug("stale profile discarded", zap.String("uid", p.ID))
		return
	}
	u := p
	s.state.User = &u
	if err := s.store.Save(ctx, model.Persisted{User: p, BackendToken: s.state.BackendToken}); err != nil {
		s.log.Warn("persist profile failed", zap.Error(err))
	}
	s.broadcastLocked()
}
