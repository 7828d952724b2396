// Package service contains the session state machine and the optimistic cart coordinator.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/atelier/internal/challenge"
	"github.com/and161185/atelier/internal/convert"
	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/identity"
	"github.com/and161185/atelier/internal/limiter"
	"github.com/and161185/atelier/internal/model"
	"github.com/and161185/atelier/internal/repository"
)

// DefaultAnchor is the element the bot-challenge widget binds to.
const DefaultAnchor = "recaptcha-container"

const logoutTimeout = 5 * time.Second

// Exchanger trades identity assertions for backend sessions.
type Exchanger interface {
	Exchange(ctx context.Context, a model.IdentityAssertion) (model.BackendSession, error)
	Adopt(user model.UserProfile, token string) model.BackendSession
	Invalidate()
}

// Backend is the profile surface of the backend API.
type Backend interface {
	GetProfile(ctx context.Context) (model.UserProfile, error)
	UpdateProfile(ctx context.Context, upd convert.ProfileUpdate) (model.UserProfile, error)
	UploadAvatar(ctx context.Context, filename string, r io.Reader) (model.UserProfile, error)
	DeleteAccount(ctx context.Context) error
	Logout(ctx context.Context) error
}

// Challenges owns the single bot-challenge widget.
type Challenges interface {
	EnsureWidget(anchorID string) (challenge.Widget, error)
	Reset()
}

// restorer is implemented by providers that keep state across restarts.
type restorer interface {
	Restore(ctx context.Context) (bool, error)
}

// Config wires a Session.
type Config struct {
	Provider   identity.Provider
	Exchanger  Exchanger
	Backend    Backend
	Challenges Challenges
	Store      repository.SessionRepository
	// Limiter defaults to an in-memory cooldown of Cooldown.
	Limiter  limiter.Limiter
	Cooldown time.Duration
	AnchorID string
	Log      *zap.Logger
	Now      func() time.Time
	// OnSignedOut runs after every local sign-out with the reason (errs.None for a
	// user-initiated logout).
	OnSignedOut func(reason errs.Kind)
}

// Session is the authoritative session state. All transitions go through its methods;
// network calls happen outside the lock and their results are dropped if another
// transition happened in the meantime.
type Session struct {
	provider    identity.Provider
	exchanger   Exchanger
	backend     Backend
	challenges  Challenges
	store       repository.SessionRepository
	limiter     limiter.Limiter
	cooldown    time.Duration
	anchor      string
	log         *zap.Logger
	now         func() time.Time
	onSignedOut func(errs.Kind)

	mu      sync.Mutex
	state   model.Session
	epoch   uint64
	subs    map[int]chan model.Snapshot
	nextSub int
}

// New constructs a Session in the idle phase.
func New(cfg Config) *Session {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = limiter.DefaultCooldown
	}
	if cfg.Limiter == nil {
		cfg.Limiter = limiter.NewMemory(cfg.Cooldown, cfg.Now)
	}
	if cfg.AnchorID == "" {
		cfg.AnchorID = DefaultAnchor
	}
	if cfg.OnSignedOut == nil {
		cfg.OnSignedOut = func(errs.Kind) {}
	}
	return &Session{
		provider:    cfg.Provider,
		exchanger:   cfg.Exchanger,
		backend:     cfg.Backend,
		challenges:  cfg.Challenges,
		store:       cfg.Store,
		limiter:     cfg.Limiter,
		cooldown:    cfg.Cooldown,
		anchor:      cfg.AnchorID,
		log:         cfg.Log,
		now:         cfg.Now,
		onSignedOut: cfg.OnSignedOut,
		state:       model.Session{Phase: model.PhaseIdle},
		subs:        make(map[int]chan model.Snapshot),
	}
}

// ---- email flows ----

type authStep func(ctx context.Context) (model.IdentityAssertion, error)

// Register creates an email account and signs it in.
func (s *Session) Register(ctx context.Context, email, password, name string) error {
	return s.emailFlow(ctx, "service.register", func(ctx context.Context) (model.IdentityAssertion, error) {
		return s.provider.RegisterWithEmail(ctx, email, password, name)
	})
}

// Login signs in with email and password.
func (s *Session) Login(ctx context.Context, email, password string) error {
	return s.emailFlow(ctx, "service.login", func(ctx context.Context) (model.IdentityAssertion, error) {
		return s.provider.LoginWithEmail(ctx, email, password)
	})
}

// emailFlow supersedes any phone flow in progress. Failures always land in idle.
func (s *Session) emailFlow(ctx context.Context, op string, step authStep) error {
	s.mu.Lock()
	if s.state.IsAuthenticated {
		s.mu.Unlock()
		return errs.ErrAlreadySignedIn
	}
	s.epoch++
	epoch := s.epoch
	hadChallenge := s.state.Challenge != nil
	s.state.Phase = model.PhaseAuthenticating
	s.state.Challenge = nil
	s.state.LastError = errs.None
	s.broadcastLocked()
	s.mu.Unlock()

	if hadChallenge {
		s.challenges.Reset()
	}
	return s.authenticate(ctx, op, epoch, step, func(errs.Kind) (model.Phase, *model.PhoneChallenge) {
		return model.PhaseIdle, nil
	})
}

// authenticate runs step, exchanges its assertion and commits the resulting session.
// onFail picks the phase (and challenge) to land in for a non-fatal failure.
func (s *Session) authenticate(ctx context.Context, op string, epoch uint64, step authStep,
	onFail func(errs.Kind) (model.Phase, *model.PhoneChallenge)) error {
	a, err := step(ctx)
	var bs model.BackendSession
	if err == nil {
		if !s.isCurrent(epoch) {
			s.discardSignIn(ctx, op, a)
			return errs.ErrAborted
		}
		bs, err = s.exchanger.Exchange(ctx, a)
		if err != nil {
			// the backend would not have this sign-in; a newer flow may own the provider by now
			s.discardSignIn(ctx, op, a)
		}
	}
	if err != nil {
		return s.fail(ctx, op, epoch, err, onFail)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.discardSignIn(ctx, op, a)
		return errs.ErrAborted
	}
	if err := s.provider.Accept(ctx, a); err != nil {
		s.mu.Unlock()
		return s.fail(ctx, op, epoch, err, onFail)
	}
	if err := s.store.Save(ctx, model.Persisted{User: bs.User, BackendToken: bs.Token}); err != nil {
		s.log.Warn("persist session failed", zap.String("op", op), zap.Error(err))
	}
	user := bs.User
	s.state = model.Session{
		User:            &user,
		IdentityToken:   a.IdentityToken,
		BackendToken:    bs.Token,
		IsAuthenticated: true,
		Phase:           model.PhaseAuthenticated,
	}
	s.broadcastLocked()
	s.mu.Unlock()

	s.log.Info("signed in", zap.String("op", op), zap.String("uid", user.ID), zap.String("role", string(user.Role)))
	return nil
}

func (s *Session) fail(ctx context.Context, op string, epoch uint64, err error,
	onFail func(errs.Kind) (model.Phase, *model.PhoneChallenge)) error {
	kind := errs.KindOf(err)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.log.Debug("late failure discarded", zap.String("op", op), zap.Stringer("kind", kind))
		return fmt.Errorf("%w: %w", errs.ErrAborted, err)
	}
	if kind.Fatal() {
		s.epoch++
		s.clearLocked(ctx, kind)
		s.mu.Unlock()
		s.teardown(ctx, kind)
		s.log.Warn("auth failed fatally", zap.String("op", op), zap.Stringer("kind", kind))
		return err
	}
	phase, ch := onFail(kind)
	s.state.Phase = phase
	s.state.Challenge = ch
	s.state.LastError = kind
	s.broadcastLocked()
	s.mu.Unlock()

	s.log.Info("auth failed", zap.String("op", op), zap.Stringer("kind", kind), zap.Stringer("phase", phase))
	return err
}

// discardSignIn drops the provider sign-in behind a. Whatever sign-in it displaced,
// possibly the one a newer flow committed, is current again.
func (s *Session) discardSignIn(ctx context.Context, op string, a model.IdentityAssertion) {
	s.log.Debug("sign-in discarded", zap.String("op", op), zap.String("provider_uid", a.ProviderUserID))
	if err := s.provider.Discard(ctx, a); err != nil {
		s.log.Warn("provider discard failed", zap.String("op", op), zap.Error(err))
	}
}

// ---- sign-out ----

// Logout clears the local session first; the backend notification is best effort.
func (s *Session) Logout(ctx context.Context) {
	s.mu.Lock()
	s.epoch++
	wasIn := s.state.IsAuthenticated
	s.clearLocked(ctx, errs.None)
	s.mu.Unlock()

	if wasIn && s.backend != nil {
		lctx, cancel := context.WithTimeout(ctx, logoutTimeout)
		if err := s.backend.Logout(lctx); err != nil {
			s.log.Warn("backend logout failed", zap.Error(err))
		}
		cancel()
	}
	s.teardown(ctx, errs.None)
	s.log.Info("signed out")
}

// ExpireSession forces a full local logout after the backend refused the session even
// with a fresh token. It is safe to call concurrently and repeatedly.
func (s *Session) ExpireSession(ctx context.Context) {
	s.mu.Lock()
	if !s.state.IsAuthenticated {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.clearLocked(ctx, errs.SessionExpired)
	s.mu.Unlock()

	s.teardown(ctx, errs.SessionExpired)
	s.log.Warn("session expired")
}

// clearLocked resets to idle and wipes persisted storage. s.mu must be held.
func (s *Session) clearLocked(ctx context.Context, reason errs.Kind) {
	s.state = model.Session{Phase: model.PhaseIdle, LastError: reason}
	if err := s.store.Clear(ctx); err != nil {
		s.log.Warn("clear persisted session failed", zap.Error(err))
	}
	s.broadcastLocked()
}

func (s *Session) teardown(ctx context.Context, reason errs.Kind) {
	s.challenges.Reset()
	s.exchanger.Invalidate()
	s.signOutProvider(ctx)
	s.onSignedOut(reason)
}

func (s *Session) signOutProvider(ctx context.Context) {
	if err := s.provider.SignOut(ctx); err != nil {
		s.log.Warn("provider sign-out failed", zap.Error(err))
	}
}

// ---- startup ----

// Rehydrate restores a persisted session without prompting. It reports whether the
// session is authenticated afterwards.
func (s *Session) Rehydrate(ctx context.Context) (bool, error) {
	if r, ok := s.provider.(restorer); ok {
		if _, err := r.Restore(ctx); err != nil {
			s.log.Warn("provider restore failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsAuthenticated {
		return true, nil
	}
	p, err := s.store.Load(ctx)
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	bs := s.exchanger.Adopt(p.User, p.BackendToken)
	user := bs.User
	s.epoch++
	s.state = model.Session{
		User:            &user,
		BackendToken:    bs.Token,
		IsAuthenticated: true,
		Phase:           model.PhaseAuthenticated,
	}
	s.broadcastLocked()
	s.log.Info("session rehydrated", zap.String("uid", user.ID))
	return true, nil
}

// ---- tokens ----

// IdentityToken is the transport's token source. An unforced call falls back to the
// backend token when the provider has no session, e.g. after a restart without
// provider state.
func (s *Session) IdentityToken(ctx context.Context, force bool) (string, error) {
	tok, err := s.provider.CurrentIdentityToken(ctx, force)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok == "" {
		if !force {
			return s.state.BackendToken, nil
		}
		return "", nil
	}
	if s.state.IsAuthenticated {
		s.state.IdentityToken = tok
	}
	return tok, nil
}

// ---- reads ----

// Snapshot returns a copy of the public session state.
func (s *Session) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe delivers the current snapshot and every later change. Slow readers only
// ever see the newest snapshot. cancel closes the channel.
func (s *Session) Subscribe() (<-chan model.Snapshot, func()) {
	ch := make(chan model.Snapshot, 1)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			close(ch)
			s.mu.Unlock()
		})
	}
}

// CanAccessAdmin gates the admin dashboards.
func (s *Session) CanAccessAdmin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsAuthenticated && s.state.User != nil && s.state.User.Role.CanAccessAdmin()
}

// CanAccessMarketing gates the marketing dashboards.
func (s *Session) CanAccessMarketing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsAuthenticated && s.state.User != nil && s.state.User.Role.CanAccessMarketing()
}

func (s *Session) isCurrent(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch
}

func (s *Session) setError(kind errs.Kind) {
	s.mu.Lock()
	s.state.LastError = kind
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *Session) snapshotLocked() model.Snapshot {
	snap := model.Snapshot{
		IsAuthenticated: s.state.IsAuthenticated,
		Phase:           s.state.Phase,
		LastError:       s.state.LastError,
	}
	if s.state.User != nil {
		u := *s.state.User
		snap.User = &u
	}
	if s.state.Challenge != nil {
		c := *s.state.Challenge
		snap.Challenge = &c
	}
	return snap
}

func (s *Session) broadcastLocked() {
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
