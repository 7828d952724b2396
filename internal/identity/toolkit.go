package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/model"
)

const (
	// DefaultBaseURL is the Identity Toolkit REST root.
	DefaultBaseURL = "https://identitytoolkit.googleapis.com/v1"
	// DefaultTokenURL is the secure-token refresh endpoint.
	DefaultTokenURL = "https://securetoken.googleapis.com/v1/token"

	// refreshSkew refreshes a token that is about to expire instead of sending it.
	refreshSkew = 30 * time.Second
)

// ToolkitConfig configures Toolkit.
type ToolkitConfig struct {
	BaseURL    string
	TokenURL   string
	APIKey     string
	HTTPClient *http.Client
	Store      StateStore
	Logger     *zap.Logger
	Now        func() time.Time
}

// Toolkit is a Provider backed by an Identity-Toolkit-compatible REST API.
// It is safe for concurrent use.
type Toolkit struct {
	baseURL  string
	tokenURL string
	apiKey   string
	client   *http.Client
	store    StateStore
	log      *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	sess *providerSession
	sf   singleflight.Group
}

type providerSession struct {
	userID       string
	email        string
	idToken      string
	refreshToken string
	expiresAt    time.Time

	// signInToken is the ID token handed out by the sign-in that created the session.
	signInToken string
	accepted    bool
	// below becomes current again if this session is discarded.
	below *providerSession
}

var _ Provider = (*Toolkit)(nil)

// NewToolkit constructs a Toolkit with defaults for unset fields.
func NewToolkit(cfg ToolkitConfig) *Toolkit {
	t := &Toolkit{
		baseURL:  strings.TrimRight(choose(cfg.BaseURL, DefaultBaseURL), "/"),
		tokenURL: choose(cfg.TokenURL, DefaultTokenURL),
		apiKey:   cfg.APIKey,
		client:   cfg.HTTPClient,
		store:    cfg.Store,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
	if t.client == nil {
		t.client = &http.Client{Timeout: 15 * time.Second}
	}
	if t.log == nil {
		t.log = zap.NewNop()
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Restore loads a persisted provider session. The ID token is not stored, so the first
// CurrentIdentityToken call after Restore refreshes.
func (t *Toolkit) Restore(ctx context.Context) (bool, error) {
	if t.store == nil {
		return false, nil
	}
	st, err := t.store.LoadState(ctx)
	if err != nil {
		return false, err
	}
	if st == nil || st.RefreshToken == "" {
		return false, nil
	}
	t.mu.Lock()
	t.sess = &providerSession{userID: st.UserID, email: st.Email, refreshToken: st.RefreshToken, accepted: true}
	t.mu.Unlock()
	return true, nil
}

// ---- wire types ----

type authResponse struct {
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ---- email/password ----

// RegisterWithEmail creates the account, sets the display name and sends the verification
// email. The last two are side effects: their failure is logged, not returned.
func (t *Toolkit) RegisterWithEmail(ctx context.Context, email, password, displayName string) (model.IdentityAssertion, error) {
	const op = "identity.register"
	var out authResponse
	body := map[string]any{"email": email, "password": password, "returnSecureToken": true}
	if err := t.call(ctx, op, "accounts:signUp", body, &out); err != nil {
		return model.IdentityAssertion{}, err
	}
	if out.Email == "" {
		out.Email = email
	}
	sess := t.adopt(ctx, out)

	if displayName != "" {
		upd := map[string]any{"idToken": sess.idToken, "displayName": displayName, "returnSecureToken": false}
		if err := t.call(ctx, op, "accounts:update", upd, nil); err != nil {
			t.log.Warn("set display name failed", zap.String("uid", sess.userID), zap.Error(err))
		}
	}
	verify := map[string]any{"requestType": "VERIFY_EMAIL", "idToken": sess.idToken}
	if err := t.call(ctx, op, "accounts:sendOobCode", verify, nil); err != nil {
		t.log.Warn("send verification email failed", zap.String("uid", sess.userID), zap.Error(err))
	}
	return model.IdentityAssertion{ProviderUserID: sess.userID, IdentityToken: sess.idToken}, nil
}

// LoginWithEmail signs in with email and password.
func (t *Toolkit) LoginWithEmail(ctx context.Context, email, password string) (model.IdentityAssertion, error) {
	var out authResponse
	body := map[string]any{"email": email, "password": password, "returnSecureToken": true}
	if err := t.call(ctx, "identity.login", "accounts:signInWithPassword", body, &out); err != nil {
		return model.IdentityAssertion{}, err
	}
	if out.Email == "" {
		out.Email = email
	}
	sess := t.adopt(ctx, out)
	return model.IdentityAssertion{ProviderUserID: sess.userID, IdentityToken: sess.idToken}, nil
}

// ---- phone ----

// RequestPhoneOTP asks the provider to text a code. The verifier must belong to a live widget.
func (t *Toolkit) RequestPhoneOTP(ctx context.Context, phoneNumber string, verifier ChallengeVerifier) (string, error) {
	const op = "identity.sendOtp"
	if verifier == nil {
		return "", errs.New(errs.ChallengeFailed, op, errors.New("no challenge widget"))
	}
	token, err := verifier.Verify(ctx)
	if err != nil {
		if errs.KindOf(err) == errs.Unknown {
			return "", errs.New(errs.ChallengeFailed, op, err)
		}
		return "", err
	}
	var out struct {
		SessionInfo string `json:"sessionInfo"`
	}
	body := map[string]any{"phoneNumber": phoneNumber, "recaptchaToken": token}
	if err := t.call(ctx, op, "accounts:sendVerificationCode", body, &out); err != nil {
		return "", err
	}
	if out.SessionInfo == "" {
		return "", errs.New(errs.Unknown, op, errors.New("empty sessionInfo"))
	}
	return out.SessionInfo, nil
}

// ConfirmPhoneOTP completes phone sign-in.
func (t *Toolkit) ConfirmPhoneOTP(ctx context.Context, handle, code string) (model.IdentityAssertion, error) {
	var out authResponse
	body := map[string]any{"sessionInfo": handle, "code": code}
	if err := t.call(ctx, "identity.confirmOtp", "accounts:signInWithPhoneNumber", body, &out); err != nil {
		return model.IdentityAssertion{}, err
	}
	sess := t.adopt(ctx, out)
	return model.IdentityAssertion{ProviderUserID: sess.userID, IdentityToken: sess.idToken}, nil
}

// ---- tokens ----

// CurrentIdentityToken returns the cached ID token, refreshing it when forced or close to
// expiry. Concurrent refreshes share a single provider round trip.
func (t *Toolkit) CurrentIdentityToken(ctx context.Context, forceRefresh bool) (string, error) {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess == nil {
		return "", nil
	}
	if !forceRefresh && sess.idToken != "" && t.now().Add(refreshSkew).Before(sess.expiresAt) {
		return sess.idToken, nil
	}

	v, err, shared := t.sf.Do(sess.refreshToken, func() (any, error) {
		// detached: a caller giving up must not fail the others waiting on this refresh
		return t.refresh(context.WithoutCancel(ctx), sess)
	})
	if err != nil {
		return "", err
	}
	if shared {
		t.log.Debug("identity token refresh shared")
	}
	return v.(string), nil
}

func (t *Toolkit) refresh(ctx context.Context, prev *providerSession) (string, error) {
	const op = "identity.refresh"
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", prev.refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(t.tokenURL), strings.NewReader(form.Encode()))
	if err != nil {
		return "", errs.New(errs.Unknown, op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out refreshResponse
	if err := t.do(req, op, &out); err != nil {
		if kind := errs.KindOf(err); kind == errs.SessionExpired || kind == errs.AccountDisabled {
			t.drop(ctx, prev)
		}
		return "", err
	}

	next := &providerSession{
		userID:       choose(out.UserID, prev.userID),
		email:        prev.email,
		idToken:      out.IDToken,
		refreshToken: choose(out.RefreshToken, prev.refreshToken),
		expiresAt:    t.expiry(out.IDToken, out.ExpiresIn),
	}
	// a sign-in or sign-out that happened meanwhile wins over this refresh
	if cur, ok := t.replaceTop(prev, next); !ok {
		if cur == nil {
			return "", errs.New(errs.SessionExpired, op, errors.New("signed out during refresh"))
		}
		return cur.idToken, nil
	}
	t.persist(ctx, next)
	t.log.Debug("identity token refreshed", zap.String("uid", next.userID), zap.Time("exp", next.expiresAt))
	return next.idToken, nil
}

// ---- account ----

// SignOut forgets the provider session. It never fails for lack of a session.
func (t *Toolkit) SignOut(ctx context.Context) error {
	t.mu.Lock()
	t.sess = nil
	t.mu.Unlock()
	if t.store != nil {
		if err := t.store.ClearState(ctx); err != nil {
			return fmt.Errorf("clear provider state: %w", err)
		}
	}
	return nil
}

// Accept moves the sign-in behind a to the top and pins it there: later sign-ins wait
// below it instead of replacing it.
func (t *Toolkit) Accept(ctx context.Context, a model.IdentityAssertion) error {
	t.mu.Lock()
	link := t.find(a.IdentityToken)
	if link == nil {
		t.mu.Unlock()
		return errs.New(errs.SessionExpired, "identity.accept", errors.New("sign-in no longer held"))
	}
	sess := *link
	*link = sess.below
	sess.below = t.sess
	sess.accepted = true
	t.sess = sess
	t.mu.Unlock()
	t.persist(ctx, sess)
	return nil
}

// Discard unlinks the sign-in behind a. When it was on top, whatever it displaced is
// current again and persisted in its place.
func (t *Toolkit) Discard(ctx context.Context, a model.IdentityAssertion) error {
	t.mu.Lock()
	link := t.find(a.IdentityToken)
	if link == nil {
		t.mu.Unlock()
		return nil
	}
	wasTop := *link == t.sess
	*link = (*link).below
	cur := t.sess
	t.mu.Unlock()

	if !wasTop {
		return nil
	}
	t.log.Debug("discarded sign-in was current", zap.String("uid", a.ProviderUserID), zap.Bool("restored", cur != nil))
	if cur == nil {
		if t.store != nil {
			if err := t.store.ClearState(ctx); err != nil {
				return fmt.Errorf("clear provider state: %w", err)
			}
		}
		return nil
	}
	t.persist(ctx, cur)
	return nil
}

// SendPasswordReset mails a reset link to email.
func (t *Toolkit) SendPasswordReset(ctx context.Context, email string) error {
	body := map[string]any{"requestType": "PASSWORD_RESET", "email": email}
	return t.call(ctx, "identity.passwordReset", "accounts:sendOobCode", body, nil)
}

// Reauthenticate signs in again with the current user's email and password.
func (t *Toolkit) Reauthenticate(ctx context.Context, password string) error {
	const op = "identity.reauthenticate"
	sess, err := t.current(op)
	if err != nil {
		return err
	}
	if sess.email == "" {
		return errs.New(errs.InvalidCredentials, op, errors.New("session has no email credential"))
	}
	var out authResponse
	body := map[string]any{"email": sess.email, "password": password, "returnSecureToken": true}
	if err := t.call(ctx, op, "accounts:signInWithPassword", body, &out); err != nil {
		return err
	}
	if out.Email == "" {
		out.Email = sess.email
	}
	t.renew(ctx, sess, out)
	return nil
}

// ChangePassword updates the password; the provider returns fresh tokens.
func (t *Toolkit) ChangePassword(ctx context.Context, newPassword string) error {
	const op = "identity.changePassword"
	sess, err := t.current(op)
	if err != nil {
		return err
	}
	token, err := t.CurrentIdentityToken(ctx, false)
	if err != nil {
		return err
	}
	var out authResponse
	body := map[string]any{"idToken": token, "password": newPassword, "returnSecureToken": true}
	if err := t.call(ctx, op, "accounts:update", body, &out); err != nil {
		return err
	}
	if out.IDToken != "" {
		out.LocalID = choose(out.LocalID, sess.userID)
		out.Email = choose(out.Email, sess.email)
		t.renew(ctx, sess, out)
	}
	return nil
}

// DeleteAccount deletes the provider account and forgets the session.
func (t *Toolkit) DeleteAccount(ctx context.Context) error {
	const op = "identity.deleteAccount"
	if _, err := t.current(op); err != nil {
		return err
	}
	token, err := t.CurrentIdentityToken(ctx, false)
	if err != nil {
		return err
	}
	if err := t.call(ctx, op, "accounts:delete", map[string]any{"idToken": token}, nil); err != nil {
		return err
	}
	return t.SignOut(ctx)
}

// ---- helpers ----

func (t *Toolkit) current(op string) (*providerSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess == nil {
		return nil, errs.New(errs.SessionExpired, op, errors.New("no provider session"))
	}
	return t.sess, nil
}

func (t *Toolkit) fromResponse(r authResponse) *providerSession {
	return &providerSession{
		userID:       r.LocalID,
		email:        r.Email,
		idToken:      r.IDToken,
		refreshToken: r.RefreshToken,
		expiresAt:    t.expiry(r.IDToken, r.ExpiresIn),
		signInToken:  r.IDToken,
	}
}

// adopt installs the session carried by a sign-in response. An accepted session keeps
// the top; the newcomer is held right below it.
func (t *Toolkit) adopt(ctx context.Context, r authResponse) *providerSession {
	sess := t.fromResponse(r)
	t.mu.Lock()
	if top := t.sess; top != nil && top.accepted {
		sess.below = top.below
		top.below = sess
		t.mu.Unlock()
		t.log.Debug("sign-in held below accepted session", zap.String("uid", sess.userID))
		return sess
	}
	sess.below = t.sess
	t.sess = sess
	t.mu.Unlock()
	t.persist(ctx, sess)
	return sess
}

// renew swaps fresh credentials of the same user into prev.
func (t *Toolkit) renew(ctx context.Context, prev *providerSession, r authResponse) {
	next := t.fromResponse(r)
	if _, ok := t.replaceTop(prev, next); ok {
		t.persist(ctx, next)
	}
}

// replaceTop puts next in place of prev if prev is still current. next inherits the
// sign-in identity and position of prev.
func (t *Toolkit) replaceTop(prev, next *providerSession) (*providerSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sess != prev {
		return t.sess, false
	}
	next.signInToken = prev.signInToken
	next.accepted = prev.accepted
	next.below = prev.below
	t.sess = next
	return next, true
}

// find returns the link that holds the session created by the sign-in that issued
// token, or nil. t.mu must be held.
func (t *Toolkit) find(token string) **providerSession {
	if token == "" {
		return nil
	}
	for link := &t.sess; *link != nil; link = &(*link).below {
		if (*link).signInToken == token {
			return link
		}
	}
	return nil
}

func (t *Toolkit) drop(ctx context.Context, prev *providerSession) {
	t.mu.Lock()
	if t.sess == prev {
		t.sess = nil
	}
	t.mu.Unlock()
	if t.store != nil {
		if err := t.store.ClearState(ctx); err != nil {
			t.log.Warn("clear provider state failed", zap.Error(err))
		}
	}
}

func (t *Toolkit) persist(ctx context.Context, sess *providerSession) {
	if t.store == nil || sess.refreshToken == "" {
		return
	}
	st := State{UserID: sess.userID, Email: sess.email, RefreshToken: sess.refreshToken}
	if err := t.store.SaveState(ctx, st); err != nil {
		t.log.Warn("persist provider state failed", zap.Error(err))
	}
}

// expiry prefers the token's own exp claim and falls back to expiresIn seconds.
func (t *Toolkit) expiry(idToken, expiresIn string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	if secs, err := strconv.Atoi(expiresIn); err == nil && secs > 0 {
		return t.now().Add(time.Duration(secs) * time.Second)
	}
	return t.now().Add(time.Hour)
}

func (t *Toolkit) endpoint(raw string) string {
	if t.apiKey == "" {
		return raw
	}
	sep := "?"
	if strings.Contains(raw, "?") {
		sep = "&"
	}
	return raw + sep + "key=" + url.QueryEscape(t.apiKey)
}

// call POSTs a JSON body to an accounts:* method.
func (t *Toolkit) call(ctx context.Context, op, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.New(errs.Unknown, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(t.baseURL+"/"+method), strings.NewReader(string(payload)))
	if err != nil {
		return errs.New(errs.Unknown, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, op, out)
}

func (t *Toolkit) do(req *http.Request, op string, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return errs.Network(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.Network(op, err)
	}
	if resp.StatusCode >= 300 {
		var er errorResponse
		_ = json.Unmarshal(body, &er)
		// raw provider code stays in the logs
		t.log.Debug("provider error",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("code", providerCode(er.Error.Message)),
		)
		return mapProviderError(op, resp.StatusCode, er.Error.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errs.New(errs.Unknown, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func choose(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
