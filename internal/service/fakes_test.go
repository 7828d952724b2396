package service

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/atelier/internal/challenge"
	"github.com/and161185/atelier/internal/convert"
	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/identity"
	"github.com/and161185/atelier/internal/model"
	"github.com/and161185/atelier/internal/repository"
)

/************ provider ************/

type fakeProvider struct {
	mu        sync.Mutex
	accounts  map[string]string // email -> password
	codes     map[string]string // handle -> code
	held      []heldSignIn // last is current
	accepted  bool
	signedIn  string
	token     string
	otpErr    error
	verifyErr error
	otpCalls  int
	signOuts  int
	reauths   []string
	changed   string
	deleted   bool
	resets    []string
	restored  bool

	// gate, when set, blocks sign-in calls until closed; gates does the same per email
	gate  chan struct{}
	gates map[string]chan struct{}
}

type heldSignIn struct {
	uid   string
	token string
}

var _ identity.Provider = (*fakeProvider)(nil)

func newFakeProvider() *fakeProvider {
	return &fakeProvider{accounts: map[string]string{}, codes: map[string]string{}, gates: map[string]chan struct{}{}}
}

func (f *fakeProvider) hold(email string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[email] = g
	return g
}

func (f *fakeProvider) wait(ctx context.Context, key string) error {
	f.mu.Lock()
	g := f.gate
	if pg, ok := f.gates[key]; ok {
		g = pg
	}
	f.mu.Unlock()
	if g == nil {
		return nil
	}
	select {
	case <-g:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signIn mirrors the toolkit: an accepted session keeps the top, newcomers wait below it.
func (f *fakeProvider) signIn(uid string) model.IdentityAssertion {
	h := heldSignIn{uid: uid, token: "id-" + uid}
	if n := len(f.held); f.accepted && n > 0 {
		f.held = slices.Insert(f.held, n-1, h)
	} else {
		f.held = append(f.held, h)
		f.sync()
	}
	return model.IdentityAssertion{ProviderUserID: uid, IdentityToken: h.token}
}

func (f *fakeProvider) sync() {
	if len(f.held) == 0 {
		f.signedIn, f.token = "", ""
		return
	}
	top := f.held[len(f.held)-1]
	f.signedIn, f.token = top.uid, top.token
}

func (f *fakeProvider) indexOf(a model.IdentityAssertion) int {
	return slices.IndexFunc(f.held, func(h heldSignIn) bool { return h.token == a.IdentityToken })
}

func (f *fakeProvider) Accept(_ context.Context, a model.IdentityAssertion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexOf(a)
	if i < 0 {
		return errs.New(errs.SessionExpired, "fake.accept", nil)
	}
	h := f.held[i]
	f.held = append(slices.Delete(f.held, i, i+1), h)
	f.accepted = true
	f.sync()
	return nil
}

func (f *fakeProvider) Discard(_ context.Context, a model.IdentityAssertion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexOf(a)
	if i < 0 {
		return nil
	}
	top := i == len(f.held)-1
	f.held = slices.Delete(f.held, i, i+1)
	if top {
		f.accepted = false
		f.sync()
	}
	return nil
}

func (f *fakeProvider) RegisterWithEmail(ctx context.Context, email, password, _ string) (model.IdentityAssertion, error) {
	if err := f.wait(ctx, email); err != nil {
		return model.IdentityAssertion{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(password) < 6 {
		return model.IdentityAssertion{}, errs.New(errs.WeakPassword, "fake.register", nil)
	}
	if _, ok := f.accounts[email]; ok {
		return model.IdentityAssertion{}, errs.New(errs.EmailInUse, "fake.register", nil)
	}
	f.accounts[email] = password
	return f.signIn(email), nil
}

func (f *fakeProvider) LoginWithEmail(ctx context.Context, email, password string) (model.IdentityAssertion, error) {
	if err := f.wait(ctx, email); err != nil {
		return model.IdentityAssertion{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if pw, ok := f.accounts[email]; !ok || pw != password {
		return model.IdentityAssertion{}, errs.New(errs.InvalidCredentials, "fake.login", nil)
	}
	return f.signIn(email), nil
}

func (f *fakeProvider) RequestPhoneOTP(ctx context.Context, phone string, v identity.ChallengeVerifier) (string, error) {
	f.mu.Lock()
	f.otpCalls++
	otpErr := f.otpErr
	f.mu.Unlock()
	if otpErr != nil {
		return "", otpErr
	}
	if _, err := v.Verify(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := "handle-" + phone
	f.codes[h] = "123456"
	return h, nil
}

func (f *fakeProvider) ConfirmPhoneOTP(ctx context.Context, handle, code string) (model.IdentityAssertion, error) {
	if err := f.wait(ctx, handle); err != nil {
		return model.IdentityAssertion{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return model.IdentityAssertion{}, f.verifyErr
	}
	want, ok := f.codes[handle]
	if !ok {
		return model.IdentityAssertion{}, errs.New(errs.CodeExpired, "fake.confirm", nil)
	}
	if code != want {
		return model.IdentityAssertion{}, errs.New(errs.InvalidCode, "fake.confirm", nil)
	}
	delete(f.codes, handle)
	return f.signIn("phone-" + handle), nil
}

func (f *fakeProvider) CurrentIdentityToken(_ context.Context, force bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signedIn == "" {
		return "", nil
	}
	if force {
		f.token += "+"
	}
	return f.token, nil
}

func (f *fakeProvider) SignOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOuts++
	f.held, f.accepted = nil, false
	f.sync()
	return nil
}

func (f *fakeProvider) SendPasswordReset(_ context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, email)
	return nil
}

func (f *fakeProvider) Reauthenticate(_ context.Context, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reauths = append(f.reauths, password)
	if f.accounts[f.signedIn] != password {
		return errs.New(errs.InvalidCredentials, "fake.reauth", nil)
	}
	return nil
}

func (f *fakeProvider) ChangePassword(_ context.Context, next string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reauths) == 0 {
		return errs.New(errs.RequiresRecentLogin, "fake.change", nil)
	}
	f.accounts[f.signedIn] = next
	f.changed = next
	return nil
}

func (f *fakeProvider) DeleteAccount(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.accounts, f.signedIn)
	f.deleted = true
	return nil
}

func (f *fakeProvider) Restore(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = true
	return false, nil
}

func (f *fakeProvider) isSignedIn() bool {
	return f.current() != ""
}

func (f *fakeProvider) current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signedIn
}

/************ exchanger ************/

type fakeExchanger struct {
	mu          sync.Mutex
	err         error
	role        model.Role
	current     *model.BackendSession
	invalidated int

	// gates block the exchange of one provider user; failFor fails it once released
	gates   map[string]chan struct{}
	failFor map[string]error
	parked  map[string]bool
}

var _ Exchanger = (*fakeExchanger)(nil)

func (f *fakeExchanger) hold(uid string, err error) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gates == nil {
		f.gates, f.failFor, f.parked = map[string]chan struct{}{}, map[string]error{}, map[string]bool{}
	}
	g := make(chan struct{})
	f.gates[uid] = g
	f.failFor[uid] = err
	return g
}

func (f *fakeExchanger) Exchange(ctx context.Context, a model.IdentityAssertion) (model.BackendSession, error) {
	f.mu.Lock()
	g, failErr := f.gates[a.ProviderUserID], f.failFor[a.ProviderUserID]
	if g != nil {
		f.parked[a.ProviderUserID] = true
	}
	f.mu.Unlock()
	if g != nil {
		select {
		case <-g:
		case <-ctx.Done():
			return model.BackendSession{}, ctx.Err()
		}
		if failErr != nil {
			return model.BackendSession{}, failErr
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.BackendSession{}, f.err
	}
	role := f.role
	if role == "" {
		role = model.RoleCustomer
	}
	bs := model.BackendSession{
		User:  model.UserProfile{ID: "u-" + a.ProviderUserID, Email: a.ProviderUserID, Role: role},
		Token: "backend-" + a.ProviderUserID,
	}
	f.current = &bs
	return bs, nil
}

func (f *fakeExchanger) isParked(uid string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parked[uid]
}

func (f *fakeExchanger) Adopt(user model.UserProfile, token string) model.BackendSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	bs := model.BackendSession{User: user, Token: token}
	f.current = &bs
	return bs
}

func (f *fakeExchanger) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = nil
	f.invalidated++
}

/************ backend ************/

type fakeBackend struct {
	mu        sync.Mutex
	profile   model.UserProfile
	logoutErr error
	deleteErr error
	logouts   int
	deletes   int
	avatar    string
}

var _ Backend = (*fakeBackend)(nil)

func (f *fakeBackend) GetProfile(context.Context) (model.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile, nil
}

func (f *fakeBackend) UpdateProfile(_ context.Context, upd convert.ProfileUpdate) (model.UserProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if upd.Name != nil {
		f.profile.Name = *upd.Name
	}
	if upd.Phone != nil {
		f.profile.Phone = *upd.Phone
	}
	return f.profile, nil
}

func (f *fakeBackend) UploadAvatar(_ context.Context, filename string, r io.Reader) (model.UserProfile, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return model.UserProfile{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.avatar = string(b)
	f.profile.AvatarURL = "/img/" + filename
	return f.profile, nil
}

func (f *fakeBackend) DeleteAccount(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return f.deleteErr
}

func (f *fakeBackend) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return f.logoutErr
}

/************ store ************/

type memStore struct {
	mu     sync.Mutex
	p      *model.Persisted
	clears int
}

var _ repository.SessionRepository = (*memStore)(nil)

func (m *memStore) Load(context.Context) (model.Persisted, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.p == nil {
		return model.Persisted{}, errs.ErrNotFound
	}
	return *m.p, nil
}

func (m *memStore) Save(_ context.Context, p model.Persisted) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p = &p
	return nil
}

func (m *memStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p = nil
	m.clears++
	return nil
}

func (m *memStore) saved() *model.Persisted {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.p == nil {
		return nil
	}
	c := *m.p
	return &c
}

/************ challenge ************/

type failingFactory struct{}

func (failingFactory) Create(string, func()) (challenge.Widget, error) {
	return nil, errors.New("widget script blocked")
}

/************ harness ************/

type harness struct {
	sess     *Session
	provider *fakeProvider
	exch     *fakeExchanger
	backend  *fakeBackend
	store    *memStore
	widgets  *challenge.Controller

	mu       sync.Mutex
	signOuts []errs.Kind
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	h := &harness{
		provider: newFakeProvider(),
		exch:     &fakeExchanger{},
		backend:  &fakeBackend{},
		store:    &memStore{},
		widgets:  challenge.NewController(&challenge.TimedFactory{Solver: challenge.StaticSolver("captcha-ok")}, log),
		now:      time.Unix(1_700_000_000, 0),
	}
	h.sess = New(Config{
		Provider:   h.provider,
		Exchanger:  h.exch,
		Backend:    h.backend,
		Challenges: h.widgets,
		Store:      h.store,
		Log:        log,
		Now:        h.clock,
		OnSignedOut: func(k errs.Kind) {
			h.mu.Lock()
			h.signOuts = append(h.signOuts, k)
			h.mu.Unlock()
		},
	})
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	h.now = h.now.Add(d)
	h.mu.Unlock()
}

func (h *harness) signOutReasons() []errs.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]errs.Kind(nil), h.signOuts...)
}

// checkInvariant asserts phase == pending iff a challenge is present.
func checkInvariant(t *testing.T, snap model.Snapshot) {
	t.Helper()
	pending := snap.Phase == model.PhasePhoneChallengePending
	if pending != (snap.Challenge != nil) {
		t.Fatalf("phase %s with challenge %v", snap.Phase, snap.Challenge)
	}
	if snap.IsAuthenticated != (snap.Phase == model.PhaseAuthenticated) {
		t.Fatalf("isAuthenticated=%v in phase %s", snap.IsAuthenticated, snap.Phase)
	}
}
