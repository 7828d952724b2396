package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/model"
)

// term is the interactive side of a command.
type term struct {
	in  *bufio.Reader
	out io.Writer
}

func (t *term) printf(format string, args ...any) { fmt.Fprintf(t.out, format, args...) }

func (t *term) printJSON(v any) {
	enc := json.NewEncoder(t.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// prompt reads one trimmed line. EOF with no input is an error.
func (t *term) prompt(label string) (string, error) {
	t.printf("%s: ", label)
	line, err := t.in.ReadString('\n')
	line = strings.TrimSpace(line)
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	return line, nil
}

// orPrompt returns v, asking for it when the flag was left empty.
func (t *term) orPrompt(v *string, label string) error {
	if *v != "" {
		return nil
	}
	s, err := t.prompt(label)
	if err != nil {
		return err
	}
	*v = s
	return nil
}

type command func(ctx context.Context, a *app, args []string, t *term) error

var commands map[string]command

func init() {
	commands = map[string]command{
		"register":        cmdRegister,
		"login":           cmdLogin,
		"phone-login":     cmdPhoneLogin,
		"logout":          cmdLogout,
		"whoami":          cmdWhoami,
		"profile":         cmdProfile,
		"update-profile":  cmdUpdateProfile,
		"avatar":          cmdAvatar,
		"reset-password":  cmdResetPassword,
		"change-password": cmdChangePassword,
		"delete-account":  cmdDeleteAccount,
		"cart":            cmdCart,
		"cart-set":        cmdCartSet,
	}
}

func newFlags(name string, t *term) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(t.out)
	return fs
}

var errNoSession = errors.New("not signed in (run: atelier login)")

func requireSession(a *app) error {
	if !a.session.Snapshot().IsAuthenticated {
		return errNoSession
	}
	return nil
}

// ---- account ----

func cmdRegister(ctx context.Context, a *app, args []string, t *term) error {
	fs := newFlags("register", t)
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := t.orPrompt(email, "email"); err != nil {
		return err
	}
	if err := t.orPrompt(password, "password"); err != nil {
		return err
	}
	if err := a.session.Register(ctx, *email, *password, *name); err != nil {
		return err
	}
	return printSignedIn(a, t)
}

func cmdLogin(ctx context.Context, a *app, args []string, t *term) error {
	fs := newFlags("login", t)
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := t.orPrompt(email, "email"); err != nil {
		return err
	}
	if err := t.orPrompt(password, "password"); err != nil {
		return err
	}
	if err := a.session.Login(ctx, *email, *password); err != nil {
		return err
	}
	return printSignedIn(a, t)
}

// cmdPhoneLogin runs the whole OTP flow in one process: the confirmation handle is not
// persisted. Typing "resend" requests a new code once the cooldown is over.
func cmdPhoneLogin(ctx context.Context, a *app, args []string, t *term) error {
	fs := newFlags("phone-login", t)
	phone := fs.String("phone", "", "phone number, E.164")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := t.orPrompt(phone, "phone"); err != nil {
		return err
	}
	if err := a.session.SendOTP(ctx, *phone); err != nil {
		return err
	}
	for {
		snap := a.session.Snapshot()
		if snap.Challenge == nil {
			return errors.New("phone sign-in ended")
		}
		code, err := t.prompt(fmt.Sprintf("code sent to %s (or \"resend\")", snap.Challenge.PhoneNumber))
		if err != nil {
			a.session.CancelPhone()
			return err
		}
		if code == "resend" {
			if err := a.session.SendOTP(ctx, *phone); err != nil {
				t.printf("%s\n", describe(err))
			}
			continue
		}
		err = a.session.VerifyOTP(ctx, code)
		switch {
		case err == nil:
			return printSignedIn(a, t)
		case a.session.Snapshot().Phase == model.PhasePhoneChallengePending:
			t.printf("%s\n", describe(err))
		default:
			return err
		}
	}
}

func cmdLogout(ctx context.Context, a *app, _ []string, t *term) error {
	a.session.Logout(ctx)
	t.printf("ok\n")
	return nil
}

type whoami struct {
	SignedIn  bool               `json:"signedIn"`
	Phase     string             `json:"phase"`
	User      *model.UserProfile `json:"user,omitempty"`
	Admin     bool               `json:"admin"`
	Marketing bool               `json:"marketing"`
	LastError string             `json:"lastError,omitempty"`
}

func cmdWhoami(_ context.Context, a *app, _ []string, t *term) error {
	snap := a.session.Snapshot()
	w := whoami{
		SignedIn:  snap.IsAuthenticated,
		Phase:     snap.Phase.String(),
		User:      snap.User,
		Admin:     a.session.CanAccessAdmin(),
		Marketing: a.session.CanAccessMarketing(),
	}
	if snap.LastError != errs.None {
		w.LastError = snap.LastError.String()
	}
	t.printJSON(w)
	return nil
}

func printSignedIn(a *app, t *term) error {
	snap := a.session.Snapshot()
	if snap.User == nil {
		return errNoSession
	}
	t.printf("signed in as %s (%s)\n", firstNonEmpty(snap.User.Email, snap.User.Phone, snap.User.ID), snap.User.Role)
	return nil
}

// ---- profile ----

func cmdProfile(ctx context.Context, a *app, _ []string, t *term) error {
	if err := requireSession(a); err != nil {
		return err
	}
	p, err := a.session.RefreshProfile(ctx)
	if err != nil {
		return err
	}
	t.printJSON(p)
	return nil
}

func cmdUpdateProfile(ctx context.Context, a *app, args []string, t *term) error {
	fs := newFlags("update-profile", t)
	name := fs.String("name", "", "display name")
	phone := fs.String("phone", "", "phone number, E.164; empty clears")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireSession(a); err != nil {
		return err
	}
	// only flags given on the command line are sent
	var namePtr, phonePtr *string
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			namePtr = name
		case "phone":
			phonePtr = phone
		}
	})
	if namePtr == nil && phonePtr == nil {
		return errors.New("nothing to update: pass -name and/or -phone")
	}
	p, err := a.session.UpdateProfile(ctx, namePtr, phonePtr)
	if err != nil {
		return err
	}
	t.printJSON(p)
	return nil
}

func cmdAvatar(ctx context.Context, a *app, args []string, t *term) error {
	fs := newFlags("avatar", t)
	file := fs.String("file", "", "image file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("need -file")
	}
	if err := requireSession(a); err != nil {
		return err
	}
	f, err := os.Open(*file)
	if err != nil {
		return err
	}
	defer f.Close()
	p, err := a.session.UploadAvatar(ctx, filepath.Base(*file), f)
	if err != nil {
		return err
	}
	t.printf("%s\n", p.AvatarURL)
	return nil
}

func cmdResetPassword(ctx context.Context, a *app, args []string, t *term) error {
	fs := newFlags("reset-password", t)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := t.orPrompt(email, "email"); err != nil {
		return err
	}
	if err := a.session.SendPasswordReset(ctx, *email); err != nil {
		return err
	}
	t.printf("reset link sent to %s\n", *email)
	return nil
}

func cmdChangePassword(ctx context.Context, a *app, args []string, t *term) error {
	fs := newFlags("change-password", t)
	current := fs.String("current", "", "current password")
	next := fs.String("new", "", "new password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireSession(a); err != nil {
		return err
	}
	if err := t.orPrompt(current, "current password"); err != nil {
		return err
	}
	if err := t.orPrompt(next, "new password"); err != nil {
		return err
	}
	if err := a.session.ChangePassword(ctx, *current, *next); err != nil {
		return err
	}
	t.printf("ok\n")
	return nil
}

func cmdDeleteAccount(ctx context.Context, a *app, args []string, t *term) error {
	fs := newFlags("delete-account", t)
	password := fs.String("password", "", "current password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireSession(a); err != nil {
		return err
	}
	if err := t.orPrompt(password, "password"); err != nil {
		return err
	}
	if err := a.session.DeleteAccount(ctx, *password); err != nil {
		return err
	}
	t.printf("account deleted\n")
	return nil
}

// ---- cart ----

type cartView struct {
	Items  []model.CartItem `json:"items"`
	Totals model.CartTotals `json:"totals"`
}

func cmdCart(ctx context.Context, a *app, _ []string, t *term) error {
	if err := requireSession(a); err != nil {
		return err
	}
	if err := a.cart.Load(ctx); err != nil {
		return err
	}
	t.printJSON(cartView{Items: a.cart.Items(), Totals: a.cart.Totals()})
	return nil
}

func cmdCartSet(ctx context.Context, a *app, args []string, t *term) error {
	fs := newFlags("cart-set", t)
	item := fs.String("item", "", "cart line id")
	qty := fs.Int("qty", 0, "quantity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *item == "" {
		return errors.New("need -item")
	}
	if err := requireSession(a); err != nil {
		return err
	}
	if err := a.cart.Load(ctx); err != nil {
		return err
	}
	res, err := a.cart.Apply(ctx, *item, *qty)
	if err != nil {
		return err
	}
	r := <-res
	if r.Err != nil {
		return fmt.Errorf("%s, quantity back to %d: %w", r.Status, r.Quantity, r.Err)
	}
	t.printJSON(cartView{Items: a.cart.Items(), Totals: a.cart.Totals()})
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
