// Package challenge owns the invisible bot-challenge widget that gates phone OTP requests.
package challenge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/atelier/internal/errs"
)

// Widget is a live challenge instance bound to an anchor.
type Widget interface {
	// ID identifies the instance in logs.
	ID() string
	// Anchor is the surface the widget was rendered into.
	Anchor() string
	// Verify runs the invisible challenge and returns its token.
	Verify(ctx context.Context) (string, error)
	// Destroy tears the widget down. Safe to call more than once.
	Destroy()
}

// Factory creates widgets in invisible mode. onExpire must be called when the widget's
// challenge response expires on its own.
type Factory interface {
	Create(anchorID string, onExpire func()) (Widget, error)
}

// Controller holds at most one live widget. It is meant to be created once per process
// and injected wherever the phone flow needs it.
type Controller struct {
	factory Factory
	log     *zap.Logger

	mu     sync.Mutex
	widget Widget
}

// NewController constructs a controller around factory.
func NewController(factory Factory, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{factory: factory, log: log}
}

// EnsureWidget returns the live widget, creating one bound to anchorID if none exists.
func (c *Controller) EnsureWidget(anchorID string) (Widget, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.widget != nil {
		return c.widget, nil
	}
	if c.factory == nil {
		return nil, errs.New(errs.ChallengeFailed, "challenge.ensure", errors.New("no widget factory"))
	}

	var created Widget
	w, err := c.factory.Create(anchorID, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.widget != nil && c.widget == created {
			c.log.Debug("challenge widget expired", zap.String("widget", created.ID()))
			c.widget = nil
		}
	})
	if err != nil {
		return nil, errs.New(errs.ChallengeFailed, "challenge.ensure", err)
	}
	created = w
	c.widget = w
	c.log.Debug("challenge widget created", zap.String("widget", w.ID()), zap.String("anchor", anchorID))
	return w, nil
}

// Reset destroys the current widget. With no widget it does nothing.
func (c *Controller) Reset() {
	c.mu.Lock()
	w := c.widget
	c.widget = nil
	c.mu.Unlock()
	if w != nil {
		w.Destroy()
		c.log.Debug("challenge widget reset", zap.String("widget", w.ID()))
	}
}

// Active reports whether a widget is alive.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.widget != nil
}

// ---- timed widget ----

// Solver produces a challenge token for an anchor.
type Solver func(ctx context.Context, anchorID string) (string, error)

// StaticSolver always answers with token. Useful with provider test numbers and emulators.
func StaticSolver(token string) Solver {
	return func(context.Context, string) (string, error) { return token, nil }
}

// DefaultTTL matches the lifetime of an invisible challenge response.
const DefaultTTL = 2 * time.Minute

// ErrWidgetDestroyed is returned by Verify on a torn-down widget.
var ErrWidgetDestroyed = errors.New("challenge widget destroyed")

// TimedFactory creates widgets that expire TTL after creation.
type TimedFactory struct {
	Solver Solver
	TTL    time.Duration
}

var _ Factory = (*TimedFactory)(nil)

// Create builds a widget and arms its expiry timer.
func (f *TimedFactory) Create(anchorID string, onExpire func()) (Widget, error) {
	if f.Solver == nil {
		return nil, errors.New("no solver")
	}
	if anchorID == "" {
		return nil, errors.New("empty anchor")
	}
	ttl := f.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	w := &timedWidget{id: id.String(), anchor: anchorID, solver: f.Solver}
	w.timer = time.AfterFunc(ttl, func() {
		if w.expire() && onExpire != nil {
			onExpire()
		}
	})
	return w, nil
}

type timedWidget struct {
	id     string
	anchor string
	solver Solver
	timer  *time.Timer

	mu   sync.Mutex
	dead bool
}

func (w *timedWidget) ID() string     { return w.id }
func (w *timedWidget) Anchor() string { return w.anchor }

func (w *timedWidget) Verify(ctx context.Context) (string, error) {
	w.mu.Lock()
	dead := w.dead
	w.mu.Unlock()
	if dead {
		return "", errs.New(errs.ChallengeFailed, "challenge.verify", ErrWidgetDestroyed)
	}
	tok, err := w.solver(ctx, w.anchor)
	if err != nil {
		return "", errs.New(errs.ChallengeFailed, "challenge.verify", err)
	}
	return tok, nil
}

func (w *timedWidget) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return
	}
	w.dead = true
	w.timer.Stop()
}

// expire marks the widget dead; it reports false if Destroy got there first.
func (w *timedWidget) expire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return false
	}
	w.dead = true
	return true
}
