package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/atelier/internal/errs"
	"github.com/and161185/atelier/internal/model"
)

// Quantity bounds for a cart line.
const (
	MinQuantity = 1
	MaxQuantity = 10
)

// CartBackend is the cart surface of the backend API.
type CartBackend interface {
	GetCart(ctx context.Context) (model.Cart, error)
	UpdateCartItem(ctx context.Context, itemID string, quantity int) (model.CartItem, model.CartTotals, error)
}

// MutationResult is delivered once per Apply when its network call settles.
type MutationResult struct {
	MutationID string
	ItemID     string
	Status     model.MutationStatus
	// Quantity is the local quantity after reconciliation.
	Quantity int
	Totals   model.CartTotals
	Err      error
}

type mutation struct {
	model.PendingMutation
	seq uint64
}

// Cart applies quantity changes locally first and reconciles them with the backend.
//
// Every mutation records the quantity it replaced, taken from the current optimistic
// state. A failed mutation reverts only if it is still the newest one for its item;
// otherwise the newer mutation owns the displayed quantity. Server totals are adopted
// from the newest response seen so far.
type Cart struct {
	backend CartBackend
	log     *zap.Logger

	mu        sync.Mutex
	items     map[string]*model.CartItem
	order     []string
	totals    model.CartTotals
	pending   map[string][]*mutation
	seq       uint64
	latest    map[string]uint64
	totalsSeq uint64

	wg sync.WaitGroup
}

// NewCart constructs an empty cart.
func NewCart(backend CartBackend, log *zap.Logger) *Cart {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cart{
		backend: backend,
		log:     log,
		items:   make(map[string]*model.CartItem),
		pending: make(map[string][]*mutation),
		latest:  make(map[string]uint64),
	}
}

// Load seeds the cart from the backend. Lines with outstanding mutations keep their
// optimistic quantity.
func (c *Cart) Load(ctx context.Context) error {
	cart, err := c.backend.GetCart(ctx)
	if err != nil {
		return err
	}
	c.Seed(cart)
	return nil
}

// Seed replaces the cart contents.
func (c *Cart) Seed(cart model.Cart) {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make(map[string]*model.CartItem, len(cart.Items))
	order := make([]string, 0, len(cart.Items))
	for i := range cart.Items {
		it := cart.Items[i]
		if old, ok := c.items[it.ID]; ok && len(c.pending[it.ID]) > 0 {
			it.Quantity = old.Quantity
		}
		items[it.ID] = &it
		order = append(order, it.ID)
	}
	c.items = items
	c.order = order
	c.totals = cart.Totals
}

// Apply sets itemID's quantity, clamped to [MinQuantity, MaxQuantity], and sends it to
// the backend in the background. The returned channel yields exactly one result.
func (c *Cart) Apply(ctx context.Context, itemID string, quantity int) (<-chan MutationResult, error) {
	quantity = clamp(quantity)

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	item, ok := c.items[itemID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownItem, itemID)
	}
	c.seq++
	m := &mutation{
		PendingMutation: model.PendingMutation{
			ID:                id.String(),
			ItemID:            itemID,
			RequestedQuantity: quantity,
			PreviousQuantity:  item.Quantity,
			Status:            model.MutationAppliedLocally,
		},
		seq: c.seq,
	}
	item.Quantity = quantity
	c.pending[itemID] = append(c.pending[itemID], m)
	c.latest[itemID] = m.seq
	c.mu.Unlock()

	out := make(chan MutationResult, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(out)
		out <- c.run(context.WithoutCancel(ctx), m)
	}()
	return out, nil
}

func (c *Cart) run(ctx context.Context, m *mutation) MutationResult {
	c.mu.Lock()
	m.Status = model.MutationInFlight
	c.mu.Unlock()

	server, totals, err := c.backend.UpdateCartItem(ctx, m.ItemID, m.RequestedQuantity)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(m)
	newest := c.latest[m.ItemID] == m.seq
	item := c.items[m.ItemID]

	res := MutationResult{MutationID: m.ID, ItemID: m.ItemID, Err: err}
	if err != nil {
		m.Status = model.MutationRolledBack
		if newest && item != nil {
			item.Quantity = m.PreviousQuantity
		}
		c.log.Info("cart mutation rolled back",
			zap.String("item", m.ItemID),
			zap.Int("requested", m.RequestedQuantity),
			zap.Int("previous", m.PreviousQuantity),
			zap.Bool("reverted", newest),
			zap.Error(err),
		)
	} else {
		m.Status = model.MutationConfirmed
		if m.seq > c.totalsSeq {
			c.totals = totals
			c.totalsSeq = m.seq
		}
		if newest && item != nil && server.Quantity >= MinQuantity {
			item.Quantity = server.Quantity
			if server.UnitPrice != 0 {
				item.UnitPrice = server.UnitPrice
			}
		}
	}
	res.Status = m.Status
	if item != nil {
		res.Quantity = item.Quantity
	}
	res.Totals = c.totals
	return res
}

func (c *Cart) remove(m *mutation) {
	list := c.pending[m.ItemID]
	for i, p := range list {
		if p == m {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(c.pending, m.ItemID)
		return
	}
	c.pending[m.ItemID] = list
}

// Wait blocks until every dispatched mutation has settled.
func (c *Cart) Wait() { c.wg.Wait() }

// Quantity returns the local (possibly optimistic) quantity of itemID.
func (c *Cart) Quantity(itemID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[itemID]
	if !ok {
		return 0, false
	}
	return it.Quantity, true
}

// Items returns the cart lines in backend order.
func (c *Cart) Items() []model.CartItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.CartItem, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.items[id])
	}
	return out
}

// Totals returns the last server-computed totals.
func (c *Cart) Totals() model.CartTotals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}

// Pending returns the outstanding mutations for itemID, oldest first.
func (c *Cart) Pending(itemID string) []model.PendingMutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.pending[itemID]
	if len(list) == 0 {
		return nil
	}
	out := make([]model.PendingMutation, 0, len(list))
	for _, m := range list {
		out = append(out, m.PendingMutation)
	}
	return out
}

func clamp(q int) int {
	if q < MinQuantity {
		return MinQuantity
	}
	if q > MaxQuantity {
		return MaxQuantity
	}
	return q
}
