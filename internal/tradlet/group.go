package tradlet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trader/internal/domain"
	"trader/internal/mtime"
	"trader/internal/store"
	"trader/internal/trade"
)

// GroupState controls what a tradlet group may do.
type GroupState string

const (
	// GroupEnabled groups receive events and may open playbooks.
	GroupEnabled GroupState = "Enabled"
	// GroupSuspended groups receive events but may not open playbooks.
	GroupSuspended GroupState = "Suspended"
	// GroupDisabled groups keep tracking their orders and playbooks; their
	// tradlets are not called.
	GroupDisabled GroupState = "Disabled"
)

// ParseGroupState validates a state name; empty means Enabled.
func ParseGroupState(s string) (GroupState, error) {
	switch st := GroupState(s); st {
	case "":
		return GroupEnabled, nil
	case GroupEnabled, GroupSuspended, GroupDisabled:
		return st, nil
	}
	return "", fmt.Errorf("unknown tradlet group state %q", s)
}

// Account is the part of a trading account a group uses. *trade.Account
// implements it.
type Account interface {
	ID() string
	TradingDay() string
	CreateOrder(ctx context.Context, req trade.OrderRequest) (*domain.Order, error)
	CancelOrder(orderID string) error
	Orders() []*domain.Order
	Position(inst domain.Instrument) (*domain.Position, bool)
	Money() domain.AccountMoney
}

// TradletSpec names a tradlet and its parameters.
type TradletSpec struct {
	Name   string
	Params map[string]string
}

// GroupOptions describes a group.
type GroupOptions struct {
	ID          string
	State       GroupState
	Instruments []domain.Instrument
	Templates   string
	Tradlets    []TradletSpec
}

// Env carries the services a group is built with.
type Env struct {
	Clock      mtime.Service
	Registry   *Registry
	Repository store.Repository
	Persister  trade.Persister
	Logger     *zap.Logger
}

// Group packages tradlets that trade one account and share a playbook
// keeper. Event methods run on the group's executor key.
type Group struct {
	id          string
	account     Account
	clock       mtime.Service
	repo        store.Repository
	instruments []domain.Instrument
	keeper      *Keeper
	logger      *zap.Logger

	mu      sync.RWMutex
	state   GroupState
	slots   []*slot
	version uint64
}

type slot struct {
	id       string
	name     string
	tradlet  Tradlet
	disabled bool
}

// NewGroup builds a group and its tradlets. Tradlets are initialised by
// Start.
func NewGroup(opts GroupOptions, account Account, env Env) (*Group, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("tradlet group needs an id")
	}
	state := opts.State
	if state == "" {
		state = GroupEnabled
	}
	g := &Group{
		id:          opts.ID,
		account:     account,
		clock:       env.Clock,
		repo:        env.Repository,
		instruments: append([]domain.Instrument(nil), opts.Instruments...),
		state:       state,
		logger:      env.Logger.With(zap.String("group", opts.ID), zap.String("account", account.ID())),
	}
	g.keeper = newKeeper(g, groupDesk{g}, env.Persister, g.logger)
	if err := g.keeper.UpdateTemplates(opts.Templates); err != nil {
		return nil, fmt.Errorf("group %s: %w", opts.ID, err)
	}
	names := make(map[string]int)
	for _, spec := range opts.Tradlets {
		t, err := env.Registry.New(spec.Name, spec.Params)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", opts.ID, err)
		}
		id := spec.Name
		if n := names[spec.Name]; n > 0 {
			id = fmt.Sprintf("%s-%d", spec.Name, n)
		}
		names[spec.Name]++
		g.slots = append(g.slots, &slot{id: id, name: spec.Name, tradlet: t})
	}
	return g, nil
}

// groupDesk routes playbook orders to the group's account.
type groupDesk struct{ g *Group }

func (d groupDesk) CreateOrder(ctx context.Context, req trade.OrderRequest) (*domain.Order, error) {
	return d.g.account.CreateOrder(ctx, req)
}

func (d groupDesk) CancelOrder(orderID string) error { return d.g.account.CancelOrder(orderID) }
func (d groupDesk) Now() time.Time                   { return d.g.clock.Now() }

func (g *Group) GroupID() string                  { return g.id }
func (g *Group) AccountID() string                { return g.account.ID() }
func (g *Group) Account() Account                 { return g.account }
func (g *Group) Keeper() *Keeper                  { return g.keeper }
func (g *Group) Instruments() []domain.Instrument { return g.instruments }

// TradingDay returns the account's trading day, or the clock's before the
// account is bootstrapped.
func (g *Group) TradingDay() string {
	if d := g.account.TradingDay(); d != "" {
		return d
	}
	return domain.FormatDay(g.clock.TradingDay())
}

// State returns the group state.
func (g *Group) State() GroupState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// SetState changes the group state.
func (g *Group) SetState(s GroupState) {
	g.mu.Lock()
	prev := g.state
	g.state = s
	g.mu.Unlock()
	if prev != s {
		g.logger.Info("group state changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	}
}

// Version counts changes to the group's orders and playbooks.
func (g *Group) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// Subscribes reports whether the group trades inst.
func (g *Group) Subscribes(inst domain.Instrument) bool {
	for _, i := range g.instruments {
		if i == inst {
			return true
		}
	}
	return false
}

// Start restores the group's playbooks when trading live and initialises
// its tradlets. A tradlet whose Init fails is disabled.
func (g *Group) Start(ctx context.Context) error {
	if g.clock.Mode() == mtime.ModeRealTime && g.repo != nil {
		if err := g.keeper.Restore(ctx, g.repo, g.TradingDay(), g.account.Orders()); err != nil {
			return fmt.Errorf("group %s: %w", g.id, err)
		}
	}
	for _, s := range g.slots {
		tc := &TradletContext{id: s.id, group: g, ctx: ctx}
		g.call(s, "Init", func() error { return s.tradlet.Init(tc) })
	}
	return nil
}

// TradletIDs returns the ids of the group's tradlets and whether each is
// still enabled.
func (g *Group) TradletIDs() map[string]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]bool, len(g.slots))
	for _, s := range g.slots {
		out[s.id] = !s.disabled
	}
	return out
}

func (g *Group) onOrder(ctx context.Context, o *domain.Order) {
	g.keeper.UpdateOnOrder(ctx, o)
}

func (g *Group) onTransaction(ctx context.Context, o *domain.Order, txn domain.Transaction) {
	g.keeper.UpdateOnTxn(ctx, o, txn)
}

func (g *Group) onTick(ctx context.Context, t *domain.Tick) {
	g.keeper.UpdateOnTick(ctx, t)
	g.eachTradlet("OnTick", func(tr Tradlet) error { return tr.OnTick(t) })
}

func (g *Group) onNoopSecond(ctx context.Context) {
	g.keeper.OnNoopSecond(ctx)
	g.eachTradlet("OnNoopSecond", func(tr Tradlet) error { return tr.OnNoopSecond() })
}

func (g *Group) eachTradlet(method string, fn func(Tradlet) error) {
	if g.State() == GroupDisabled {
		return
	}
	for _, s := range g.slots {
		g.call(s, method, func() error { return fn(s.tradlet) })
	}
}

func (g *Group) playbookChanged(pb *Playbook, prev *PlaybookStateTuple) {
	if g.State() == GroupDisabled {
		return
	}
	for _, s := range g.slots {
		if s.id != pb.TradletID {
			continue
		}
		g.call(s, "OnPlaybookStateChanged", func() error {
			s.tradlet.OnPlaybookStateChanged(pb, prev)
			return nil
		})
	}
}

func (g *Group) keeperChanged() {
	g.mu.Lock()
	g.version++
	g.mu.Unlock()
}

// call runs one tradlet callback. An error or panic disables that tradlet
// only.
func (g *Group) call(s *slot, method string, fn func() error) {
	g.mu.RLock()
	disabled := s.disabled
	g.mu.RUnlock()
	if disabled {
		return
	}
	err := safeCall(fn)
	if err == nil {
		return
	}
	g.mu.Lock()
	s.disabled = true
	g.mu.Unlock()
	g.logger.Error("tradlet disabled",
		zap.String("tradlet", s.id),
		zap.String("method", method),
		zap.String("kind", domain.ErrorKind(err)),
		zap.Error(err))
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
