package tradlet

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"trader/internal/bus"
	"trader/internal/domain"
	"trader/internal/trade"
)

var _ trade.Listener = (*Service)(nil)

// Service hosts the tradlet groups of a process. It listens to the accounts
// and posts every event for a group onto that group's executor key, so a
// group sees orders, fills, ticks and noop seconds one at a time and in
// arrival order.
type Service struct {
	ctx    context.Context
	exec   bus.Executor
	logger *zap.Logger

	mu     sync.RWMutex
	groups map[string]*Group
	ids    []string
}

// NewService creates an empty service. ctx is passed to tradlet callbacks
// and order entry.
func NewService(ctx context.Context, exec bus.Executor, logger *zap.Logger) *Service {
	return &Service{
		ctx:    ctx,
		exec:   exec,
		logger: logger,
		groups: make(map[string]*Group),
	}
}

// AddGroup registers g.
func (s *Service) AddGroup(g *Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.groups[g.GroupID()]; !dup {
		s.ids = append(s.ids, g.GroupID())
	}
	s.groups[g.GroupID()] = g
}

// Group returns the group with id.
func (s *Service) Group(id string) (*Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	return g, ok
}

// Groups returns the groups in registration order.
func (s *Service) Groups() []*Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Group, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.groups[id])
	}
	return out
}

// Start starts every group.
func (s *Service) Start() error {
	for _, g := range s.Groups() {
		if err := g.Start(s.ctx); err != nil {
			return err
		}
	}
	return nil
}

// OnOrder routes an order event to the group named by the order's groupId.
func (s *Service) OnOrder(accountID string, o *domain.Order, _ domain.StateTuple) {
	if g := s.owner(accountID, o); g != nil {
		s.post(g, func() { g.onOrder(s.ctx, o) })
	}
}

// OnTransaction routes a fill like OnOrder.
func (s *Service) OnTransaction(accountID string, o *domain.Order, txn domain.Transaction) {
	if g := s.owner(accountID, o); g != nil {
		s.post(g, func() { g.onTransaction(s.ctx, o, txn) })
	}
}

func (s *Service) owner(accountID string, o *domain.Order) *Group {
	id := o.Attr(domain.AttrGroupID)
	if id == "" {
		return nil
	}
	g, ok := s.Group(id)
	if !ok || g.AccountID() != accountID {
		return nil
	}
	return g
}

// OnTick delivers t to the groups subscribed to its instrument.
func (s *Service) OnTick(t *domain.Tick) {
	for _, g := range s.Groups() {
		if g.Subscribes(t.Instrument) {
			s.post(g, func() { g.onTick(s.ctx, t) })
		}
	}
}

// OnNoopSecond delivers the noop timer to every group.
func (s *Service) OnNoopSecond() {
	for _, g := range s.Groups() {
		s.post(g, func() { g.onNoopSecond(s.ctx) })
	}
}

func (s *Service) post(g *Group, task func()) {
	if err := s.exec.Execute(bus.GroupKey(g.GroupID()), task); err != nil {
		s.logger.Error("post group event", zap.String("group", g.GroupID()), zap.Error(err))
	}
}
