package trade

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trader/internal/broker"
	"trader/internal/domain"
	"trader/internal/mtime"
	"trader/internal/util"
)

// DefaultReconnect is the retry schedule for connecting and bootstrapping an
// account.
var DefaultReconnect = util.Backoff{Attempts: 10, Base: time.Second, Max: 30 * time.Second}

// Service owns the accounts of one process. It is the arena the sessions
// dispatch into: a session only knows its account id and Dispatch resolves
// it here.
type Service struct {
	mode    mtime.Mode
	sched   mtime.Scheduler
	backoff util.Backoff
	logger  *zap.Logger

	mu       sync.RWMutex
	accounts map[string]*Account
	ids      []string
	ctx      context.Context
	running  bool
	retrying map[string]*atomic.Bool
}

// NewService creates an empty service.
func NewService(mode mtime.Mode, sched mtime.Scheduler, backoff util.Backoff, logger *zap.Logger) *Service {
	if backoff.Attempts == 0 {
		backoff = DefaultReconnect
	}
	return &Service{
		mode:     mode,
		sched:    sched,
		backoff:  backoff,
		logger:   logger,
		accounts: make(map[string]*Account),
		retrying: make(map[string]*atomic.Bool),
	}
}

// Mode returns whether the service trades live or in a replay.
func (s *Service) Mode() mtime.Mode { return s.mode }

// AddAccount registers a. Accounts added after Start are not started.
func (s *Service) AddAccount(a *Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.accounts[a.ID()]; !dup {
		s.ids = append(s.ids, a.ID())
		sort.Strings(s.ids)
	}
	s.accounts[a.ID()] = a
	s.retrying[a.ID()] = new(atomic.Bool)
}

// Account returns the account with id.
func (s *Service) Account(id string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	return a, ok
}

// Accounts returns all accounts ordered by id.
func (s *Service) Accounts() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Account, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.accounts[id])
	}
	return out
}

// Dispatch routes a material broker event to its account. Sessions use it
// as their EventSink.
func (s *Service) Dispatch(accountID string, ev broker.Event) {
	a, ok := s.Account(accountID)
	if !ok {
		s.logger.Warn("event for unknown account", zap.String("account", accountID), zap.Stringer("event", ev.Kind))
		return
	}
	a.HandleBrokerEvent(ev)
}

// Start connects and bootstraps every account in parallel. It fails if any
// account cannot be brought up within the retry budget. After Start, a
// session that drops is reconnected and its account reconciled.
func (s *Service) Start(ctx context.Context) error {
	accounts := s.Accounts()
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range accounts {
		g.Go(func() error { return s.bringUp(gctx, a) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	s.ctx = ctx
	s.running = true
	s.mu.Unlock()
	for _, a := range accounts {
		a.Session().OnStateChange(func(prev, next ConnState) {
			if next == ConnDisconnected || next == ConnConnectFailed {
				s.scheduleReconnect(a)
			}
		})
	}
	s.logger.Info("trade service started", zap.Int("accounts", len(accounts)), zap.String("mode", string(s.mode)))
	return nil
}

// Stop closes every session.
func (s *Service) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	for _, a := range s.Accounts() {
		if err := a.Session().Close(); err != nil {
			s.logger.Warn("close session", zap.String("account", a.ID()), zap.Error(err))
		}
	}
}

func (s *Service) bringUp(ctx context.Context, a *Account) error {
	return util.Retry(ctx, s.backoff, func() error {
		sess := a.Session()
		if err := sess.Connect(); err != nil {
			return err
		}
		if err := sess.WaitState(ctx, ConnConnected); err != nil {
			if errors.Is(err, domain.ErrClockSkew) || errors.Is(err, domain.ErrAuthFailed) ||
				errors.Is(err, context.Canceled) {
				return util.Permanent(err)
			}
			return err
		}
		return a.Bootstrap(ctx)
	})
}

func (s *Service) scheduleReconnect(a *Account) {
	s.mu.RLock()
	running, ctx, flag := s.running, s.ctx, s.retrying[a.ID()]
	s.mu.RUnlock()
	if !running || flag == nil || !flag.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn("session lost, reconnecting", zap.String("account", a.ID()), zap.Duration("after", s.backoff.Base))
	s.sched.AfterFunc(s.backoff.Base, func() {
		go func() {
			defer flag.Store(false)
			if err := s.bringUp(ctx, a); err != nil {
				s.logger.Error("reconnect failed",
					zap.String("account", a.ID()),
					zap.String("kind", domain.ErrorKind(err)),
					zap.Error(err))
				return
			}
			s.logger.Info("account reconnected", zap.String("account", a.ID()))
		}()
	})
}
