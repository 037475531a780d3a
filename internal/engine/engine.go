// Package engine assembles the live trading process: broker sessions and
// accounts, tradlet groups, market data routing and persistence, all driven
// by the wall clock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trader/internal/broker"
	"trader/internal/bus"
	"trader/internal/config"
	"trader/internal/domain"
	"trader/internal/md"
	"trader/internal/mtime"
	"trader/internal/store"
	"trader/internal/trade"
	"trader/internal/tradlet"
	"trader/internal/util"
)

// Engine orchestrates the trading lifecycle by delegating to broker
// sessions for execution, the repository for persistence, the risk manager
// for pre-trade checks and tradlet groups for decisions.
type Engine struct {
	cfg         *config.Config
	logger      *zap.Logger
	calendar    *util.TradingCalendar
	clock       *mtime.Live
	sched       *mtime.LiveScheduler
	exec        *bus.Ordered
	repo        store.Repository
	writer      *store.Writer
	instruments *domain.Registry
	registry    *tradlet.Registry
	risk        *RiskManager
	trades      *trade.Service
	dist        *md.Distributor
	groups      []tradlet.GroupOptions
	groupAcct   []string
	subs        map[string][]domain.Instrument

	tradlets *tradlet.Service
	stopNoop mtime.Cancel
	stopFeed context.CancelFunc
	feedDone chan struct{}
}

// New wires the accounts and validates the tradlet groups of cfg. Nothing
// connects until Start.
func New(cfg *config.Config, registry *tradlet.Registry, logger *zap.Logger) (*Engine, error) {
	calendar := util.NewTradingCalendar(util.ChinaLocation, cfg.Trading.Holidays...)
	repoPath := cfg.Storage.RepositoryPath
	if repoPath == "" {
		repoPath = cfg.Storage.DataDir
	}
	repo, err := store.Open(cfg.Storage.Repository, repoPath)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		logger:      logger,
		calendar:    calendar,
		clock:       mtime.NewLive(calendar),
		sched:       mtime.NewLiveScheduler(),
		exec:        bus.NewOrdered(0, logger),
		repo:        repo,
		writer:      store.NewWriter(repo, store.DefaultWriterBuffer, logger),
		instruments: domain.NewRegistry(),
		registry:    registry,
		risk:        NewRiskManager(cfg.Trading.MaxOrderVolume, cfg.Trading.MaxMarginRatio, cfg.Trading.MaxDailyLossRatio),
	}
	e.trades = trade.NewService(mtime.ModeRealTime, e.sched, util.Backoff{}, logger)
	e.dist = md.NewDistributor(e.exec, logger)

	e.subs = make(map[string][]domain.Instrument)
	for _, g := range cfg.Tradlets.Groups {
		if _, ok := cfg.Account(g.Account); !ok {
			e.release()
			return nil, fmt.Errorf("engine: group %s: unknown account %q", g.ID, g.Account)
		}
		opts, err := GroupOptions(g, e.instruments)
		if err != nil {
			e.release()
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.groups = append(e.groups, opts)
		e.groupAcct = append(e.groupAcct, g.Account)
		e.subs[g.Account] = append(e.subs[g.Account], opts.Instruments...)
	}
	for _, ac := range cfg.Trading.Accounts {
		if err := e.addAccount(ac, e.subs[ac.ID]); err != nil {
			e.release()
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) addAccount(ac config.AccountConfig, subs []domain.Instrument) error {
	api, err := broker.Open(ac, e.logger)
	if err != nil {
		return fmt.Errorf("engine: account %s: %w", ac.ID, err)
	}
	sc := trade.SessionConfig{
		AccountID:              ac.ID,
		BrokerID:               ac.BrokerID,
		UserID:                 ac.UserID,
		Password:               ac.Password,
		AppID:                  ac.AppID,
		AuthCode:               ac.AuthCode,
		FrontURL:               ac.FrontURL,
		SyncTimeout:            e.cfg.Trading.SyncTimeout(),
		ConfirmEmptySettlement: e.cfg.Trading.ConfirmEmpty(),
		QueriesPerSecond:       e.cfg.Trading.FlowControlPerSecond,
	}
	session := trade.NewSession(sc, api, e.exec, e.clock, e.instruments, e.trades.Dispatch, e.logger)
	repo := e.repo
	account := trade.NewAccount(ac.ID, session, e.clock, e.logger,
		trade.WithPersister(e.writer),
		trade.WithOrderLoader(func(ctx context.Context, accountID, tradingDay string) ([]*domain.Order, error) {
			return store.LoadOrders(ctx, repo, accountID, tradingDay)
		}),
		trade.WithReconcilePolicy(trade.ReconcilePolicy(e.cfg.Trading.ReconcilePolicy)),
		trade.WithRiskChecker(e.risk),
		trade.WithSubscriptions(subs),
	)
	e.trades.AddAccount(account)
	return nil
}

// GroupOptions converts a configured group.
func GroupOptions(g config.GroupConfig, instruments *domain.Registry) (tradlet.GroupOptions, error) {
	state, err := tradlet.ParseGroupState(g.State)
	if err != nil {
		return tradlet.GroupOptions{}, fmt.Errorf("group %s: %w", g.ID, err)
	}
	opts := tradlet.GroupOptions{ID: g.ID, State: state, Templates: g.Templates}
	for _, s := range g.Instruments {
		inst, err := instruments.Intern(s)
		if err != nil {
			return tradlet.GroupOptions{}, fmt.Errorf("group %s: %w", g.ID, err)
		}
		opts.Instruments = append(opts.Instruments, inst)
	}
	for _, t := range g.Tradlets {
		opts.Tradlets = append(opts.Tradlets, tradlet.TradletSpec{Name: t.Name, Params: t.Params})
	}
	return opts, nil
}

// Start brings every account up, then starts the tradlet groups, routes
// market data to them and begins the noop timer.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.trades.Start(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.tradlets = tradlet.NewService(ctx, e.exec, e.logger)
	for i, opts := range e.groups {
		account, ok := e.trades.Account(e.groupAcct[i])
		if !ok {
			return fmt.Errorf("engine: group %s: account %s not started", opts.ID, e.groupAcct[i])
		}
		g, err := tradlet.NewGroup(opts, account, tradlet.Env{
			Clock:      e.clock,
			Registry:   e.registry,
			Repository: e.repo,
			Persister:  e.writer,
			Logger:     e.logger,
		})
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		e.tradlets.AddGroup(g)
	}
	for _, a := range e.trades.Accounts() {
		a.AddListener(e.tradlets)
	}
	if err := e.tradlets.Start(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	// Accounts without groups still mark their positions on every tick.
	var all []domain.Instrument
	for _, a := range e.trades.Accounts() {
		e.dist.Subscribe(a.OnTick, e.subs[a.ID()]...)
		all = append(all, e.subs[a.ID()]...)
	}
	if len(all) > 0 {
		e.dist.Subscribe(e.tradlets.OnTick, all...)
	}
	if day := e.cfg.Feed.ReplayDay; day != "" {
		if err := e.startReplay(ctx, day, all); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
	}
	e.stopNoop = e.sched.Every(time.Second, e.tradlets.OnNoopSecond)
	e.logger.Info("engine started",
		zap.Int("accounts", len(e.trades.Accounts())),
		zap.Int("groups", len(e.groups)),
		zap.String("tradingDay", domain.FormatDay(e.clock.TradingDay())))
	return nil
}

// startReplay feeds the recorded ticks of day through Publish. No broker
// provider links a market data front, so this is serve mode's tick source.
func (e *Engine) startReplay(ctx context.Context, day string, instruments []domain.Instrument) error {
	ts, err := store.NewTickStore(e.cfg.Storage.TickFormat, e.cfg.Storage.DataDir, util.ChinaLocation)
	if err != nil {
		return err
	}
	seen := make(map[domain.Instrument]bool)
	var unique []domain.Instrument
	for _, inst := range instruments {
		if !seen[inst] {
			seen[inst] = true
			unique = append(unique, inst)
		}
	}
	ticks, err := md.LoadDay(ctx, ts, unique, day)
	if err != nil {
		return err
	}
	e.logger.Info("replaying market data", zap.String("tradingDay", day), zap.Int("ticks", len(ticks)))

	feedCtx, cancel := context.WithCancel(context.Background())
	e.stopFeed = cancel
	e.feedDone = make(chan struct{})
	go func() {
		defer close(e.feedDone)
		n, err := md.Replay(feedCtx, ticks, e.cfg.Feed.Speed, e.Publish)
		if err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("replay stopped", zap.Error(err))
		}
		e.logger.Info("replay finished", zap.String("tradingDay", day), zap.Int("published", n))
	}()
	return nil
}

// Publish routes a market data tick to the accounts and groups. Ticks older
// than the last one of their instrument are dropped.
func (e *Engine) Publish(t domain.Tick) bool {
	return e.dist.Publish(t)
}

// Stop closes the sessions, drains the executor and flushes the
// repository.
func (e *Engine) Stop() {
	if e.stopFeed != nil {
		e.stopFeed()
		<-e.feedDone
	}
	if e.stopNoop != nil {
		e.stopNoop()
	}
	e.trades.Stop()
	e.release()
	e.logger.Info("engine stopped")
}

func (e *Engine) release() {
	e.sched.Close()
	e.exec.Close()
	e.writer.Close()
	if err := e.repo.Close(); err != nil {
		e.logger.Warn("close repository", zap.Error(err))
	}
}

func (e *Engine) Trades() *trade.Service          { return e.trades }
func (e *Engine) Tradlets() *tradlet.Service      { return e.tradlets }
func (e *Engine) Distributor() *md.Distributor    { return e.dist }
func (e *Engine) Repository() store.Repository    { return e.repo }
func (e *Engine) Calendar() *util.TradingCalendar { return e.calendar }
func (e *Engine) Clock() mtime.Service            { return e.clock }
