package sim

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"trader/internal/bus"
	"trader/internal/domain"
	"trader/internal/md"
	"trader/internal/mtime"
	"trader/internal/store"
	"trader/internal/trade"
	"trader/internal/tradlet"
	"trader/internal/util"
)

// MarketData replays one trading day of stored ticks in timestamp order.
type MarketData struct {
	ticks []domain.Tick
	pos   int
}

// NewMarketData loads the ticks of instruments for tradingDay.
func NewMarketData(ctx context.Context, ticks store.TickStore, instruments []domain.Instrument, tradingDay string) (*MarketData, error) {
	all, err := md.LoadDay(ctx, ticks, instruments, tradingDay)
	if err != nil {
		return nil, err
	}
	return &MarketData{ticks: all}, nil
}

// Peek returns the time of the next tick.
func (m *MarketData) Peek() (time.Time, bool) {
	if m.pos >= len(m.ticks) {
		return time.Time{}, false
	}
	return m.ticks[m.pos].Time, true
}

// Due removes and returns the ticks stamped at or before now.
func (m *MarketData) Due(now time.Time) []domain.Tick {
	start := m.pos
	for m.pos < len(m.ticks) && !m.ticks[m.pos].Time.After(now) {
		m.pos++
	}
	return m.ticks[start:m.pos]
}

// Len returns the number of ticks loaded.
func (m *MarketData) Len() int { return len(m.ticks) }

// Setup describes what a back-test trades.
type Setup struct {
	AccountID string
	// Instruments adds market data subscriptions to the groups' own.
	Instruments []domain.Instrument
	Groups      []tradlet.GroupOptions
	Registry    *tradlet.Registry
	Risk        trade.RiskChecker
}

// AllInstruments returns the instruments of the setup and its groups,
// sorted and without duplicates.
func (s Setup) AllInstruments() []domain.Instrument {
	seen := make(map[domain.Instrument]bool)
	var out []domain.Instrument
	add := func(insts []domain.Instrument) {
		for _, inst := range insts {
			if !seen[inst] {
				seen[inst] = true
				out = append(out, inst)
			}
		}
	}
	add(s.Instruments)
	for _, g := range s.Groups {
		add(g.Instruments)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Env holds what every trading day of a back-test shares.
type Env struct {
	Calendar   *util.TradingCalendar
	Ticks      store.TickStore
	Repository store.Repository
	Ledger     *Ledger
	Logger     *zap.Logger
}

// Runtime is the engine of one simulated trading day: the live trade and
// tradlet services wired to a virtual clock, a serial executor and the
// matching session.
type Runtime struct {
	day      string
	env      Env
	logger   *zap.Logger
	clock    *MarketTime
	sched    *Scheduler
	exec     *bus.Serial
	data     *MarketData
	dist     *md.Distributor
	trades   *trade.Service
	session  *TxnSession
	account  *trade.Account
	tradlets *tradlet.Service
	stopNoop mtime.Cancel
	closed   bool
}

// NewRuntime builds the engine for tradingDay and bootstraps its account
// from env.Ledger.
func NewRuntime(ctx context.Context, tradingDay time.Time, setup Setup, env Env) (*Runtime, error) {
	day := domain.FormatDay(tradingDay)
	insts := setup.AllInstruments()
	if len(insts) == 0 {
		return nil, fmt.Errorf("back-test %s: no instruments", day)
	}
	if setup.Registry == nil {
		setup.Registry = tradlet.NewRegistry()
	}
	logger := env.Logger.With(zap.String("tradingDay", day))
	data, err := NewMarketData(ctx, env.Ticks, insts, day)
	if err != nil {
		return nil, fmt.Errorf("back-test %s: %w", day, err)
	}

	r := &Runtime{day: day, env: env, logger: logger, data: data}
	r.clock = NewMarketTime(tradingDay, TradingRanges(env.Calendar, insts, tradingDay))
	r.clock.SetNextEvent(data.Peek)
	r.sched = NewScheduler(r.clock)
	r.exec = bus.NewSerial(logger)
	r.dist = md.NewDistributor(r.exec, logger)

	r.trades = trade.NewService(mtime.ModeSimulator, r.sched, util.Backoff{Attempts: 1}, logger)
	r.session = NewTxnSession(setup.AccountID, r.clock, r.exec, r.trades.Dispatch, env.Ledger, logger)
	persister := store.Direct{Repo: env.Repository, Logger: logger}
	opts := []trade.AccountOption{trade.WithPersister(persister), trade.WithSubscriptions(insts)}
	if setup.Risk != nil {
		opts = append(opts, trade.WithRiskChecker(setup.Risk))
	}
	r.account = trade.NewAccount(setup.AccountID, r.session, r.clock, logger, opts...)
	r.trades.AddAccount(r.account)
	if err := r.trades.Start(ctx); err != nil {
		return nil, fmt.Errorf("back-test %s: %w", day, err)
	}

	r.tradlets = tradlet.NewService(ctx, r.exec, logger)
	genv := tradlet.Env{
		Clock:      r.clock,
		Registry:   setup.Registry,
		Repository: env.Repository,
		Persister:  persister,
		Logger:     logger,
	}
	for _, g := range setup.Groups {
		group, err := tradlet.NewGroup(g, r.account, genv)
		if err != nil {
			return nil, fmt.Errorf("back-test %s: %w", day, err)
		}
		r.tradlets.AddGroup(group)
	}
	r.account.AddListener(r.tradlets)
	if err := r.tradlets.Start(); err != nil {
		return nil, fmt.Errorf("back-test %s: %w", day, err)
	}

	// The exchange matches before anyone else sees the tick.
	r.dist.Subscribe(r.session.OnTick, insts...)
	r.dist.Subscribe(r.account.OnTick, insts...)
	r.dist.Subscribe(r.tradlets.OnTick, insts...)
	r.stopNoop = r.sched.Every(time.Second, r.tradlets.OnNoopSecond)
	r.exec.Drain()
	logger.Debug("back-test day ready", zap.Int("ticks", data.Len()), zap.Int("sessions", len(r.clock.Ranges())))
	return r, nil
}

// NextTimePiece advances market time by one piece, delivers the ticks and
// timers due and drains every event they cause. It returns false at the end
// of the day.
func (r *Runtime) NextTimePiece() bool {
	if r.closed || !r.clock.NextTimePiece() {
		return false
	}
	now := r.clock.Now()
	for _, t := range r.data.Due(now) {
		r.dist.Publish(t)
		r.exec.Drain()
	}
	r.sched.RunDue(now)
	r.exec.Drain()
	return true
}

// Run drives the day to its end.
func (r *Runtime) Run(ctx context.Context) error {
	for r.NextTimePiece() {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close ends the day: resting orders are cancelled, the services stop and
// the account settles into the ledger. It returns the day's report and
// may be called again for the report alone.
func (r *Runtime) Close() DayReport {
	first := !r.closed
	if first {
		r.closed = true
		r.session.CloseMarket()
		r.exec.Drain()
		r.stopNoop()
		r.trades.Stop()
		r.exec.Drain()
	}
	rep := DayReport{
		TradingDay:   r.day,
		Ticks:        r.data.Len(),
		Orders:       r.account.Orders(),
		Transactions: r.account.Transactions(),
		Money:        r.account.Money(),
		Positions:    r.account.Positions(),
	}
	for _, g := range r.tradlets.Groups() {
		rep.Playbooks = append(rep.Playbooks, g.Keeper().AllPlaybooks()...)
	}
	if first {
		r.env.Ledger.Settle(rep.Money, rep.Positions)
	}
	return rep
}

func (r *Runtime) Clock() *MarketTime           { return r.clock }
func (r *Runtime) Exec() *bus.Serial            { return r.exec }
func (r *Runtime) Session() *TxnSession         { return r.session }
func (r *Runtime) Account() *trade.Account      { return r.account }
func (r *Runtime) Tradlets() *tradlet.Service   { return r.tradlets }
func (r *Runtime) Distributor() *md.Distributor { return r.dist }
