package sim

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"trader/internal/broker"
	"trader/internal/bus"
	"trader/internal/config"
	"trader/internal/domain"
	"trader/internal/mtime"
	"trader/internal/store"
	"trader/internal/tradlet"
	"trader/internal/tradlet/builtins"
	"trader/internal/util"
)

var (
	au1906 = domain.MustParseInstrument("SHFE.au1906")
	day    = time.Date(2018, 12, 28, 0, 0, 0, 0, util.ChinaLocation)
)

func px(s string) domain.Price { return domain.MustParsePrice(s) }

// quote builds a one-level tick at 09:00 plus sec and a half on 20181228.
func quote(sec int, bid, ask, last string) domain.Tick {
	return domain.Tick{
		Instrument: au1906,
		Time:       time.Date(2018, 12, 28, 9, 0, sec, 500e6, util.ChinaLocation),
		TradingDay: "20181228",
		LastPrice:  px(last),
		Bids:       []domain.PriceLevel{{Price: px(bid), Volume: 10}},
		Asks:       []domain.PriceLevel{{Price: px(ask), Volume: 10}},
		Volume:     int64(100 + sec),
	}
}

func auFees() *domain.FeeTable {
	fees := domain.NewFeeTable()
	fees.Infos[au1906] = domain.FeeInfo{
		PriceTick:          px("0.02"),
		VolumeMultiple:     1000,
		LongMarginByMoney:  0.1,
		ShortMarginByMoney: 0.1,
		OpenByVolume:       10,
		CloseByVolume:      10,
		CloseTodayByVolume: 10,
	}
	return fees
}

// scripted is a tradlet driven by a test function.
type scripted struct {
	ctx    *tradlet.TradletContext
	onTick func(s *scripted, t *domain.Tick)
	pb     *tradlet.Playbook
	err    error
	states []tradlet.PlaybookState
	seen   domain.OrderState
}

func (s *scripted) Init(ctx *tradlet.TradletContext) error {
	s.ctx = ctx
	return nil
}

func (s *scripted) OnTick(t *domain.Tick) error {
	if s.onTick != nil {
		s.onTick(s, t)
	}
	return nil
}

func (s *scripted) OnNoopSecond() error { return nil }

func (s *scripted) OnPlaybookStateChanged(pb *tradlet.Playbook, _ *tradlet.PlaybookStateTuple) {
	s.states = append(s.states, pb.State())
}

func (s *scripted) open(b tradlet.PlaybookBuilder) {
	if s.pb == nil && s.err == nil {
		s.pb, s.err = s.ctx.CreatePlaybook(b)
	}
}

type fixture struct {
	env   Env
	setup Setup
}

func newFixture(t *testing.T, script tradlet.Tradlet, ticks ...domain.Tick) *fixture {
	t.Helper()
	tickStore := store.NewCSVTickStore(t.TempDir(), util.ChinaLocation)
	require.NoError(t, tickStore.WriteTicks(context.Background(), au1906, "20181228", ticks))

	reg := tradlet.NewRegistry()
	reg.Register("scripted", func(map[string]string) (tradlet.Tradlet, error) { return script, nil })
	builtins.Register(reg)
	return &fixture{
		env: Env{
			Calendar:   util.NewTradingCalendar(util.ChinaLocation),
			Ticks:      tickStore,
			Repository: store.NewMemoryRepository(),
			Ledger:     NewLedger(px("1000000"), auFees()),
			Logger:     zaptest.NewLogger(t),
		},
		setup: Setup{
			AccountID: "sim",
			Registry:  reg,
			Groups: []tradlet.GroupOptions{{
				ID:          "g1",
				Instruments: []domain.Instrument{au1906},
				Tradlets:    []tradlet.TradletSpec{{Name: "scripted"}},
			}},
		},
	}
}

func (f *fixture) run(t *testing.T) (*Runtime, DayReport) {
	t.Helper()
	rt, err := NewRuntime(context.Background(), day, f.setup, f.env)
	require.NoError(t, err)
	require.NoError(t, rt.Run(context.Background()))
	return rt, rt.Close()
}

func TestLimitOpenFillsAgainstAsk(t *testing.T) {
	script := &scripted{onTick: func(s *scripted, _ *domain.Tick) {
		s.open(tradlet.PlaybookBuilder{
			Instrument:    au1906,
			OpenDirection: domain.PosLong,
			OpenPrice:     px("274.52"),
			OpenVolume:    1,
		})
	}}
	f := newFixture(t, script,
		quote(0, "274.50", "274.52", "274.51"),
		quote(1, "274.50", "274.52", "274.52"))
	rt, rep := f.run(t)
	require.NoError(t, script.err)

	require.Len(t, rep.Orders, 1)
	o := rep.Orders[0]
	assert.Equal(t, domain.OrderStateFilled, o.State())
	assert.Equal(t, domain.DirectionBuy, o.Direction)
	assert.Equal(t, domain.OffsetOpen, o.Offset)
	assert.Equal(t, px("274.52"), o.AvgFillPrice)
	assert.Equal(t, []tradlet.PlaybookState{tradlet.PlaybookOpening, tradlet.PlaybookOpened}, script.states)

	pos, ok := rt.Account().Position(au1906)
	require.True(t, ok)
	assert.Equal(t, int64(1), pos.LongToday)
	assert.Equal(t, px("27452"), pos.LongMargin)

	assert.Equal(t, px("27452"), rep.Money.CurrMargin)
	assert.Equal(t, px("10"), rep.Money.Commission)
	assert.Equal(t, px("999990"), rep.Money.Balance)
	assert.Equal(t, px("972538"), rep.Money.Available)
	assert.Zero(t, rt.Session().Resting())

	// The ledger carries the position into the next day as yesterday's.
	ledger := f.env.Ledger
	require.Len(t, ledger.Positions, 1)
	assert.Equal(t, int64(1), ledger.Positions[0].LongYesterday)
	assert.Zero(t, ledger.Positions[0].LongToday)
	assert.Equal(t, px("999990"), ledger.Money.Balance)
}

func TestStopLossClosesOpenedPlaybook(t *testing.T) {
	script := &scripted{onTick: func(s *scripted, _ *domain.Tick) {
		s.open(tradlet.PlaybookBuilder{
			Instrument:    au1906,
			OpenDirection: domain.PosLong,
			OpenPrice:     px("274.52"),
			OpenVolume:    1,
			StopLoss:      px("274.40"),
		})
	}}
	f := newFixture(t, script,
		quote(0, "274.50", "274.52", "274.51"),
		quote(1, "274.38", "274.40", "274.39"),
		quote(2, "274.36", "274.38", "274.37"))
	rt, rep := f.run(t)
	require.NoError(t, script.err)

	assert.Equal(t, []tradlet.PlaybookState{
		tradlet.PlaybookOpening, tradlet.PlaybookOpened, tradlet.PlaybookClosing, tradlet.PlaybookClosed,
	}, script.states)
	require.Len(t, rep.Orders, 2)
	closeOrder := rep.Orders[1]
	assert.Equal(t, domain.DirectionSell, closeOrder.Direction)
	assert.Equal(t, domain.OffsetCloseToday, closeOrder.Offset)
	assert.Equal(t, px("274.38"), closeOrder.LimitPrice)
	assert.Equal(t, domain.OrderStateFilled, closeOrder.State())
	assert.Equal(t, tradlet.ActionStopLoss, script.pb.StateTuple.Action)

	assert.Equal(t, -px("140"), rep.Money.CloseProfit)
	assert.Zero(t, rep.Money.CurrMargin)
	pos, ok := rt.Account().Position(au1906)
	if ok {
		assert.Zero(t, pos.Volume(domain.PosLong))
	}
	assert.Empty(t, f.env.Ledger.Positions)
}

func TestClosingOpeningPlaybookCancelsRestingOrder(t *testing.T) {
	closed := false
	script := &scripted{}
	script.onTick = func(s *scripted, _ *domain.Tick) {
		if s.pb == nil {
			s.open(tradlet.PlaybookBuilder{
				Instrument:    au1906,
				OpenDirection: domain.PosLong,
				OpenPrice:     px("274.00"),
				OpenVolume:    1,
			})
			return
		}
		if !closed && s.pb.State() == tradlet.PlaybookOpening {
			closed = true
			s.seen = s.ctx.Account().Orders()[0].State()
			_, s.err = s.ctx.ClosePlaybook(s.pb, tradlet.CloseRequest{ActionID: "manual"})
		}
	}
	f := newFixture(t, script,
		quote(0, "274.50", "274.52", "274.51"),
		quote(1, "274.50", "274.52", "274.51"))
	rt, rep := f.run(t)
	require.NoError(t, script.err)

	assert.True(t, script.seen.IsRevocable(), "order was %s before the close", script.seen)
	assert.Equal(t, []tradlet.PlaybookState{tradlet.PlaybookOpening, tradlet.PlaybookCanceled}, script.states)
	require.Len(t, rep.Orders, 1)
	assert.Equal(t, domain.OrderStateCancelled, rep.Orders[0].State())
	assert.Zero(t, rep.Money.FrozenMargin)
	assert.Zero(t, rep.Money.FrozenCommission)
	assert.Equal(t, rep.Money.Balance, rep.Money.Available)
	_, ok := rt.Account().Position(au1906)
	assert.False(t, ok)
}

func TestRestingOrdersCancelledAtClose(t *testing.T) {
	script := &scripted{onTick: func(s *scripted, _ *domain.Tick) {
		s.open(tradlet.PlaybookBuilder{
			Instrument:    au1906,
			OpenDirection: domain.PosShort,
			OpenPrice:     px("275.00"),
			OpenVolume:    2,
		})
	}}
	f := newFixture(t, script, quote(0, "274.50", "274.52", "274.51"))
	rt, err := NewRuntime(context.Background(), day, f.setup, f.env)
	require.NoError(t, err)
	require.NoError(t, rt.Run(context.Background()))
	require.NoError(t, script.err)
	assert.Equal(t, 1, rt.Session().Resting())

	rep := rt.Close()
	require.Len(t, rep.Orders, 1)
	assert.Equal(t, domain.OrderStateCancelled, rep.Orders[0].State())
	assert.Zero(t, rt.Session().Resting())
	assert.Equal(t, tradlet.PlaybookCanceled, script.pb.State())
}

// sawtooth writes ten-second ticks for forty minutes whose price climbs and
// falls every four minutes.
func sawtooth() []domain.Tick {
	var ticks []domain.Tick
	base := time.Date(2018, 12, 28, 9, 0, 0, 0, util.ChinaLocation)
	step := px("0.2")
	spread := px("0.02")
	for m := 0; m < 40; m++ {
		phase := m % 8
		if phase > 4 {
			phase = 8 - phase
		}
		last := px("274") + step.Mul(int64(phase))
		for s := 0; s < 60; s += 10 {
			ticks = append(ticks, domain.Tick{
				Instrument: au1906,
				Time:       base.Add(time.Duration(m)*time.Minute + time.Duration(s)*time.Second),
				TradingDay: "20181228",
				LastPrice:  last,
				Bids:       []domain.PriceLevel{{Price: last - spread, Volume: 5}},
				Asks:       []domain.PriceLevel{{Price: last + spread, Volume: 5}},
				Volume:     int64(m*6 + s/10),
			})
		}
	}
	return ticks
}

type orderSig struct {
	Ref       string
	Direction domain.OrderDirection
	Offset    domain.OrderOffset
	Limit     domain.Price
	Filled    int64
	AvgPrice  domain.Price
	State     domain.OrderState
}

func signatures(orders []*domain.Order) map[string]orderSig {
	out := make(map[string]orderSig, len(orders))
	for _, o := range orders {
		out[o.Ref] = orderSig{o.Ref, o.Direction, o.Offset, o.LimitPrice, o.FilledVolume, o.AvgFillPrice, o.State()}
	}
	return out
}

func TestEvaluationIsRepeatable(t *testing.T) {
	ticks := sawtooth()
	run := func() DayReport {
		f := newFixture(t, nil, ticks...)
		f.setup.Groups[0].Tradlets = []tradlet.TradletSpec{{
			Name:   builtins.SMACrossName,
			Params: map[string]string{"short": "2", "long": "3", "volume": "1"},
		}}
		reports, err := NewEvaluator(f.setup, f.env).Run(context.Background(), day, day)
		require.NoError(t, err)
		require.Len(t, reports, 1)
		return reports[0]
	}
	first, second := run(), run()
	require.NotEmpty(t, first.Orders)
	assert.Equal(t, len(ticks), first.Ticks)
	assert.Equal(t, signatures(first.Orders), signatures(second.Orders))
	assert.Equal(t, first.Money, second.Money)
	assert.Len(t, second.Playbooks, len(first.Playbooks))
}

func TestEvaluatorSkipsNonMarketDays(t *testing.T) {
	f := newFixture(t, nil, quote(0, "274.50", "274.52", "274.51"))
	saturday := time.Date(2018, 12, 29, 0, 0, 0, 0, util.ChinaLocation)
	sunday := saturday.AddDate(0, 0, 1)
	reports, err := NewEvaluator(f.setup, f.env).Run(context.Background(), saturday, sunday)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestMarketTimeSteps(t *testing.T) {
	at := func(sec, ms int) time.Time {
		return time.Date(2018, 12, 28, 9, 0, sec, ms*1e6, util.ChinaLocation)
	}
	mt := NewMarketTime(day, []util.TimeRange{
		{Begin: at(0, 0), End: at(3, 0)},
		{Begin: at(10, 0), End: at(12, 0)},
	})
	event := at(1, 250)
	mt.SetNextEvent(func() (time.Time, bool) {
		if mt.Now().Before(event) {
			return event, true
		}
		return time.Time{}, false
	})
	var got []time.Time
	for mt.NextTimePiece() {
		got = append(got, mt.Now())
	}
	assert.Equal(t, []time.Time{at(0, 0), at(1, 0), at(1, 250), at(2, 0), at(3, 0), at(10, 0), at(11, 0), at(12, 0)}, got)
	assert.Equal(t, at(12, 0), mt.Now())
	assert.False(t, mt.NextTimePiece())
}

func TestTicksAtSessionCloseAreDelivered(t *testing.T) {
	at := func(h, m, sec, ms int) domain.Tick {
		tk := quote(0, "274.50", "274.52", "274.52")
		tk.Time = time.Date(2018, 12, 28, h, m, sec, ms*1e6, util.ChinaLocation)
		return tk
	}
	ticks := []domain.Tick{at(9, 0, 0, 500), at(10, 15, 0, 0), at(14, 59, 59, 500), at(15, 0, 0, 0)}
	type seen struct{ tick, now time.Time }
	var got []seen
	script := &scripted{onTick: func(s *scripted, tk *domain.Tick) {
		got = append(got, seen{tk.Time, s.ctx.Now()})
	}}
	f := newFixture(t, script, ticks...)
	rt, rep := f.run(t)

	assert.Equal(t, 4, rep.Ticks)
	require.Len(t, got, 4)
	for i, g := range got {
		assert.Equal(t, ticks[i].Time, g.tick)
		assert.Equal(t, ticks[i].Time, g.now, "tick %d delivered late", i)
	}
	assert.Equal(t, ticks[3].Time, rt.Clock().Now())
}

func TestTradingRangesCoverNightSession(t *testing.T) {
	ranges := TradingRanges(util.NewTradingCalendar(util.ChinaLocation), []domain.Instrument{au1906}, day)
	require.NotEmpty(t, ranges)
	first := ranges[0].Begin
	assert.Equal(t, 27, first.Day())
	assert.Equal(t, 21, first.Hour())
	for i := 1; i < len(ranges); i++ {
		assert.False(t, ranges[i].Begin.Before(ranges[i-1].End))
	}
}

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time        { return c.now }
func (c *stepClock) TradingDay() time.Time { return day }
func (c *stepClock) Mode() mtime.Mode      { return mtime.ModeSimulator }

func TestSchedulerRunsDueTasksInOrder(t *testing.T) {
	start := time.Date(2018, 12, 28, 9, 0, 0, 0, util.ChinaLocation)
	clock := &stepClock{now: start}
	s := NewScheduler(clock)
	var ran []string
	s.AfterFunc(2*time.Second, func() { ran = append(ran, "after") })
	cancel := s.AfterFunc(time.Second, func() { ran = append(ran, "cancelled") })
	every := 0
	s.Every(time.Second, func() { every++ })
	cancel()

	assert.Equal(t, 0, s.RunDue(start))
	assert.Equal(t, 1, s.RunDue(start.Add(time.Second)))
	assert.Equal(t, 2, s.RunDue(start.Add(2*time.Second)))
	assert.Equal(t, []string{"after"}, ran)
	assert.Equal(t, 2, every)

	// A jump of ten seconds runs the ticker once.
	assert.Equal(t, 1, s.RunDue(start.Add(12*time.Second)))
	assert.Equal(t, 3, every)
	assert.Equal(t, 1, s.Pending())
}

type trackerLog struct {
	states []domain.OrderState
}

func (l *trackerLog) ChangeOrderState(o *domain.Order, next domain.StateTuple) {
	o.ChangeState(next)
	l.states = append(l.states, next.State)
}

func (l *trackerLog) RestoreWorkingState(*domain.Order) {}

func newSession(t *testing.T) (*TxnSession, *bus.Serial, *[]broker.Event) {
	clock := &stepClock{now: time.Date(2018, 12, 28, 9, 0, 1, 0, util.ChinaLocation)}
	exec := bus.NewSerial(zaptest.NewLogger(t))
	var events []broker.Event
	sink := func(_ string, ev broker.Event) { events = append(events, ev) }
	s := NewTxnSession("sim", clock, exec, sink, NewLedger(px("1000000"), auFees()), zaptest.NewLogger(t))
	require.NoError(t, s.Connect())
	return s, exec, &events
}

func limitOrder(ref string, dir domain.OrderDirection, price string) *domain.Order {
	return &domain.Order{
		Ref:        ref,
		Instrument: au1906,
		Direction:  dir,
		Offset:     domain.OffsetOpen,
		PriceType:  domain.PriceTypeLimit,
		LimitPrice: px(price),
		Volume:     2,
	}
}

func kinds(events []broker.Event) []broker.EventKind {
	out := make([]broker.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestSessionMatchesCrossingLimit(t *testing.T) {
	s, exec, events := newSession(t)
	tick := quote(0, "274.50", "274.52", "274.51")
	s.OnTick(&tick)
	tracker := &trackerLog{}
	require.NoError(t, s.SubmitOrder(limitOrder("1", domain.DirectionBuy, "274.60"), tracker))
	exec.Drain()

	assert.Equal(t, []domain.OrderState{domain.OrderStateSubmitting, domain.OrderStateSubmitted}, tracker.states)
	assert.Equal(t, []broker.EventKind{broker.EventRtnOrder, broker.EventRtnTrade, broker.EventRtnOrder}, kinds(*events))
	tr := (*events)[1].Trade
	assert.InDelta(t, 274.52, tr.Price, 1e-9)
	assert.Equal(t, 2, tr.Volume)
	last := (*events)[2].Order
	assert.Equal(t, byte(broker.OrderStatusAllTraded), byte(last.OrderStatus))
	assert.Zero(t, s.Resting())

	orders, trades, err := s.SyncQueryOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Len(t, trades, 1)
}

func TestSessionRestsThenFillsOnLaterTick(t *testing.T) {
	s, exec, events := newSession(t)
	first := quote(0, "274.50", "274.52", "274.51")
	s.OnTick(&first)
	require.NoError(t, s.SubmitOrder(limitOrder("1", domain.DirectionSell, "274.60"), &trackerLog{}))
	exec.Drain()
	assert.Equal(t, 1, s.Resting())
	assert.Equal(t, []broker.EventKind{broker.EventRtnOrder}, kinds(*events))

	second := quote(1, "274.62", "274.64", "274.63")
	s.OnTick(&second)
	exec.Drain()
	assert.Zero(t, s.Resting())
	require.Len(t, *events, 3)
	assert.InDelta(t, 274.62, (*events)[1].Trade.Price, 1e-9)
}

func TestSessionCancel(t *testing.T) {
	s, exec, events := newSession(t)
	o := limitOrder("1", domain.DirectionBuy, "274.00")
	require.NoError(t, s.SubmitOrder(o, &trackerLog{}))
	tracker := &trackerLog{}
	require.NoError(t, s.CancelOrder(o, tracker))
	exec.Drain()
	assert.Equal(t, []domain.OrderState{domain.OrderStateCancelling}, tracker.states)
	require.Len(t, *events, 2)
	assert.Equal(t, byte(broker.OrderStatusCanceled), byte((*events)[1].Order.OrderStatus))

	// A second cancel finds nothing to cancel.
	require.NoError(t, s.CancelOrder(o, &trackerLog{}))
	exec.Drain()
	require.Len(t, *events, 3)
	last := (*events)[2]
	assert.Equal(t, broker.EventErrRtnOrderAction, last.Kind)
	assert.True(t, last.RspInfo.Failed())
	assert.Equal(t, "1", last.Action.OrderRef)
}

func TestSessionRefusesOrdersWhenDisconnected(t *testing.T) {
	s, _, _ := newSession(t)
	require.NoError(t, s.Close())
	o := limitOrder("1", domain.DirectionBuy, "274.00")
	tracker := &trackerLog{}
	err := s.SubmitOrder(o, tracker)
	assert.ErrorIs(t, err, domain.ErrSendOrderFailed)
	assert.Equal(t, domain.OrderStateFailed, o.State())
}

func TestLedgerSettle(t *testing.T) {
	l := NewLedger(px("1000000"), nil)
	l.Settle(domain.AccountMoney{
		Balance:        px("1000500"),
		CurrMargin:     px("27452"),
		Commission:     px("10"),
		CloseProfit:    px("200"),
		PositionProfit: px("310"),
		FrozenMargin:   px("100"),
	}, []*domain.Position{
		{Instrument: au1906, LongToday: 1, LongYesterday: 2, LongFrozen: 1, CloseProfit: px("200"),
			Lots: []domain.PositionLot{{Direction: domain.PosLong, Volume: 1, Today: true}}},
		{Instrument: domain.MustParseInstrument("SHFE.cu1903")},
	})
	assert.Equal(t, px("1000500"), l.Money.Balance)
	assert.Equal(t, px("27452"), l.Money.PreMargin)
	assert.Equal(t, px("1000500")-px("27452"), l.Money.Available)
	assert.Zero(t, l.Money.Commission)
	assert.Zero(t, l.Money.CloseProfit)
	assert.Zero(t, l.Money.FrozenMargin)

	require.Len(t, l.Positions, 1)
	p := l.Positions[0]
	assert.Equal(t, int64(3), p.LongYesterday)
	assert.Zero(t, p.LongToday)
	assert.Zero(t, p.LongFrozen)
	assert.Zero(t, p.CloseProfit)
	assert.False(t, p.Lots[0].Today)
}

func TestFeesFromConfig(t *testing.T) {
	cu := domain.MustParseInstrument("SHFE.cu1903")
	table, err := FeesFromConfig([]config.FeeConfig{
		{Instrument: "au", PriceTick: "0.02", VolumeMultiple: 1000, MarginRatio: 0.08, CommissionByVolume: 10},
		{Instrument: "SHFE.au1906", PriceTick: "0.05", VolumeMultiple: 1000, MarginRatio: 0.12},
		{Instrument: "cu", VolumeMultiple: 5, CommissionByMoney: 0.00005},
	}, []domain.Instrument{au1906, domain.MustParseInstrument("SHFE.au1912"), cu})
	require.NoError(t, err)

	au := table.Infos[au1906]
	assert.Equal(t, 0.12, au.LongMarginByMoney)
	assert.Equal(t, px("0.05"), au.PriceTick)
	au12 := table.Infos[domain.MustParseInstrument("SHFE.au1912")]
	assert.Equal(t, 0.08, au12.ShortMarginByMoney)
	assert.Equal(t, 10.0, au12.CloseTodayByVolume)
	assert.Equal(t, int64(5), table.Infos[cu].VolumeMultiple)
	assert.Equal(t, 0.00005, table.Infos[cu].OpenByMoney)

	_, err = FeesFromConfig([]config.FeeConfig{{Instrument: "au", PriceTick: "x"}}, nil)
	assert.Error(t, err)
}

func TestWriteReport(t *testing.T) {
	o := &domain.Order{
		Ref:        "7",
		Direction:  domain.DirectionBuy,
		Offset:     domain.OffsetOpen,
		LimitPrice: px("274.52"),
		Volume:     1,
		StateTuple: domain.NewStateTuple(domain.OrderStateFilled, domain.SubmitStateIdle,
			time.Date(2018, 12, 28, 9, 0, 1, 0, util.ChinaLocation)),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, []DayReport{{
		TradingDay: "20181228",
		Orders:     []*domain.Order{o},
		Money:      domain.AccountMoney{Balance: px("999990"), CurrMargin: px("27452"), Commission: px("10")},
	}}))
	out := buf.String()
	assert.Contains(t, out, "--- trading day 20181228 ---")
	assert.Contains(t, out, "20181228 09:00:01")
	assert.Contains(t, out, "Filled")
	assert.Contains(t, out, "balance: 999990")
}
