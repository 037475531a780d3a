package trade

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"trader/internal/broker"
	"trader/internal/bus"
	"trader/internal/domain"
	"trader/internal/mtime"
	"trader/internal/util"
)

var au = domain.MustParseInstrument("SHFE.au1906")

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
	cal *util.TradingCalendar
}

func newFixedClock(t time.Time) *fixedClock {
	return &fixedClock{now: t, cal: util.NewTradingCalendar(util.ChinaLocation)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) TradingDay() time.Time { return c.cal.TradingDay(c.Now()) }
func (c *fixedClock) Mode() mtime.Mode      { return mtime.ModeRealTime }

// stateRecorder collects the order states an account reports.
type stateRecorder struct {
	mu     sync.Mutex
	states map[string][]domain.OrderState
	txns   []domain.Transaction
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{states: make(map[string][]domain.OrderState)}
}

func (r *stateRecorder) OnOrder(_ string, o *domain.Order, _ domain.StateTuple) {
	r.mu.Lock()
	r.states[o.ID] = append(r.states[o.ID], o.State())
	r.mu.Unlock()
}

func (r *stateRecorder) OnTransaction(_ string, _ *domain.Order, txn domain.Transaction) {
	r.mu.Lock()
	r.txns = append(r.txns, txn)
	r.mu.Unlock()
}

func (r *stateRecorder) history(id string) []domain.OrderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.OrderState(nil), r.states[id]...)
}

type harness struct {
	clock    *fixedClock
	paper    *broker.Paper
	exec     *bus.Ordered
	service  *Service
	session  *Session
	account  *Account
	recorder *stateRecorder
}

func newHarness(t *testing.T, cfg SessionConfig, opts ...AccountOption) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clock := newFixedClock(time.Date(2019, 3, 4, 10, 0, 0, 0, util.ChinaLocation))

	paper := broker.NewPaper(logger)
	paper.SetClock(clock.Now)
	paper.SetBalance(1_000_000)
	paper.AddInstrument(
		broker.InstrumentField{InstrumentID: "au1906", ExchangeID: "SHFE", ProductID: "au", PriceTick: 0.05, VolumeMultiple: 1000, IsTrading: true},
		broker.MarginRate{LongMarginRatioByMoney: 0.1, ShortMarginRatioByMoney: 0.1},
		broker.CommissionRate{OpenRatioByVolume: 10, CloseRatioByVolume: 10},
	)
	t.Cleanup(paper.Shutdown)

	exec := bus.NewOrdered(0, logger)
	t.Cleanup(exec.Close)
	sched := mtime.NewLiveScheduler()
	t.Cleanup(sched.Close)

	svc := NewService(mtime.ModeRealTime, sched, util.Backoff{Attempts: 5, Base: 10 * time.Millisecond}, logger)
	if cfg.AccountID == "" {
		cfg.AccountID = "acc1"
	}
	cfg.FrontURL = "tcp://paper"
	cfg.ConfirmEmptySettlement = true
	sess := NewSession(cfg, paper, exec, clock, nil, svc.Dispatch, logger)
	acct := NewAccount(cfg.AccountID, sess, clock, logger, opts...)
	rec := newStateRecorder()
	acct.AddListener(rec)
	svc.AddAccount(acct)
	return &harness{clock: clock, paper: paper, exec: exec, service: svc, session: sess, account: acct, recorder: rec}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.service.Start(ctx))
	t.Cleanup(h.service.Stop)
}

// bringUp connects and bootstraps without the service, so nothing
// reconnects behind the test's back.
func (h *harness) bringUp(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.session.Connect())
	require.NoError(t, h.session.WaitState(ctx, ConnConnected))
	require.NoError(t, h.account.Bootstrap(ctx))
}

func (h *harness) waitOrder(t *testing.T, id string, want domain.OrderState) *domain.Order {
	t.Helper()
	var last *domain.Order
	require.Eventually(t, func() bool {
		o, ok := h.account.Order(id)
		last = o
		return ok && o.State() == want
	}, 2*time.Second, 5*time.Millisecond, "order %s never reached %s", id, want)
	return last
}

func openRequest(price string, vol int64) OrderRequest {
	return OrderRequest{
		Instrument: au,
		Direction:  domain.DirectionBuy,
		Offset:     domain.OffsetOpen,
		PriceType:  domain.PriceTypeLimit,
		LimitPrice: domain.MustParsePrice(price),
		Volume:     vol,
	}
}

func TestSessionConnectsAndBootstraps(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.paper.SetSettlement([]byte("settlement "), []byte("statement"))
	h.start(t)

	assert.Equal(t, ConnConnected, h.session.State())
	assert.True(t, h.paper.FlowControl())
	assert.Equal(t, "20190304", domain.FormatDay(h.session.TradingDay()))
	assert.Equal(t, "settlement statement", h.account.Settlement())
	assert.Equal(t, domain.MustParsePrice("1000000"), h.account.Money().Available)

	info, ok := h.account.Fees().Info(au)
	require.True(t, ok)
	assert.Equal(t, int64(1000), info.VolumeMultiple)
	assert.InDelta(t, 0.1, info.LongMarginByMoney, 1e-9)
}

func TestSessionAuthenticateFailure(t *testing.T) {
	h := newHarness(t, SessionConfig{AuthCode: "bad"})
	require.NoError(t, h.session.Connect())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.session.WaitState(ctx, ConnConnected)
	require.ErrorIs(t, err, domain.ErrAuthFailed)
	assert.Equal(t, ConnConnectFailed, h.session.State())
}

func TestSessionClockSkewIsFatal(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.paper.SetClock(func() time.Time { return h.clock.Now().Add(5 * time.Second) })
	require.NoError(t, h.session.Connect())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.ErrorIs(t, h.session.WaitState(ctx, ConnConnected), domain.ErrClockSkew)
}

func TestSyncCallTimesOut(t *testing.T) {
	s := &Session{cfg: SessionConfig{SyncTimeout: 20 * time.Millisecond}}
	_, err := syncCall(context.Background(), s, "slow query", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return 1, nil
	})
	require.ErrorIs(t, err, domain.ErrBrokerTimeout)
}

func TestDecodeSettlementAcrossFragments(t *testing.T) {
	// "结算单" in GBK, split inside the second character.
	gbk := []byte{0xbd, 0xe1, 0xcb, 0xe3, 0xb5, 0xa5}
	text, err := decodeSettlement([]broker.SettlementInfo{
		{SequenceNo: 2, Content: gbk[3:]},
		{SequenceNo: 1, Content: gbk[:3]},
	})
	require.NoError(t, err)
	assert.Equal(t, "结算单", text)
}

func TestOrderLifecycleOpenAndClose(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.start(t)

	o, err := h.account.CreateOrder(context.Background(), openRequest("300", 2))
	require.NoError(t, err)
	filled := h.waitOrder(t, o.ID, domain.OrderStateFilled)
	assert.Equal(t, filled.Volume, filled.FilledVolume)
	assert.Equal(t, domain.MustParsePrice("300"), filled.AvgFillPrice)

	pos, ok := h.account.Position(au)
	require.True(t, ok)
	assert.Equal(t, int64(2), pos.LongToday)
	assert.Equal(t, domain.PosLong, pos.Direction)

	money := h.account.Money()
	assert.Equal(t, domain.MustParsePrice("60000"), money.CurrMargin)
	assert.Equal(t, domain.MustParsePrice("939980"), money.Available)
	assert.Equal(t, domain.Price(0), money.FrozenMargin)

	closeReq := OrderRequest{
		Instrument: au,
		Direction:  domain.DirectionSell,
		Offset:     domain.OffsetCloseToday,
		LimitPrice: domain.MustParsePrice("310"),
		Volume:     1,
	}
	c, err := h.account.CreateOrder(context.Background(), closeReq)
	require.NoError(t, err)
	h.waitOrder(t, c.ID, domain.OrderStateFilled)

	require.Eventually(t, func() bool {
		p, _ := h.account.Position(au)
		return p.LongToday == 1
	}, time.Second, 5*time.Millisecond)
	money = h.account.Money()
	assert.Equal(t, domain.MustParsePrice("10000"), money.CloseProfit)
	assert.Equal(t, domain.MustParsePrice("30000"), money.CurrMargin)
	assert.Equal(t, domain.MustParsePrice("1009980"), money.Balance)

	for _, id := range []string{o.ID, c.ID} {
		hist := h.recorder.history(id)
		require.NotEmpty(t, hist)
		assert.Equal(t, domain.OrderStateFilled, hist[len(hist)-1])
	}
}

func TestCreateOrderRefusals(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.start(t)
	ctx := context.Background()

	_, err := h.account.CreateOrder(ctx, OrderRequest{Instrument: domain.NewInstrument(domain.ExchangeSHFE, "au"), Direction: domain.DirectionBuy, Offset: domain.OffsetOpen, Volume: 1})
	require.ErrorIs(t, err, domain.ErrInvalidInstrument)

	_, err = h.account.CreateOrder(ctx, openRequest("300", 100))
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	_, err = h.account.CreateOrder(ctx, OrderRequest{Instrument: au, Direction: domain.DirectionSell, Offset: domain.OffsetClose, LimitPrice: domain.MustParsePrice("300"), Volume: 1})
	require.ErrorIs(t, err, ErrInsufficientPosition)
	assert.Empty(t, h.account.Orders())
}

func TestCancelRestingOrder(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.paper.SetQueueOrders(true)
	h.start(t)

	o, err := h.account.CreateOrder(context.Background(), openRequest("300", 1))
	require.NoError(t, err)
	h.waitOrder(t, o.ID, domain.OrderStateAccepted)
	assert.Equal(t, domain.MustParsePrice("30000"), h.account.Money().FrozenMargin)

	require.NoError(t, h.account.CancelOrder(o.ID))
	h.waitOrder(t, o.ID, domain.OrderStateCancelled)
	assert.Equal(t, domain.Price(0), h.account.Money().FrozenMargin)
	assert.Equal(t, domain.MustParsePrice("1000000"), h.account.Money().Available)

	require.ErrorIs(t, h.account.CancelOrder(o.ID), domain.ErrCancelOrderFailed)
	require.ErrorIs(t, h.account.CancelOrder("odr_missing"), domain.ErrOrderNotFound)
}

func TestCancelRejectRestoresWorkingState(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.paper.SetQueueOrders(true)
	h.start(t)

	o, err := h.account.CreateOrder(context.Background(), openRequest("300", 1))
	require.NoError(t, err)
	h.waitOrder(t, o.ID, domain.OrderStateAccepted)

	h.account.HandleBrokerEvent(broker.Event{
		Kind:    broker.EventErrRtnOrderAction,
		RspInfo: &broker.RspInfo{ErrorID: 26, ErrorMsg: "not cancellable"},
		Action:  &broker.InputOrderAction{OrderRef: o.Ref},
	})
	got, _ := h.account.Order(o.ID)
	assert.Equal(t, domain.OrderStateAccepted, got.State())

	// A cancel in flight that the broker rejects comes back as well.
	live := h.account.orders[o.ID]
	h.account.ChangeOrderState(live, domain.NewStateTuple(domain.OrderStateCancelling, domain.SubmitStateCancelSubmitting, h.clock.Now()))
	h.account.HandleBrokerEvent(broker.Event{
		Kind:    broker.EventErrRtnOrderAction,
		RspInfo: &broker.RspInfo{ErrorID: 26, ErrorMsg: "not cancellable"},
		Action:  &broker.InputOrderAction{OrderRef: o.Ref},
	})
	got, _ = h.account.Order(o.ID)
	assert.Equal(t, domain.OrderStateAccepted, got.State())
	assert.Equal(t, domain.SubmitStateIdle, got.StateTuple.SubmitState)
}

func TestForeignSessionReturnsIgnored(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.paper.SetQueueOrders(true)
	h.start(t)

	o, err := h.account.CreateOrder(context.Background(), openRequest("300", 1))
	require.NoError(t, err)
	h.waitOrder(t, o.ID, domain.OrderStateAccepted)

	h.paper.EmitForeignOrder(broker.OrderField{
		OrderRef:          o.Ref,
		FrontID:           9,
		SessionID:         77,
		OrderStatus:       broker.OrderStatusCanceled,
		OrderSubmitStatus: broker.SubmitStatusAccepted,
	})
	// A later own return proves the foreign one was delivered and dropped.
	require.NoError(t, h.paper.Fill(o.Ref, 300, 1))
	got := h.waitOrder(t, o.ID, domain.OrderStateFilled)
	for _, s := range h.recorder.history(got.ID) {
		assert.NotEqual(t, domain.OrderStateCancelled, s)
	}
}

func TestOrderStatesNeverRegress(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.paper.SetQueueOrders(true)
	h.start(t)

	o, err := h.account.CreateOrder(context.Background(), openRequest("300", 3))
	require.NoError(t, err)
	h.waitOrder(t, o.ID, domain.OrderStateAccepted)
	require.NoError(t, h.paper.Fill(o.Ref, 300, 1))
	h.waitOrder(t, o.ID, domain.OrderStatePartiallyFilled)
	require.NoError(t, h.paper.Fill(o.Ref, 301, 2))
	got := h.waitOrder(t, o.ID, domain.OrderStateFilled)
	assert.Len(t, got.Transactions, 2)

	rank := map[domain.OrderState]int{
		domain.OrderStateNew: 0, domain.OrderStateSubmitting: 1, domain.OrderStateSubmitted: 2,
		domain.OrderStateAccepted: 3, domain.OrderStatePartiallyFilled: 4, domain.OrderStateFilled: 6,
	}
	hist := h.recorder.history(o.ID)
	for i := 1; i < len(hist); i++ {
		assert.GreaterOrEqual(t, rank[hist[i]], rank[hist[i-1]], "history %v", hist)
	}
}

func TestReconnectReconcilesOrders(t *testing.T) {
	for _, policy := range []ReconcilePolicy{ReconcileReinstate, ReconcileLost} {
		t.Run(string(policy), func(t *testing.T) {
			h := newHarness(t, SessionConfig{}, WithReconcilePolicy(policy))
			h.paper.SetQueueOrders(true)
			h.bringUp(t)
			ctx := context.Background()

			first, err := h.account.CreateOrder(ctx, openRequest("300", 1))
			require.NoError(t, err)
			second, err := h.account.CreateOrder(ctx, openRequest("299", 1))
			require.NoError(t, err)
			h.waitOrder(t, first.ID, domain.OrderStateAccepted)
			h.waitOrder(t, second.ID, domain.OrderStateAccepted)
			firstSession := h.paper.SessionID()

			h.paper.Disconnect()
			require.Eventually(t, func() bool { return h.session.State() == ConnDisconnected },
				time.Second, 5*time.Millisecond)
			// Filled while the link was down; the broker's books show it.
			require.NoError(t, h.paper.Fill(first.Ref, 300, 1))
			h.paper.SetPositions(
				[]broker.InvestorPosition{{InstrumentID: "au1906", ExchangeID: "SHFE", PosiDirection: broker.PosiDirectionLong, Position: 1, TodayPosition: 1, UseMargin: 30000}},
				[]broker.PositionDetail{{InstrumentID: "au1906", ExchangeID: "SHFE", Direction: broker.DirectionBuy, OpenDate: "20190304", Volume: 1, OpenPrice: 300, Margin: 30000, ExchMargin: 30000}},
			)
			o, _ := h.account.Order(first.ID)
			assert.Equal(t, domain.OrderStateAccepted, o.State())

			h.bringUp(t)
			assert.Greater(t, h.paper.SessionID(), firstSession)

			o, _ = h.account.Order(first.ID)
			assert.Equal(t, domain.OrderStateFilled, o.State())
			assert.Equal(t, int64(1), o.FilledVolume)

			pending := h.account.PendingOrders()
			require.Len(t, pending, 1)
			assert.Equal(t, second.ID, pending[0].ID)
			assert.Equal(t, domain.OrderStateAccepted, pending[0].State())

			pos, ok := h.account.Position(au)
			require.True(t, ok)
			assert.Equal(t, int64(1), pos.Volume(domain.PosLong))

			// Returns for orders of the earlier login still apply.
			require.NoError(t, h.paper.Fill(second.Ref, 299, 1))
			h.waitOrder(t, second.ID, domain.OrderStateFilled)
		})
	}
}

func TestServiceReconnectsDroppedSession(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.start(t)
	first := h.paper.SessionID()

	h.paper.Disconnect()
	require.Eventually(t, func() bool {
		return h.paper.SessionID() > first && h.session.State() == ConnConnected
	}, 3*time.Second, 10*time.Millisecond)
}

func TestReconcilePolicyLostFailsUnknownOrders(t *testing.T) {
	h := newHarness(t, SessionConfig{}, WithReconcilePolicy(ReconcileLost))
	h.paper.SetQueueOrders(true)
	h.start(t)

	o, err := h.account.CreateOrder(context.Background(), openRequest("300", 1))
	require.NoError(t, err)
	h.waitOrder(t, o.ID, domain.OrderStateAccepted)

	// The broker no longer knows the order.
	h.account.Reconcile(nil, nil)
	got, _ := h.account.Order(o.ID)
	assert.Equal(t, domain.OrderStateFailed, got.State())
	assert.Equal(t, domain.Price(0), h.account.Money().FrozenMargin)
}

func TestReconcileSynthesizesMissingFill(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.paper.SetQueueOrders(true)
	h.start(t)

	o, err := h.account.CreateOrder(context.Background(), openRequest("300", 2))
	require.NoError(t, err)
	h.waitOrder(t, o.ID, domain.OrderStateAccepted)

	front, sess := h.session.SessionIDs()
	h.account.Reconcile([]broker.OrderField{{
		OrderRef: o.Ref, ExchangeID: "SHFE", InstrumentID: "au1906", FrontID: front, SessionID: sess,
		Direction: broker.DirectionBuy, CombOffsetFlag: broker.OffsetOpen, LimitPrice: 300,
		VolumeTotalOriginal: 2, VolumeTraded: 2, OrderStatus: broker.OrderStatusAllTraded,
	}}, nil)
	got, _ := h.account.Order(o.ID)
	assert.Equal(t, domain.OrderStateFilled, got.State())
	assert.Equal(t, int64(2), got.FilledVolume)
	require.Len(t, got.Transactions, 1)
	assert.Equal(t, "recon-"+o.Ref, got.Transactions[0].ID)
}

func TestSyncQueryPositionsMergesDetails(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.paper.SetPositions(
		[]broker.InvestorPosition{
			{InstrumentID: "au1906", ExchangeID: "SHFE", PosiDirection: broker.PosiDirectionLong, Position: 3, TodayPosition: 1, UseMargin: 99000, ExchangeMargin: 90000},
			{InstrumentID: "rb1905", ExchangeID: "SHFE", PosiDirection: broker.PosiDirectionShort, Position: 2, TodayPosition: 0, UseMargin: 8000, OpenCost: 70000},
		},
		[]broker.PositionDetail{
			{InstrumentID: "au1906", ExchangeID: "SHFE", Direction: broker.DirectionBuy, OpenDate: "20190301", Volume: 2, OpenPrice: 298, Margin: 66000, ExchMargin: 60000},
			{InstrumentID: "au1906", ExchangeID: "SHFE", Direction: broker.DirectionBuy, OpenDate: "20190304", Volume: 1, OpenPrice: 300, Margin: 33000, ExchMargin: 30000},
		},
	)
	h.start(t)

	pos, ok := h.account.Position(au)
	require.True(t, ok)
	assert.Equal(t, int64(1), pos.LongToday)
	assert.Equal(t, int64(2), pos.LongYesterday)
	assert.Len(t, pos.Lots, 2)

	rb, ok := h.account.Position(domain.MustParseInstrument("SHFE.rb1905"))
	require.True(t, ok)
	assert.Equal(t, int64(2), rb.ShortYesterday)
	assert.Equal(t, domain.PosShort, rb.Direction)

	info, _ := h.account.Fees().Info(au)
	assert.InDelta(t, 99000*0.1/90000, info.BrokerMarginRatio, 1e-9)
}

func TestPositionArithmetic(t *testing.T) {
	fees := domain.NewFeeTable()
	fees.Infos[au] = domain.FeeInfo{VolumeMultiple: 1000, LongMarginByMoney: 0.1, ShortMarginByMoney: 0.1}
	pos := &domain.Position{
		Instrument:    au,
		LongYesterday: 2,
		LongMargin:    domain.MustParsePrice("58000"),
		Lots:          []domain.PositionLot{{Direction: domain.PosLong, Volume: 2, OpenPrice: domain.MustParsePrice("290")}},
	}
	txn := func(dir domain.OrderDirection, off domain.OrderOffset, price string, vol int64) *domain.Transaction {
		return &domain.Transaction{Instrument: au, Direction: dir, Offset: off, Price: domain.MustParsePrice(price), Volume: vol, TradingDay: "20190304"}
	}

	eff := applyFill(pos, txn(domain.DirectionBuy, domain.OffsetOpen, "300", 1), fees)
	assert.Equal(t, domain.MustParsePrice("30000"), eff.margin)
	assert.Equal(t, int64(1), pos.LongToday)

	// CloseToday only takes today's lots; the rest is clamped.
	eff = applyFill(pos, txn(domain.DirectionSell, domain.OffsetCloseToday, "305", 2), fees)
	assert.Equal(t, int64(1), eff.clamped)
	assert.Equal(t, int64(1), eff.closed)
	assert.Equal(t, int64(0), pos.LongToday)
	assert.Equal(t, int64(2), pos.LongYesterday)
	// (305-300)*1000
	assert.Equal(t, domain.MustParsePrice("5000"), eff.closeProfit)

	// Closing more than held clamps at zero.
	eff = applyFill(pos, txn(domain.DirectionSell, domain.OffsetForceClose, "280", 3), fees)
	assert.Equal(t, int64(1), eff.clamped)
	assert.Equal(t, int64(0), pos.Volume(domain.PosLong))
	assert.Equal(t, int64(2), pos.ForceClosed)
	assert.Equal(t, domain.MustParsePrice("-20000"), eff.closeProfit)
	assert.Equal(t, domain.Price(0), pos.LongMargin)

	// Short side: CloseYesterday leaves today's lot alone, profit when price falls.
	applyFill(pos, txn(domain.DirectionSell, domain.OffsetOpen, "300", 1), fees)
	eff = applyFill(pos, txn(domain.DirectionBuy, domain.OffsetCloseYesterday, "295", 1), fees)
	assert.Equal(t, int64(1), eff.clamped)
	assert.Equal(t, int64(1), pos.ShortToday)
	eff = applyFill(pos, txn(domain.DirectionBuy, domain.OffsetClose, "295", 1), fees)
	assert.Equal(t, domain.MustParsePrice("5000"), eff.closeProfit)
	assert.Equal(t, int64(0), pos.Volume(domain.PosShort))
}

func TestClosableVolumeByOffset(t *testing.T) {
	pos := &domain.Position{Instrument: au, LongToday: 1, LongYesterday: 3, LongFrozen: 1}
	assert.Equal(t, int64(3), closableVolume(pos, domain.PosLong, domain.OffsetClose))
	assert.Equal(t, int64(0), closableVolume(pos, domain.PosLong, domain.OffsetCloseToday))
	assert.Equal(t, int64(2), closableVolume(pos, domain.PosLong, domain.OffsetCloseYesterday))
	assert.Equal(t, int64(0), closableVolume(nil, domain.PosLong, domain.OffsetClose))
}

func TestMarkToMarket(t *testing.T) {
	pos := &domain.Position{
		Instrument: au,
		LongToday:  1,
		ShortToday: 2,
		Lots: []domain.PositionLot{
			{Direction: domain.PosLong, Volume: 1, OpenPrice: domain.MustParsePrice("300")},
			{Direction: domain.PosShort, Volume: 2, OpenPrice: domain.MustParsePrice("305")},
		},
	}
	markToMarket(pos, domain.MustParsePrice("302"), 1000)
	// long +2000, short +6000
	assert.Equal(t, domain.MustParsePrice("8000"), pos.PositionProfit)
}

// snapshotSession records the orders an account hands to its session.
type snapshotSession struct {
	TxnSession
	mu   sync.Mutex
	seen []*domain.Order
}

func (s *snapshotSession) record(o *domain.Order) {
	s.mu.Lock()
	s.seen = append(s.seen, o)
	s.mu.Unlock()
}

func (s *snapshotSession) SubmitOrder(o *domain.Order, tracker OrderStateTracker) error {
	s.record(o)
	return s.TxnSession.SubmitOrder(o, tracker)
}

func (s *snapshotSession) CancelOrder(o *domain.Order, tracker OrderStateTracker) error {
	s.record(o)
	return s.TxnSession.CancelOrder(o, tracker)
}

func TestSessionReceivesOrderSnapshots(t *testing.T) {
	h := newHarness(t, SessionConfig{})
	h.paper.SetQueueOrders(true)
	spy := &snapshotSession{TxnSession: h.session}
	h.account.session = spy
	h.bringUp(t)

	o, err := h.account.CreateOrder(context.Background(), openRequest("300", 2))
	require.NoError(t, err)
	h.waitOrder(t, o.ID, domain.OrderStateAccepted)
	require.NoError(t, h.paper.Fill(o.Ref, 300, 1))
	h.waitOrder(t, o.ID, domain.OrderStatePartiallyFilled)

	require.NoError(t, h.account.CancelOrder(o.ID))
	got := h.waitOrder(t, o.ID, domain.OrderStateCancelled)
	assert.Equal(t, int64(1), got.FilledVolume)

	spy.mu.Lock()
	defer spy.mu.Unlock()
	require.Len(t, spy.seen, 2)
	h.account.mu.Lock()
	live := h.account.orders[o.ID]
	h.account.mu.Unlock()
	for _, s := range spy.seen {
		assert.NotSame(t, live, s)
		assert.Equal(t, o.ID, s.ID)
	}
	// The cancel snapshot carries the fields the broker assigned before it.
	assert.Equal(t, live.SysID, spy.seen[1].SysID)
	assert.Equal(t, int64(1), spy.seen[1].FilledVolume)
}

func TestFillSequencesKeepOrderInvariants(t *testing.T) {
	statuses := []byte{
		broker.OrderStatusNoTradeQueueing,
		broker.OrderStatusPartTradedQueueing,
		broker.OrderStatusAllTraded,
		broker.OrderStatusCanceled,
	}
	property := func(seed int64) bool {
		r := rand.New(rand.NewSource(seed))
		h := newHarness(t, SessionConfig{})
		h.paper.SetQueueOrders(true)
		h.bringUp(t)

		o, err := h.account.CreateOrder(context.Background(), openRequest("300", 1+r.Int63n(4)))
		require.NoError(t, err)
		o = h.waitOrder(t, o.ID, domain.OrderStateAccepted)

		for step := 0; step < 12; step++ {
			cur, _ := h.account.Order(o.ID)
			if r.Intn(3) == 0 {
				f := OrderReturn(cur, o.SysID, statuses[r.Intn(len(statuses))], broker.SubmitStatusAccepted, cur.FilledVolume)
				h.account.HandleBrokerEvent(broker.Event{Kind: broker.EventRtnOrder, Order: &f})
			} else {
				f := TradeReturn(cur, o.SysID, strconv.Itoa(1+r.Intn(4)), domain.MustParsePrice("300"), 1+r.Int63n(3), h.clock.Now(), o.TradingDay)
				h.account.HandleBrokerEvent(broker.Event{Kind: broker.EventRtnTrade, Trade: &f})
			}

			got, _ := h.account.Order(o.ID)
			var sum int64
			for _, txn := range got.Transactions {
				sum += txn.Volume
			}
			pending := false
			for _, p := range h.account.PendingOrders() {
				pending = pending || p.ID == o.ID
			}
			switch {
			case sum != got.FilledVolume || got.FilledVolume > got.Volume:
				t.Logf("seed %d: filled %d of %d from fills summing %d", seed, got.FilledVolume, got.Volume, sum)
				return false
			case (got.FilledVolume == got.Volume) != (got.State() == domain.OrderStateFilled):
				t.Logf("seed %d: filled %d of %d in state %s", seed, got.FilledVolume, got.Volume, got.State())
				return false
			case pending == got.State().IsDone():
				t.Logf("seed %d: order in state %s pending=%v", seed, got.State(), pending)
				return false
			}
		}
		m := h.account.Money()
		return m.FrozenMargin >= 0 && m.FrozenCommission >= 0
	}
	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 40}))
}
