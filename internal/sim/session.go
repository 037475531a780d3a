package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"trader/internal/broker"
	"trader/internal/bus"
	"trader/internal/domain"
	"trader/internal/mtime"
	"trader/internal/trade"
)

var _ trade.TxnSession = (*TxnSession)(nil)

// Ledger is the simulated broker's book of one account. It outlives the
// trading days of a back-test: each day opens from the state the previous
// day settled into.
type Ledger struct {
	Money     domain.AccountMoney
	Positions []*domain.Position
	Fees      *domain.FeeTable
}

// NewLedger opens a book with balance and no positions.
func NewLedger(balance domain.Price, fees *domain.FeeTable) *Ledger {
	if fees == nil {
		fees = domain.NewFeeTable()
	}
	return &Ledger{
		Money: domain.AccountMoney{Balance: balance, Available: balance},
		Fees:  fees,
	}
}

// Settle rolls an account's closing state into the next day's opening
// state: today's volume becomes yesterday's and the day's counters reset.
func (l *Ledger) Settle(money domain.AccountMoney, positions []*domain.Position) {
	next := domain.AccountMoney{
		Balance:        money.Balance,
		PreMargin:      money.CurrMargin,
		CurrMargin:     money.CurrMargin,
		PositionProfit: money.PositionProfit,
	}
	next.Available = next.Balance - next.CurrMargin
	l.Money = next

	l.Positions = l.Positions[:0]
	for _, p := range positions {
		c := p.Clone()
		c.LongYesterday += c.LongToday
		c.ShortYesterday += c.ShortToday
		c.LongToday, c.ShortToday = 0, 0
		c.LongFrozen, c.ShortFrozen, c.FrozenMargin = 0, 0, 0
		c.CloseProfit = 0
		for i := range c.Lots {
			c.Lots[i].Today = false
		}
		if c.Volume(domain.PosLong)+c.Volume(domain.PosShort) > 0 {
			l.Positions = append(l.Positions, c)
		}
	}
}

// TxnSession is the simulated exchange of one account. Orders match against
// the last tick of their instrument: a limit order that crosses the
// opposite best price fills at once at that price, otherwise it rests and
// is checked again on every tick. Orders of other price types fill at the
// opposite best price, on the next tick when none has been seen yet.
//
// Order and trade returns are published on the account's executor key like
// a broker's callbacks.
type TxnSession struct {
	accountID string
	clock     mtime.Service
	exec      bus.Executor
	sink      trade.EventSink
	ledger    *Ledger
	logger    *zap.Logger

	mu        sync.Mutex
	state     trade.ConnState
	listeners []func(prev, next trade.ConnState)
	resting   []*restingOrder
	ticks     map[domain.Instrument]domain.Tick
	returns   map[string]broker.OrderField
	refs      []string
	trades    []broker.TradeField
	sysSeq    int
	tradeSeq  int
}

type restingOrder struct {
	order  *domain.Order
	sysID  string
	traded int64
}

// NewTxnSession creates a disconnected session over ledger.
func NewTxnSession(accountID string, clock mtime.Service, exec bus.Executor, sink trade.EventSink,
	ledger *Ledger, logger *zap.Logger) *TxnSession {
	return &TxnSession{
		accountID: accountID,
		clock:     clock,
		exec:      exec,
		sink:      sink,
		ledger:    ledger,
		logger:    logger.With(zap.String("account", accountID)),
		state:     trade.ConnDisconnected,
		ticks:     make(map[domain.Instrument]domain.Tick),
		returns:   make(map[string]broker.OrderField),
	}
}

func (s *TxnSession) AccountID() string      { return s.accountID }
func (s *TxnSession) TradingDay() time.Time  { return s.clock.TradingDay() }
func (s *TxnSession) SessionIDs() (int, int) { return 1, 1 }
func (s *TxnSession) MaxOrderRef() int64     { return 0 }

// Connect connects at once.
func (s *TxnSession) Connect() error {
	s.setState(trade.ConnConnected)
	return nil
}

// Close disconnects. Resting orders stay on the book.
func (s *TxnSession) Close() error {
	s.setState(trade.ConnDisconnected)
	return nil
}

// SyncConfirmSettlement has nothing to confirm.
func (s *TxnSession) SyncConfirmSettlement(context.Context) (string, error) {
	return "", nil
}

func (s *TxnSession) State() trade.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *TxnSession) OnStateChange(fn func(prev, next trade.ConnState)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// WaitState never blocks: the simulated session changes state only when
// told to.
func (s *TxnSession) WaitState(_ context.Context, want ...trade.ConnState) error {
	state := s.State()
	for _, w := range want {
		if state == w {
			return nil
		}
	}
	return fmt.Errorf("simulated session is %s: %w", state, domain.ErrConnectionFailed)
}

func (s *TxnSession) setState(next trade.ConnState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	listeners := append([]func(prev, next trade.ConnState){}, s.listeners...)
	s.mu.Unlock()
	if prev == next {
		return
	}
	for _, fn := range listeners {
		fn(prev, next)
	}
}

// SyncQueryAccount returns the ledger's opening funds.
func (s *TxnSession) SyncQueryAccount(context.Context) (domain.AccountMoney, error) {
	return s.ledger.Money, nil
}

// SyncLoadFeeEvaluator returns the ledger's fee table.
func (s *TxnSession) SyncLoadFeeEvaluator(context.Context, []domain.Instrument) (*domain.FeeTable, error) {
	return s.ledger.Fees, nil
}

// SyncQueryPositions returns copies of the ledger's positions.
func (s *TxnSession) SyncQueryPositions(context.Context) ([]*domain.Position, error) {
	out := make([]*domain.Position, 0, len(s.ledger.Positions))
	for _, p := range s.ledger.Positions {
		out = append(out, p.Clone())
	}
	return out, nil
}

// SyncQueryOrders returns the latest return of every order seen today and
// all trades.
func (s *TxnSession) SyncQueryOrders(context.Context) ([]broker.OrderField, []broker.TradeField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orders := make([]broker.OrderField, 0, len(s.refs))
	for _, ref := range s.refs {
		orders = append(orders, s.returns[ref])
	}
	return orders, append([]broker.TradeField(nil), s.trades...), nil
}

// SubmitOrder accepts o and matches it against the last tick.
func (s *TxnSession) SubmitOrder(o *domain.Order, tracker trade.OrderStateTracker) error {
	tracker.ChangeOrderState(o, domain.NewStateTuple(domain.OrderStateSubmitting, domain.SubmitStateInsertSubmitting, s.clock.Now()))
	s.mu.Lock()
	if s.state != trade.ConnConnected {
		state := s.state
		s.mu.Unlock()
		tracker.ChangeOrderState(o, domain.NewStateTuple(domain.OrderStateFailed, domain.SubmitStateIdle, s.clock.Now()))
		return fmt.Errorf("order %s: session %s: %w", o.Ref, state, domain.ErrSendOrderFailed)
	}
	s.sysSeq++
	r := &restingOrder{order: o.Clone(), sysID: fmt.Sprintf("%12d", s.sysSeq)}
	s.refs = append(s.refs, r.order.Ref)
	events := []broker.Event{s.orderReturnLocked(r, broker.OrderStatusNoTradeQueueing, broker.SubmitStatusAccepted)}
	filled := false
	if t, ok := s.ticks[r.order.Instrument]; ok {
		var fill []broker.Event
		fill, filled = s.matchLocked(r, &t)
		events = append(events, fill...)
	}
	if !filled {
		s.resting = append(s.resting, r)
	}
	s.mu.Unlock()

	tracker.ChangeOrderState(o, domain.NewStateTuple(domain.OrderStateSubmitted, domain.SubmitStateInsertSubmitting, s.clock.Now()))
	s.publish(events...)
	return nil
}

// CancelOrder cancels a resting order. Cancelling an order that has already
// filled is answered with an action error, as an exchange would.
func (s *TxnSession) CancelOrder(o *domain.Order, tracker trade.OrderStateTracker) error {
	tracker.ChangeOrderState(o, domain.NewStateTuple(domain.OrderStateCancelling, domain.SubmitStateCancelSubmitting, s.clock.Now()))
	s.mu.Lock()
	for i, r := range s.resting {
		if r.order.Ref != o.Ref {
			continue
		}
		s.resting = append(s.resting[:i], s.resting[i+1:]...)
		ev := s.orderReturnLocked(r, broker.OrderStatusCanceled, broker.SubmitStatusCancelSubmitted)
		s.mu.Unlock()
		s.publish(ev)
		return nil
	}
	s.mu.Unlock()
	s.publish(broker.Event{
		Kind:    broker.EventErrRtnOrderAction,
		RspInfo: &broker.RspInfo{ErrorID: 26, ErrorMsg: "order not cancellable"},
		Action: &broker.InputOrderAction{
			InstrumentID: o.Instrument.Symbol,
			ExchangeID:   string(o.Instrument.Exchange),
			OrderRef:     o.Ref,
			OrderSysID:   o.SysID,
			FrontID:      o.FrontID,
			SessionID:    o.SessionID,
			ActionFlag:   broker.ActionFlagDelete,
		},
	})
	return nil
}

// OnTick records t and matches the resting orders of its instrument.
func (s *TxnSession) OnTick(t *domain.Tick) {
	s.mu.Lock()
	s.ticks[t.Instrument] = *t
	var events []broker.Event
	kept := s.resting[:0]
	for _, r := range s.resting {
		if r.order.Instrument == t.Instrument {
			fill, filled := s.matchLocked(r, t)
			events = append(events, fill...)
			if filled {
				continue
			}
		}
		kept = append(kept, r)
	}
	s.resting = kept
	s.mu.Unlock()
	s.publish(events...)
}

// CloseMarket cancels every resting order at the end of the day.
func (s *TxnSession) CloseMarket() {
	s.mu.Lock()
	events := make([]broker.Event, 0, len(s.resting))
	for _, r := range s.resting {
		events = append(events, s.orderReturnLocked(r, broker.OrderStatusCanceled, broker.SubmitStatusAccepted))
	}
	if len(s.resting) > 0 {
		s.logger.Info("resting orders cancelled at close", zap.Int("orders", len(s.resting)))
	}
	s.resting = nil
	s.mu.Unlock()
	s.publish(events...)
}

// Resting returns the number of orders waiting for a match.
func (s *TxnSession) Resting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resting)
}

func (s *TxnSession) matchLocked(r *restingOrder, t *domain.Tick) ([]broker.Event, bool) {
	price, ok := fillPrice(r.order, t)
	if !ok {
		return nil, false
	}
	vol := r.order.Volume - r.traded
	r.traded += vol
	s.tradeSeq++
	now := s.clock.Now()
	tr := trade.TradeReturn(r.order, r.sysID, fmt.Sprintf("%12d", s.tradeSeq), price, vol, now, domain.FormatDay(s.clock.TradingDay()))
	s.trades = append(s.trades, tr)
	return []broker.Event{
		{Kind: broker.EventRtnTrade, Trade: &tr},
		s.orderReturnLocked(r, broker.OrderStatusAllTraded, broker.SubmitStatusAccepted),
	}, true
}

// fillPrice returns the price o trades at against t, if it trades.
func fillPrice(o *domain.Order, t *domain.Tick) (domain.Price, bool) {
	buy := o.Direction == domain.DirectionBuy
	opposite := t.BidPrice()
	if buy {
		opposite = t.AskPrice()
	}
	if opposite == 0 {
		opposite = t.LastPrice
	}
	if opposite == 0 {
		return 0, false
	}
	if o.PriceType == domain.PriceTypeLimit {
		if (buy && o.LimitPrice < opposite) || (!buy && o.LimitPrice > opposite) {
			return 0, false
		}
	}
	return opposite, true
}

func (s *TxnSession) orderReturnLocked(r *restingOrder, status, submit byte) broker.Event {
	f := trade.OrderReturn(r.order, r.sysID, status, submit, r.traded)
	now := s.clock.Now()
	f.InsertDate = now.Format(domain.DayLayout)
	f.InsertTime = now.Format("15:04:05")
	s.returns[r.order.Ref] = f
	return broker.Event{Kind: broker.EventRtnOrder, Order: &f}
}

func (s *TxnSession) publish(events ...broker.Event) {
	for _, ev := range events {
		err := s.exec.Execute(bus.AccountKey(s.accountID), func() { s.sink(s.accountID, ev) })
		if err != nil {
			s.logger.Error("publish event", zap.Stringer("event", ev.Kind), zap.Error(err))
		}
	}
}
