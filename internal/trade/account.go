package trade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"trader/internal/broker"
	"trader/internal/domain"
	"trader/internal/mtime"
	"trader/internal/store"
	"trader/internal/util"
)

// ErrInsufficientPosition is returned for a close order larger than the
// closable volume.
var ErrInsufficientPosition = errors.New("insufficient position")

// ReconcilePolicy decides what happens to working orders the broker no
// longer reports after a reconnect.
type ReconcilePolicy string

const (
	// ReconcileReinstate keeps them working.
	ReconcileReinstate ReconcilePolicy = "reinstate"
	// ReconcileLost marks them Failed.
	ReconcileLost ReconcilePolicy = "lost"
)

// OrderRequest describes an order to create.
type OrderRequest struct {
	Instrument      domain.Instrument
	Direction       domain.OrderDirection
	Offset          domain.OrderOffset
	PriceType       domain.PriceType
	VolumeCondition domain.VolumeCondition
	LimitPrice      domain.Price
	Volume          int64
	Attrs           domain.Attrs
}

// Listener observes order and fill events of an account. Methods are called
// with the account lock held and in event order: they must not block and
// must not call back into the Account. The order passed is a snapshot.
type Listener interface {
	OnOrder(accountID string, o *domain.Order, prev domain.StateTuple)
	OnTransaction(accountID string, o *domain.Order, txn domain.Transaction)
}

// RiskChecker vets an order before it is submitted.
type RiskChecker interface {
	CheckOrder(ctx context.Context, o *domain.Order, money domain.AccountMoney) error
}

// Persister stores business objects without blocking the caller.
type Persister interface {
	Put(kind, id string, attrs map[string]string, v any)
}

// OrderLoader returns the orders stored for an account and trading day.
type OrderLoader func(ctx context.Context, accountID, tradingDay string) ([]*domain.Order, error)

// AccountOption configures an Account.
type AccountOption func(*Account)

// WithRiskChecker adds a pre-trade check run after the funds check.
func WithRiskChecker(r RiskChecker) AccountOption {
	return func(a *Account) { a.risk = r }
}

// WithPersister persists orders and fills through p.
func WithPersister(p Persister) AccountOption {
	return func(a *Account) { a.persister = p }
}

// WithOrderLoader restores today's stored orders on bootstrap so broker
// returns match the ids playbooks refer to.
func WithOrderLoader(l OrderLoader) AccountOption {
	return func(a *Account) { a.loadOrders = l }
}

// WithReconcilePolicy sets the reconnect policy.
func WithReconcilePolicy(p ReconcilePolicy) AccountOption {
	return func(a *Account) { a.policy = p }
}

// WithSubscriptions limits the fee table to the given instruments.
func WithSubscriptions(instruments []domain.Instrument) AccountOption {
	return func(a *Account) { a.subscriptions = instruments }
}

// Account is the engine's view of one broker account: funds, positions,
// orders and fills. Broker events are applied by HandleBrokerEvent on the
// account's executor key; reads return snapshots.
type Account struct {
	id            string
	session       TxnSession
	clock         mtime.Service
	risk          RiskChecker
	persister     Persister
	loadOrders    OrderLoader
	policy        ReconcilePolicy
	subscriptions []domain.Instrument
	logger        *zap.Logger

	mu          sync.Mutex
	tradingDay  string
	money       domain.AccountMoney
	positions   map[domain.Instrument]*domain.Position
	orders      map[string]*domain.Order
	orderList   []*domain.Order
	ordersByRef map[string]*domain.Order
	txns        []domain.Transaction
	fees        *domain.FeeTable
	lastPrice   map[domain.Instrument]domain.Price
	refSeq      int64
	settlement  string
	listeners   []Listener
}

// NewAccount creates an account bound to session. Call Bootstrap once the
// session is connected.
func NewAccount(id string, session TxnSession, clock mtime.Service, logger *zap.Logger, opts ...AccountOption) *Account {
	a := &Account{
		id:          id,
		session:     session,
		clock:       clock,
		policy:      ReconcileReinstate,
		logger:      logger.With(zap.String("account", id)),
		positions:   make(map[domain.Instrument]*domain.Position),
		orders:      make(map[string]*domain.Order),
		ordersByRef: make(map[string]*domain.Order),
		fees:        domain.NewFeeTable(),
		lastPrice:   make(map[domain.Instrument]domain.Price),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Account) ID() string              { return a.id }
func (a *Account) Session() TxnSession     { return a.session }
func (a *Account) Policy() ReconcilePolicy { return a.policy }

// AddListener registers l for order and fill events.
func (a *Account) AddListener(l Listener) {
	a.mu.Lock()
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()
}

// Bootstrap loads funds, positions, fees and today's orders from the
// session and reconciles them with what the account already knows. It runs
// the session's synchronous calls and must not be called on an executor
// worker.
func (a *Account) Bootstrap(ctx context.Context) error {
	text, err := a.session.SyncConfirmSettlement(ctx)
	if err != nil {
		return fmt.Errorf("account %s: confirm settlement: %w", a.id, err)
	}
	money, err := a.session.SyncQueryAccount(ctx)
	if err != nil {
		return fmt.Errorf("account %s: query account: %w", a.id, err)
	}
	positions, err := a.session.SyncQueryPositions(ctx)
	if err != nil {
		return fmt.Errorf("account %s: query positions: %w", a.id, err)
	}
	fees, err := a.session.SyncLoadFeeEvaluator(ctx, a.subscriptions)
	if err != nil {
		return fmt.Errorf("account %s: load fees: %w", a.id, err)
	}
	tradingDay := domain.FormatDay(a.session.TradingDay())
	var stored []*domain.Order
	if a.loadOrders != nil {
		stored, err = a.loadOrders(ctx, a.id, tradingDay)
		if err != nil {
			a.logger.Warn("load stored orders", zap.String("kind", domain.ErrorKind(err)), zap.Error(err))
		}
	}
	orders, trades, err := a.session.SyncQueryOrders(ctx)
	if err != nil {
		return fmt.Errorf("account %s: query orders: %w", a.id, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tradingDay != tradingDay {
		a.resetDayLocked()
	}
	a.tradingDay = tradingDay
	if text != "" {
		a.settlement = text
	}
	a.money = money
	a.fees = fees
	a.positions = make(map[domain.Instrument]*domain.Position, len(positions))
	for _, p := range positions {
		a.positions[p.Instrument] = p
	}
	for _, o := range stored {
		if _, ok := a.orders[o.ID]; !ok && o.TradingDay == tradingDay {
			a.addOrderLocked(o)
		}
	}
	a.reconcileLocked(orders, trades)
	if ref := a.session.MaxOrderRef(); ref > a.refSeq {
		a.refSeq = ref
	}
	a.logger.Info("account ready",
		zap.String("tradingDay", tradingDay),
		zap.String("balance", money.Balance.String()),
		zap.Int("positions", len(positions)),
		zap.Int("orders", len(a.orderList)))
	return nil
}

func (a *Account) resetDayLocked() {
	a.orders = make(map[string]*domain.Order)
	a.ordersByRef = make(map[string]*domain.Order)
	a.orderList = nil
	a.txns = nil
	a.refSeq = 0
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// CreateOrder validates req, freezes the funds or position it needs and
// submits it. The returned order is a snapshot; it is also returned, in
// state Failed, when the submission itself failed.
func (a *Account) CreateOrder(ctx context.Context, req OrderRequest) (*domain.Order, error) {
	if !req.Instrument.IsFuture() {
		return nil, fmt.Errorf("create order: %q: %w", req.Instrument.String(), domain.ErrInvalidInstrument)
	}
	if req.Volume <= 0 {
		return nil, fmt.Errorf("create order: volume %d must be positive", req.Volume)
	}
	if req.PriceType == "" {
		req.PriceType = domain.PriceTypeLimit
	}
	if req.VolumeCondition == "" {
		req.VolumeCondition = domain.VolumeConditionAny
	}
	now := a.clock.Now()

	a.mu.Lock()
	o := &domain.Order{
		ID:              util.NewID(util.IDPrefixOrder),
		AccountID:       a.id,
		Instrument:      req.Instrument,
		Direction:       req.Direction,
		Offset:          req.Offset,
		PriceType:       req.PriceType,
		VolumeCondition: req.VolumeCondition,
		LimitPrice:      req.LimitPrice,
		Volume:          req.Volume,
		TradingDay:      a.tradingDay,
		StateTuple:      domain.NewStateTuple(domain.OrderStateNew, domain.SubmitStateIdle, now),
		Attrs:           req.Attrs.Clone(),
	}
	if err := a.checkOrderLocked(ctx, o); err != nil {
		a.mu.Unlock()
		a.logger.Warn("order refused",
			zap.String("instrument", o.Instrument.String()),
			zap.String("kind", domain.ErrorKind(err)),
			zap.Error(err))
		return nil, err
	}
	a.refSeq = max(a.refSeq, a.session.MaxOrderRef()) + 1
	o.Ref = strconv.FormatInt(a.refSeq, 10)
	o.FrontID, o.SessionID = a.session.SessionIDs()
	a.freezeLocked(o)
	a.addOrderLocked(o)
	a.persistOrderLocked(o)
	snap := o.Clone()
	a.mu.Unlock()

	err := a.session.SubmitOrder(snap, a)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		o.FailReason = err.Error()
		a.persistOrderLocked(o)
		a.logger.Error("submit order",
			zap.String("ref", o.Ref),
			zap.String("kind", domain.ErrorKind(err)),
			zap.Error(err))
	}
	return o.Clone(), err
}

func (a *Account) checkOrderLocked(ctx context.Context, o *domain.Order) error {
	price := o.LimitPrice
	if price == 0 {
		price = a.lastPrice[o.Instrument]
	}
	if o.Offset == domain.OffsetOpen {
		o.FrozenMargin = a.fees.Margin(o.Instrument, domain.PosDirectionOf(o.Direction), price, o.Volume)
		o.FrozenCommission = a.fees.Commission(o.Instrument, o.Offset, price, o.Volume)
		if need := o.FrozenMargin + o.FrozenCommission; need > a.money.Available {
			return fmt.Errorf("order needs %s, available %s: %w", need, a.money.Available, domain.ErrInsufficientFunds)
		}
	} else {
		side := domain.PosLong
		if o.Direction == domain.DirectionBuy {
			side = domain.PosShort
		}
		if closable := closableVolume(a.positions[o.Instrument], side, o.Offset); o.Volume > closable {
			return fmt.Errorf("close %d %s %s, closable %d: %w", o.Volume, side, o.Instrument, closable, ErrInsufficientPosition)
		}
		o.FrozenCommission = a.fees.Commission(o.Instrument, o.Offset, price, o.Volume)
	}
	if a.risk != nil {
		return a.risk.CheckOrder(ctx, o, a.money)
	}
	return nil
}

// CancelOrder requests cancellation of a working order. Cancelling an order
// whose cancel is already in flight does nothing.
func (a *Account) CancelOrder(orderID string) error {
	a.mu.Lock()
	o, ok := a.orders[orderID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", orderID, domain.ErrOrderNotFound)
	}
	state := o.State()
	snap := o.Clone()
	a.mu.Unlock()
	if state == domain.OrderStateCancelling {
		return nil
	}
	if !state.IsRevocable() {
		return fmt.Errorf("cancel %s in state %s: %w", orderID, state, domain.ErrCancelOrderFailed)
	}
	if err := a.session.CancelOrder(snap, a); err != nil {
		a.logger.Error("cancel order",
			zap.String("ref", snap.Ref),
			zap.String("kind", domain.ErrorKind(err)),
			zap.Error(err))
		return err
	}
	return nil
}

// ChangeOrderState applies a session-driven state change. Sessions hold
// snapshots, so the change is applied to the account's own order with the
// same id.
func (a *Account) ChangeOrderState(o *domain.Order, next domain.StateTuple) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if live, ok := a.orders[o.ID]; ok {
		a.changeStateLocked(live, next)
	}
}

// RestoreWorkingState puts an order whose cancel failed back into the
// working state implied by its fills.
func (a *Account) RestoreWorkingState(o *domain.Order) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if live, ok := a.orders[o.ID]; ok {
		a.restoreWorkingLocked(live)
	}
}

func (a *Account) restoreWorkingLocked(o *domain.Order) {
	if o.State() != domain.OrderStateCancelling {
		return
	}
	prev := o.ForceState(domain.NewStateTuple(o.WorkingState(), domain.SubmitStateIdle, a.clock.Now()))
	a.persistOrderLocked(o)
	a.notifyOrderLocked(o, prev)
}

func (a *Account) changeStateLocked(o *domain.Order, next domain.StateTuple) bool {
	prev, changed := o.ChangeState(next)
	if !changed {
		return false
	}
	if next.State.IsDone() {
		a.releaseAllLocked(o)
	}
	a.persistOrderLocked(o)
	a.notifyOrderLocked(o, prev)
	return true
}

func (a *Account) addOrderLocked(o *domain.Order) {
	a.orders[o.ID] = o
	a.orderList = append(a.orderList, o)
	if o.Ref != "" {
		a.ordersByRef[o.Ref] = o
	}
	if n, err := strconv.ParseInt(o.Ref, 10, 64); err == nil && n > a.refSeq {
		a.refSeq = n
	}
}

// ---------------------------------------------------------------------------
// Frozen funds
// ---------------------------------------------------------------------------

func (a *Account) freezeLocked(o *domain.Order) {
	m := &a.money
	m.FrozenMargin += o.FrozenMargin
	m.FrozenCommission += o.FrozenCommission
	m.Available -= o.FrozenMargin + o.FrozenCommission
	freezeClose(a.positions[o.Instrument], o, o.Volume)
}

// releaseFillLocked unfreezes the share of o's frozen funds covered by a
// fill of vol out of remaining.
func (a *Account) releaseFillLocked(o *domain.Order, vol, remaining int64) {
	if remaining <= 0 {
		return
	}
	margin := domain.Price(int64(o.FrozenMargin) * vol / remaining)
	commission := domain.Price(int64(o.FrozenCommission) * vol / remaining)
	a.unfreezeLocked(o, margin, commission)
	freezeClose(a.positions[o.Instrument], o, -vol)
}

func (a *Account) releaseAllLocked(o *domain.Order) {
	a.unfreezeLocked(o, o.FrozenMargin, o.FrozenCommission)
	freezeClose(a.positions[o.Instrument], o, -o.Remaining())
}

func (a *Account) unfreezeLocked(o *domain.Order, margin, commission domain.Price) {
	o.FrozenMargin -= margin
	o.FrozenCommission -= commission
	m := &a.money
	m.FrozenMargin -= margin
	m.FrozenCommission -= commission
	m.Available += margin + commission
}

// ---------------------------------------------------------------------------
// Broker events
// ---------------------------------------------------------------------------

// HandleBrokerEvent applies one material broker event. It runs on the
// account's executor key.
func (a *Account) HandleBrokerEvent(ev broker.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch ev.Kind {
	case broker.EventRtnOrder:
		if ev.Order != nil {
			a.onOrderReturnLocked(ev.Order)
		}
	case broker.EventRtnTrade:
		if ev.Trade != nil {
			a.applyTradeLocked(ev.Trade, true)
		}
	case broker.EventRspOrderInsert, broker.EventErrRtnOrderInsert:
		if ev.Input != nil && ev.RspInfo.Failed() {
			a.onInsertRejectLocked(ev.Input, ev.RspInfo)
		}
	case broker.EventRspOrderAction, broker.EventErrRtnOrderAction:
		if ev.Action != nil && ev.RspInfo.Failed() {
			a.onActionRejectLocked(ev.Action, ev.RspInfo)
		}
	}
}

func (a *Account) onOrderReturnLocked(f *broker.OrderField) {
	o := a.matchOrderLocked(f.OrderRef, f.OrderSysID)
	if o == nil {
		a.logger.Debug("order return for unknown order", zap.String("ref", f.OrderRef))
		return
	}
	if f.OrderSysID != "" {
		o.SysID = f.OrderSysID
	}
	if f.ExchangeID != "" {
		o.ExchangeID = f.ExchangeID
	}
	next := orderStatusState(f, o)
	if next == domain.OrderStateRejected && f.StatusMsg != "" {
		o.FailReason = f.StatusMsg
	}
	a.changeStateLocked(o, domain.NewStateTuple(next, domain.SubmitStateIdle, a.clock.Now()))
}

func (a *Account) onInsertRejectLocked(in *broker.InputOrder, info *broker.RspInfo) {
	o := a.ordersByRef[in.OrderRef]
	if o == nil {
		return
	}
	o.FailReason = info.ErrorMsg
	a.logger.Warn("order rejected", zap.String("ref", o.Ref), zap.Int("code", info.ErrorID), zap.String("msg", info.ErrorMsg))
	a.changeStateLocked(o, domain.NewStateTuple(domain.OrderStateRejected, domain.SubmitStateIdle, a.clock.Now()))
}

func (a *Account) onActionRejectLocked(act *broker.InputOrderAction, info *broker.RspInfo) {
	o := a.matchOrderLocked(act.OrderRef, act.OrderSysID)
	if o == nil {
		return
	}
	a.logger.Warn("cancel rejected",
		zap.String("ref", o.Ref),
		zap.String("kind", domain.ErrorKind(domain.ErrCancelOrderFailed)),
		zap.Int("code", info.ErrorID),
		zap.String("msg", info.ErrorMsg))
	a.restoreWorkingLocked(o)
}

func (a *Account) matchOrderLocked(ref, sysID string) *domain.Order {
	if o, ok := a.ordersByRef[ref]; ok && (o.SysID == "" || sysID == "" || o.SysID == sysID) {
		return o
	}
	if sysID == "" {
		return nil
	}
	for _, o := range a.orderList {
		if o.SysID == sysID {
			return o
		}
	}
	return nil
}

// applyTradeLocked appends a fill to its order. Live trade returns also move
// positions and funds; fills found while reconciling do not, since the
// queried positions already contain them.
func (a *Account) applyTradeLocked(f *broker.TradeField, live bool) {
	o := a.matchOrderLocked(f.OrderRef, f.OrderSysID)
	if o == nil {
		a.logger.Warn("trade for unknown order", zap.String("ref", f.OrderRef), zap.String("tradeId", f.TradeID))
		return
	}
	txn := domain.Transaction{
		ID:         transactionID(f),
		OrderID:    o.ID,
		OrderRef:   o.Ref,
		AccountID:  a.id,
		Instrument: o.Instrument,
		Direction:  orderDirection(f.Direction),
		Offset:     orderOffset(f.OffsetFlag),
		Price:      domain.PriceFromFloat(f.Price),
		Volume:     int64(f.Volume),
		Timestamp:  a.tradeTime(f).UnixMilli(),
		TradingDay: f.TradingDay,
	}
	if txn.TradingDay == "" {
		txn.TradingDay = o.TradingDay
	}
	a.addFillLocked(o, txn, live)
}

func (a *Account) addFillLocked(o *domain.Order, txn domain.Transaction, live bool) {
	remaining := o.Remaining()
	done := o.State().IsDone()
	if !o.AddTransaction(txn) {
		if !o.HasTransaction(txn.ID) {
			a.logger.Warn("fill exceeds order volume", zap.String("ref", o.Ref), zap.Int64("volume", txn.Volume))
		}
		return
	}
	// A done order released everything it froze when it finished.
	if !done {
		a.releaseFillLocked(o, txn.Volume, remaining)
	}
	if live {
		a.applyFillLocked(txn)
	}
	a.txns = append(a.txns, txn)
	if a.persister != nil {
		a.persister.Put(store.KindTransaction, txn.ID, map[string]string{
			"accountId":  a.id,
			"tradingDay": txn.TradingDay,
			"orderId":    o.ID,
		}, txn)
	}
	snap := o.Clone()
	for _, l := range a.listeners {
		l.OnTransaction(a.id, snap, txn)
	}
	next := o.WorkingState()
	if o.FilledVolume == o.Volume {
		next = domain.OrderStateFilled
	}
	if done {
		// A fill racing the cancel return. Only a complete fill overrides it.
		if next == domain.OrderStateFilled {
			prev := o.ForceState(domain.NewStateTuple(next, domain.SubmitStateIdle, a.clock.Now()))
			a.persistOrderLocked(o)
			a.notifyOrderLocked(o, prev)
			return
		}
		a.persistOrderLocked(o)
		return
	}
	if !a.changeStateLocked(o, domain.NewStateTuple(next, domain.SubmitStateIdle, a.clock.Now())) {
		a.persistOrderLocked(o)
	}
}

func (a *Account) applyFillLocked(txn domain.Transaction) {
	pos, ok := a.positions[txn.Instrument]
	if !ok {
		pos = &domain.Position{Instrument: txn.Instrument}
		a.positions[txn.Instrument] = pos
	}
	eff := applyFill(pos, &txn, a.fees)
	if eff.clamped > 0 {
		a.logger.Warn("close volume beyond position",
			zap.String("instrument", txn.Instrument.String()),
			zap.Int64("excess", eff.clamped))
	}
	commission := a.fees.Commission(txn.Instrument, txn.Offset, txn.Price, txn.Volume)
	m := &a.money
	m.Commission += commission
	m.CurrMargin += eff.margin
	m.CloseProfit += eff.closeProfit
	m.Balance += eff.closeProfit - commission
	m.Available += eff.closeProfit - commission - eff.margin
	a.markLocked(pos)
}

func (a *Account) tradeTime(f *broker.TradeField) time.Time {
	loc := a.clock.Now().Location()
	if t, err := time.ParseInLocation("20060102 15:04:05", f.TradeDate+" "+f.TradeTime, loc); err == nil {
		return t
	}
	return a.clock.Now()
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// Reconcile merges the broker's view of today's orders and trades into the
// account: unknown orders are adopted, missing fills appended and states
// advanced. Working orders the broker does not report are handled by the
// reconcile policy.
func (a *Account) Reconcile(orders []broker.OrderField, trades []broker.TradeField) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reconcileLocked(orders, trades)
}

func (a *Account) reconcileLocked(orders []broker.OrderField, trades []broker.TradeField) {
	now := a.clock.Now()
	seen := make(map[string]bool, len(orders))
	type match struct {
		o *domain.Order
		f *broker.OrderField
	}
	matches := make([]match, 0, len(orders))
	for i := range orders {
		f := &orders[i]
		o := a.matchOrderLocked(f.OrderRef, f.OrderSysID)
		if o == nil {
			o = a.adoptOrderLocked(f, now)
		}
		if f.OrderSysID != "" {
			o.SysID = f.OrderSysID
		}
		if f.ExchangeID != "" {
			o.ExchangeID = f.ExchangeID
		}
		o.FrontID, o.SessionID = f.FrontID, f.SessionID
		seen[o.ID] = true
		matches = append(matches, match{o, f})
	}
	for i := range trades {
		a.applyTradeLocked(&trades[i], false)
	}
	for _, m := range matches {
		o, f := m.o, m.f
		if traded := int64(f.VolumeTraded); traded > o.FilledVolume && f.OrderStatus == broker.OrderStatusAllTraded {
			// The broker reports fills we have no trade rows for.
			price := domain.PriceFromFloat(f.LimitPrice)
			if price == 0 {
				price = o.AvgFillPrice
			}
			a.addFillLocked(o, domain.Transaction{
				ID:         "recon-" + o.Ref,
				OrderID:    o.ID,
				OrderRef:   o.Ref,
				AccountID:  a.id,
				Instrument: o.Instrument,
				Direction:  o.Direction,
				Offset:     o.Offset,
				Price:      price,
				Volume:     min(traded, o.Volume) - o.FilledVolume,
				Timestamp:  now.UnixMilli(),
				TradingDay: o.TradingDay,
			}, false)
		}
		a.changeStateLocked(o, domain.NewStateTuple(orderStatusState(f, o), domain.SubmitStateIdle, now))
	}
	for _, o := range a.orderList {
		if seen[o.ID] || o.State().IsDone() {
			continue
		}
		switch a.policy {
		case ReconcileLost:
			o.FailReason = "not reported by broker after reconnect"
			a.changeStateLocked(o, domain.NewStateTuple(domain.OrderStateFailed, domain.SubmitStateIdle, now))
			a.logger.Warn("order lost", zap.String("ref", o.Ref))
		default:
			a.logger.Info("order reinstated", zap.String("ref", o.Ref), zap.String("state", string(o.State())))
		}
	}
}

func (a *Account) adoptOrderLocked(f *broker.OrderField, now time.Time) *domain.Order {
	o := &domain.Order{
		ID:              util.NewID(util.IDPrefixOrder),
		Ref:             strings.TrimSpace(f.OrderRef),
		AccountID:       a.id,
		Instrument:      instrumentOf(f.ExchangeID, f.InstrumentID),
		Direction:       orderDirection(f.Direction),
		Offset:          orderOffset(f.CombOffsetFlag),
		PriceType:       orderPriceType(f.OrderPriceType),
		VolumeCondition: domain.VolumeConditionAny,
		LimitPrice:      domain.PriceFromFloat(f.LimitPrice),
		Volume:          int64(f.VolumeTotalOriginal),
		TradingDay:      a.tradingDay,
		StateTuple:      domain.NewStateTuple(domain.OrderStateSubmitted, domain.SubmitStateIdle, now),
	}
	a.addOrderLocked(o)
	a.persistOrderLocked(o)
	a.notifyOrderLocked(o, domain.StateTuple{})
	a.logger.Info("adopted broker order", zap.String("ref", o.Ref), zap.String("instrument", o.Instrument.String()))
	return o
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// OnTick marks the instrument's position to the tick's last price.
func (a *Account) OnTick(t *domain.Tick) {
	if t == nil || t.LastPrice == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastPrice[t.Instrument] = t.LastPrice
	if pos, ok := a.positions[t.Instrument]; ok {
		a.markLocked(pos)
	}
}

// markLocked moves the position profit change of pos into the dynamic
// balance.
func (a *Account) markLocked(pos *domain.Position) {
	last, ok := a.lastPrice[pos.Instrument]
	if !ok {
		return
	}
	old := pos.PositionProfit
	markToMarket(pos, last, a.fees.Multiplier(pos.Instrument))
	d := pos.PositionProfit - old
	a.money.PositionProfit += d
	a.money.Balance += d
	a.money.Available += d
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// TradingDay returns the trading day of the last bootstrap as YYYYMMDD.
func (a *Account) TradingDay() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tradingDay
}

// Money returns a copy of the funds.
func (a *Account) Money() domain.AccountMoney {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.money
}

// Fees returns the fee table loaded at bootstrap.
func (a *Account) Fees() *domain.FeeTable {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fees
}

// Settlement returns the last settlement statement confirmed.
func (a *Account) Settlement() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settlement
}

// Position returns a copy of the position in inst.
func (a *Account) Position(inst domain.Instrument) (*domain.Position, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.positions[inst]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Positions returns copies of all positions ordered by instrument.
func (a *Account) Positions() []*domain.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*domain.Position, 0, len(a.positions))
	for _, p := range a.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument.String() < out[j].Instrument.String() })
	return out
}

// Order returns a snapshot of the order with id.
func (a *Account) Order(id string) (*domain.Order, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Orders returns snapshots of today's orders in creation order.
func (a *Account) Orders() []*domain.Order {
	return a.filterOrders(func(*domain.Order) bool { return true })
}

// PendingOrders returns snapshots of orders not yet in a terminal state.
func (a *Account) PendingOrders() []*domain.Order {
	return a.filterOrders(func(o *domain.Order) bool { return !o.State().IsDone() })
}

func (a *Account) filterOrders(keep func(*domain.Order) bool) []*domain.Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*domain.Order
	for _, o := range a.orderList {
		if keep(o) {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Transactions returns today's fills in arrival order.
func (a *Account) Transactions() []domain.Transaction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Transaction(nil), a.txns...)
}

func (a *Account) persistOrderLocked(o *domain.Order) {
	if a.persister == nil {
		return
	}
	attrs := map[string]string{
		"accountId":  a.id,
		"tradingDay": o.TradingDay,
	}
	for _, k := range []string{domain.AttrPlaybookID, domain.AttrGroupID} {
		if v := o.Attr(k); v != "" {
			attrs[k] = v
		}
	}
	a.persister.Put(store.KindOrder, o.ID, attrs, o.Clone())
}

func (a *Account) notifyOrderLocked(o *domain.Order, prev domain.StateTuple) {
	if len(a.listeners) == 0 {
		return
	}
	snap := o.Clone()
	for _, l := range a.listeners {
		l.OnOrder(a.id, snap, prev)
	}
}
