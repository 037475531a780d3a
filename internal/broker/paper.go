package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"trader/internal/config"
	"trader/internal/domain"
	"trader/internal/util"
)

func init() {
	Register("paper", func(cfg config.AccountConfig, logger *zap.Logger) (API, error) {
		return NewPaper(logger), nil
	})
}

// Compile-time interface check.
var _ API = (*Paper)(nil)

var errNotConnected = errors.New("paper: not connected")

// Paper is an in-process broker front for paper trading and tests. It keeps
// orders, fills and funds in memory and replies through the same event
// stream a real front would use.
type Paper struct {
	logger *zap.Logger
	now    func() time.Time
	cal    *util.TradingCalendar

	handler atomic.Value // Handler

	mu          sync.Mutex
	connected   bool
	flowControl bool
	failLogin   bool
	queueOrders bool
	frontID     int
	sessionID   int
	tradingDay  string
	maxRef      int
	sysSeq      int
	tradeSeq    int
	account     TradingAccount
	instruments []InstrumentField
	margins     map[string]MarginRate
	commissions map[string]CommissionRate
	positions   []InvestorPosition
	details     []PositionDetail
	orders      []*OrderField
	trades      []TradeField
	settlement  [][]byte
	confirmDate string

	events chan Event
	done   chan struct{}
	once   sync.Once
}

// NewPaper creates a disconnected paper front with an empty account.
func NewPaper(logger *zap.Logger) *Paper {
	p := &Paper{
		logger:      logger,
		now:         time.Now,
		cal:         util.NewTradingCalendar(util.ChinaLocation),
		frontID:     1,
		margins:     make(map[string]MarginRate),
		commissions: make(map[string]CommissionRate),
		events:      make(chan Event, 1024),
		done:        make(chan struct{}),
	}
	go p.dispatch()
	return p
}

// ---------------------------------------------------------------------------
// Setup helpers
// ---------------------------------------------------------------------------

// SetClock replaces the wall clock used for login time and trading day.
func (p *Paper) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// SetBalance sets the starting funds.
func (p *Paper) SetBalance(balance float64) {
	p.mu.Lock()
	p.account.Balance = balance
	p.account.Available = balance
	p.mu.Unlock()
}

// AddInstrument lists an instrument with its margin and commission terms.
func (p *Paper) AddInstrument(inst InstrumentField, margin MarginRate, commission CommissionRate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instruments = append(p.instruments, inst)
	margin.InstrumentID = inst.InstrumentID
	commission.InstrumentID = inst.InstrumentID
	p.margins[inst.InstrumentID] = margin
	p.commissions[inst.InstrumentID] = commission
}

// SetPositions replaces the position summary and detail rows.
func (p *Paper) SetPositions(summary []InvestorPosition, details []PositionDetail) {
	p.mu.Lock()
	p.positions = summary
	p.details = details
	p.mu.Unlock()
}

// SetSettlement sets the settlement statement fragments.
func (p *Paper) SetSettlement(fragments ...[]byte) {
	p.mu.Lock()
	p.settlement = fragments
	p.mu.Unlock()
}

// SetFailLogin makes the next logins fail.
func (p *Paper) SetFailLogin(fail bool) {
	p.mu.Lock()
	p.failLogin = fail
	p.mu.Unlock()
}

// SetQueueOrders makes inserted orders rest instead of filling at once.
func (p *Paper) SetQueueOrders(queue bool) {
	p.mu.Lock()
	p.queueOrders = queue
	p.mu.Unlock()
}

// FlowControl reports whether flow control was requested.
func (p *Paper) FlowControl() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flowControl
}

// SessionID returns the session id of the current login.
func (p *Paper) SessionID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Disconnect drops the connection as if the network failed.
func (p *Paper) Disconnect() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.emit(Event{Kind: EventFrontDisconnected, Reason: 0x1001})
}

// Fill trades volume lots of a resting order at price.
func (p *Paper) Fill(ref string, price float64, volume int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o := p.findOrder(ref)
	if o == nil {
		return fmt.Errorf("paper: order %s not found", ref)
	}
	p.fillLocked(o, price, volume)
	return nil
}

// EmitForeignOrder replays an order return from another session.
func (p *Paper) EmitForeignOrder(o OrderField) {
	p.emit(Event{Kind: EventRtnOrder, Order: &o})
}

// ---------------------------------------------------------------------------
// API implementation
// ---------------------------------------------------------------------------

func (p *Paper) SetHandler(h Handler) {
	p.handler.Store(h)
}

func (p *Paper) SetFlowControl(enabled bool) {
	p.mu.Lock()
	p.flowControl = enabled
	p.mu.Unlock()
}

func (p *Paper) Connect(frontURL string) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.logger.Debug("paper front connected", zap.String("front", frontURL))
	p.emit(Event{Kind: EventFrontConnected})
	return nil
}

// Close stops event delivery. The paper state survives so a reconnect sees
// the same orders and fills.
func (p *Paper) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// Shutdown stops the dispatch goroutine for good.
func (p *Paper) Shutdown() {
	p.once.Do(func() { close(p.done) })
}

func (p *Paper) ReqAuthenticate(req ReqAuthenticate) error {
	if !p.isConnected() {
		return errNotConnected
	}
	info := &RspInfo{}
	if req.AuthCode == "bad" {
		info = &RspInfo{ErrorID: 63, ErrorMsg: "auth failed"}
	}
	p.emit(Event{Kind: EventRspAuthenticate, RspInfo: info})
	return nil
}

func (p *Paper) ReqUserLogin(req ReqUserLogin) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return errNotConnected
	}
	if p.failLogin {
		p.mu.Unlock()
		p.emit(Event{Kind: EventRspUserLogin, RspInfo: &RspInfo{ErrorID: 3, ErrorMsg: "invalid login"}})
		return nil
	}
	now := p.now().In(p.cal.Location())
	p.sessionID++
	p.tradingDay = domain.FormatDay(p.cal.TradingDay(now))
	login := &RspUserLogin{
		TradingDay:  p.tradingDay,
		LoginTime:   now.Format("15:04:05"),
		FrontID:     p.frontID,
		SessionID:   p.sessionID,
		MaxOrderRef: strconv.Itoa(p.maxRef),
	}
	p.mu.Unlock()
	p.emit(Event{Kind: EventRspUserLogin, RspInfo: &RspInfo{}, Login: login})
	return nil
}

func (p *Paper) QrySettlementInfoConfirm(context.Context) (*SettlementInfoConfirm, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &SettlementInfoConfirm{ConfirmDate: p.confirmDate}, nil
}

func (p *Paper) QrySettlementInfo(_ context.Context, tradingDay string) ([]SettlementInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SettlementInfo, len(p.settlement))
	for i, c := range p.settlement {
		out[i] = SettlementInfo{TradingDay: tradingDay, SequenceNo: i + 1, Content: c}
	}
	return out, nil
}

func (p *Paper) ReqSettlementInfoConfirm(context.Context) (*SettlementInfoConfirm, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirmDate = p.tradingDay
	return &SettlementInfoConfirm{ConfirmDate: p.confirmDate, ConfirmTime: p.now().Format("15:04:05")}, nil
}

func (p *Paper) QryInstruments(context.Context) ([]InstrumentField, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]InstrumentField(nil), p.instruments...), nil
}

func (p *Paper) QryMarginRate(_ context.Context, instrumentID string) (*MarginRate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.margins[instrumentID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (p *Paper) QryCommissionRate(_ context.Context, instrumentID string) (*CommissionRate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.commissions[instrumentID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (p *Paper) QryTradingAccount(context.Context) (*TradingAccount, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.account
	return &a, nil
}

func (p *Paper) QryInvestorPositions(context.Context) ([]InvestorPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]InvestorPosition(nil), p.positions...), nil
}

func (p *Paper) QryPositionDetails(context.Context) ([]PositionDetail, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PositionDetail(nil), p.details...), nil
}

func (p *Paper) QryOrders(context.Context) ([]OrderField, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderField, len(p.orders))
	for i, o := range p.orders {
		out[i] = *o
	}
	return out, nil
}

func (p *Paper) QryTrades(context.Context) ([]TradeField, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TradeField(nil), p.trades...), nil
}

func (p *Paper) ReqOrderInsert(req InputOrder) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return errNotConnected
	}
	if req.VolumeTotalOriginal <= 0 {
		info := &RspInfo{ErrorID: 15, ErrorMsg: "invalid volume"}
		in := req
		p.emitLocked(Event{Kind: EventRspOrderInsert, RspInfo: info, Input: &in})
		return nil
	}
	if n, err := strconv.Atoi(req.OrderRef); err == nil && n > p.maxRef {
		p.maxRef = n
	}
	p.sysSeq++
	now := p.now()
	o := &OrderField{
		OrderRef:            req.OrderRef,
		InstrumentID:        req.InstrumentID,
		ExchangeID:          req.ExchangeID,
		OrderSysID:          fmt.Sprintf("%12d", p.sysSeq),
		FrontID:             p.frontID,
		SessionID:           p.sessionID,
		Direction:           req.Direction,
		CombOffsetFlag:      req.CombOffsetFlag,
		OrderPriceType:      req.OrderPriceType,
		LimitPrice:          req.LimitPrice,
		VolumeTotalOriginal: req.VolumeTotalOriginal,
		VolumeTotal:         req.VolumeTotalOriginal,
		OrderStatus:         OrderStatusNoTradeQueueing,
		OrderSubmitStatus:   SubmitStatusAccepted,
		InsertDate:          now.Format(domain.DayLayout),
		InsertTime:          now.Format("15:04:05"),
	}
	p.orders = append(p.orders, o)
	ret := *o
	p.emitLocked(Event{Kind: EventRtnOrder, Order: &ret})
	if !p.queueOrders {
		p.fillLocked(o, req.LimitPrice, req.VolumeTotalOriginal)
	}
	return nil
}

func (p *Paper) ReqOrderAction(req InputOrderAction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return errNotConnected
	}
	o := p.findOrder(req.OrderRef)
	if o == nil || o.OrderStatus == OrderStatusAllTraded || o.OrderStatus == OrderStatusCanceled {
		act := req
		p.emitLocked(Event{Kind: EventErrRtnOrderAction, RspInfo: &RspInfo{ErrorID: 26, ErrorMsg: "order not cancellable"}, Action: &act})
		return nil
	}
	o.OrderStatus = OrderStatusCanceled
	o.OrderSubmitStatus = SubmitStatusCancelSubmitted
	ret := *o
	p.emitLocked(Event{Kind: EventRtnOrder, Order: &ret})
	return nil
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

func (p *Paper) isConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Paper) findOrder(ref string) *OrderField {
	for _, o := range p.orders {
		if o.OrderRef == ref && o.SessionID == p.sessionID {
			return o
		}
	}
	for _, o := range p.orders {
		if o.OrderRef == ref {
			return o
		}
	}
	return nil
}

func (p *Paper) fillLocked(o *OrderField, price float64, volume int) {
	if volume > o.VolumeTotal {
		volume = o.VolumeTotal
	}
	if volume <= 0 {
		return
	}
	o.VolumeTraded += volume
	o.VolumeTotal -= volume
	if o.VolumeTotal == 0 {
		o.OrderStatus = OrderStatusAllTraded
	} else {
		o.OrderStatus = OrderStatusPartTradedQueueing
	}
	p.tradeSeq++
	now := p.now()
	trade := TradeField{
		TradeID:      fmt.Sprintf("%12d", p.tradeSeq),
		OrderRef:     o.OrderRef,
		OrderSysID:   o.OrderSysID,
		InstrumentID: o.InstrumentID,
		ExchangeID:   o.ExchangeID,
		Direction:    o.Direction,
		OffsetFlag:   o.CombOffsetFlag,
		Price:        price,
		Volume:       volume,
		TradeDate:    now.Format(domain.DayLayout),
		TradeTime:    now.Format("15:04:05"),
		TradingDay:   p.tradingDay,
	}
	p.trades = append(p.trades, trade)
	ret := *o
	p.emitLocked(Event{Kind: EventRtnOrder, Order: &ret})
	p.emitLocked(Event{Kind: EventRtnTrade, Trade: &trade})
}

func (p *Paper) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

// emitLocked is emit for callers holding p.mu. Replies produced while the
// front is down are lost, as they would be on a real link.
func (p *Paper) emitLocked(ev Event) {
	if !p.connected {
		return
	}
	p.emit(ev)
}

func (p *Paper) dispatch() {
	for {
		select {
		case <-p.done:
			return
		case ev := <-p.events:
			if h, ok := p.handler.Load().(Handler); ok && h != nil {
				h(ev)
			}
		}
	}
}
