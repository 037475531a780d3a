package tradlet

import (
	"context"
	"strconv"
	"time"

	"trader/internal/domain"
	"trader/internal/trade"
)

// PlaybookState is the lifecycle state of a playbook.
type PlaybookState string

const (
	PlaybookOpening  PlaybookState = "Opening"
	PlaybookOpened   PlaybookState = "Opened"
	PlaybookClosing  PlaybookState = "Closing"
	PlaybookClosed   PlaybookState = "Closed"
	PlaybookFailed   PlaybookState = "Failed"
	PlaybookCanceled PlaybookState = "Canceled"
)

// IsDone reports whether the state is terminal.
func (s PlaybookState) IsDone() bool {
	switch s {
	case PlaybookClosed, PlaybookFailed, PlaybookCanceled:
		return true
	}
	return false
}

// PlaybookStateTuple is the observable state of a playbook: the state, the
// order currently driving it and the action that caused the last change.
type PlaybookStateTuple struct {
	State     PlaybookState `json:"state"`
	OrderID   string        `json:"orderId,omitempty"`
	Action    string        `json:"action,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// Playbook attribute keys. Values are strings; the parser of each is named.
const (
	// AttrStopLoss is the stop-loss trigger price; domain.ParsePrice.
	AttrStopLoss = "stopLoss"
	// AttrTakeProfit is the take-profit trigger price; domain.ParsePrice.
	AttrTakeProfit = "takeProfit"
	// AttrOpenTimeout cancels an unfilled opening order after this many
	// seconds; strconv.ParseInt.
	AttrOpenTimeout = "openTimeout"
	// AttrHoldTimeout closes an opened position after this many seconds;
	// strconv.ParseInt.
	AttrHoldTimeout = "holdTimeout"
	// AttrCloseTimeout re-cancels a working close order after this many
	// seconds and sends the rest at any price; strconv.ParseInt.
	AttrCloseTimeout = "closeTimeout"
)

// Close actions recorded in the state tuple when the playbook closes by
// itself.
const (
	ActionStopLoss    = "stopLoss"
	ActionTakeProfit  = "takeProfit"
	ActionHoldTimeout = "holdTimeout"
	ActionEscalate    = "closeEscalate"
)

// PlaybookBuilder describes a playbook to create. Zero fields fall back to
// the template and attributes.
type PlaybookBuilder struct {
	Instrument    domain.Instrument
	OpenDirection domain.PosDirection
	OpenPrice     domain.Price
	OpenVolume    int64
	OpenPriceType domain.PriceType
	StopLoss      domain.Price
	TakeProfit    domain.Price
	// Timeouts in seconds.
	OpenTimeout  int64
	HoldTimeout  int64
	CloseTimeout int64
	Attrs        domain.Attrs
	TemplateID   string
}

// Desk is what a playbook needs to act: order entry and market time.
type Desk interface {
	CreateOrder(ctx context.Context, req trade.OrderRequest) (*domain.Order, error)
	CancelOrder(orderID string) error
	Now() time.Time
}

// Playbook is one open-then-close plan on a single instrument. It is owned
// by its group's keeper and only touched on the group's executor key.
type Playbook struct {
	ID            string              `json:"id"`
	GroupID       string              `json:"groupId"`
	TradletID     string              `json:"tradletId"`
	AccountID     string              `json:"accountId"`
	TradingDay    string              `json:"tradingDay"`
	Instrument    domain.Instrument   `json:"instrument"`
	StateTuple    PlaybookStateTuple  `json:"stateTuple"`
	OpenDirection domain.PosDirection `json:"openDirection"`
	OpenPrice     domain.Price        `json:"openPrice"`
	OpenVolume    int64               `json:"openVolume"`
	OpenPriceType domain.PriceType    `json:"openPriceType"`
	StopLoss      domain.Price        `json:"stopLoss,omitempty"`
	TakeProfit    domain.Price        `json:"takeProfit,omitempty"`
	Attrs         domain.Attrs        `json:"attrs,omitempty"`
	OrderIDs      []string            `json:"orderIds,omitempty"`
	OpenedVolume  int64               `json:"openedVolume"`
	ClosedVolume  int64               `json:"closedVolume"`
	OpenFillPrice domain.Price        `json:"openFillPrice,omitempty"`
	OpenedAt      int64               `json:"openedAt,omitempty"`
	Escalated     bool                `json:"escalated,omitempty"`

	orders     map[string]*domain.Order
	lastTick   *domain.Tick
	cancelSent string
}

// State returns the current state.
func (pb *Playbook) State() PlaybookState {
	return pb.StateTuple.State
}

// Holding returns the volume opened and not yet closed.
func (pb *Playbook) Holding() int64 {
	return pb.OpenedVolume - pb.ClosedVolume
}

// Order returns the latest snapshot of one of the playbook's orders.
func (pb *Playbook) Order(id string) (*domain.Order, bool) {
	o, ok := pb.orders[id]
	return o, ok
}

// CurrentOrder returns the order driving the current state, if any.
func (pb *Playbook) CurrentOrder() (*domain.Order, bool) {
	return pb.Order(pb.StateTuple.OrderID)
}

func (pb *Playbook) timeout(key string) time.Duration {
	n, ok := pb.Attrs.Int(key)
	if !ok || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// Clone returns a copy without the runtime order and tick caches.
func (pb *Playbook) Clone() *Playbook {
	c := *pb
	c.Attrs = pb.Attrs.Clone()
	c.OrderIDs = append([]string(nil), pb.OrderIDs...)
	c.orders = nil
	c.lastTick = nil
	c.cancelSent = ""
	return &c
}

func (pb *Playbook) setState(state PlaybookState, orderID, action string, now time.Time) *PlaybookStateTuple {
	prev := pb.StateTuple
	pb.StateTuple = PlaybookStateTuple{State: state, OrderID: orderID, Action: action, Timestamp: now.UnixMilli()}
	return &prev
}

func (pb *Playbook) trackOrder(o *domain.Order) {
	if pb.orders == nil {
		pb.orders = make(map[string]*domain.Order)
	}
	if _, ok := pb.orders[o.ID]; !ok {
		pb.OrderIDs = append(pb.OrderIDs, o.ID)
	}
	pb.orders[o.ID] = o
}

func (pb *Playbook) orderAttrs(extra map[string]string) domain.Attrs {
	attrs := domain.Attrs{
		domain.AttrPlaybookID: pb.ID,
		domain.AttrGroupID:    pb.GroupID,
		domain.AttrTradletID:  pb.TradletID,
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return attrs
}

// submit creates an order and records it, including an order that failed
// to submit.
func (pb *Playbook) submit(ctx context.Context, desk Desk, req trade.OrderRequest) (*domain.Order, error) {
	o, err := desk.CreateOrder(ctx, req)
	if o != nil {
		pb.trackOrder(o)
	}
	return o, err
}

// open sends the opening order. On failure the playbook is Failed.
func (pb *Playbook) open(ctx context.Context, desk Desk) error {
	now := desk.Now()
	pb.StateTuple = PlaybookStateTuple{State: PlaybookOpening, Timestamp: now.UnixMilli()}
	o, err := pb.submit(ctx, desk, trade.OrderRequest{
		Instrument: pb.Instrument,
		Direction:  openOrderDirection(pb.OpenDirection),
		Offset:     domain.OffsetOpen,
		PriceType:  pb.OpenPriceType,
		LimitPrice: pb.OpenPrice,
		Volume:     pb.OpenVolume,
		Attrs:      pb.orderAttrs(nil),
	})
	orderID := ""
	if o != nil {
		orderID = o.ID
	}
	if err != nil {
		pb.setState(PlaybookFailed, orderID, "open", desk.Now())
		return err
	}
	pb.StateTuple.OrderID = orderID
	return nil
}

func openOrderDirection(d domain.PosDirection) domain.OrderDirection {
	if d == domain.PosShort {
		return domain.DirectionSell
	}
	return domain.DirectionBuy
}

// CancelOpeningOrder requests cancellation of the opening order. The state
// changes when the broker acknowledges the cancel.
func (pb *Playbook) CancelOpeningOrder(desk Desk) error {
	if pb.State() != PlaybookOpening {
		return nil
	}
	return pb.cancelCurrent(desk)
}

func (pb *Playbook) cancelCurrent(desk Desk) error {
	id := pb.StateTuple.OrderID
	if id == "" || pb.cancelSent == id {
		return nil
	}
	if o, ok := pb.orders[id]; ok && !o.State().IsRevocable() {
		return nil
	}
	if err := desk.CancelOrder(id); err != nil {
		return err
	}
	pb.cancelSent = id
	return nil
}

// CloseOpenedOrder sends the order closing the held volume. It returns the
// previous state tuple when the playbook changed state.
func (pb *Playbook) CloseOpenedOrder(ctx context.Context, desk Desk, actionID string) (*PlaybookStateTuple, error) {
	if pb.State() != PlaybookOpened || pb.Holding() <= 0 {
		return nil, nil
	}
	req := pb.closeRequest(actionID)
	if pb.lastTick != nil {
		if p := exitPrice(pb.lastTick, pb.OpenDirection); p > 0 {
			req.PriceType = domain.PriceTypeLimit
			req.LimitPrice = p
		}
	}
	return pb.sendClose(ctx, desk, req, actionID)
}

func (pb *Playbook) closeRequest(actionID string) trade.OrderRequest {
	var extra map[string]string
	if actionID != "" {
		extra = map[string]string{domain.AttrActionID: actionID}
	}
	return trade.OrderRequest{
		Instrument: pb.Instrument,
		Direction:  pb.OpenDirection.CloseDirection(),
		Offset:     closeOffset(pb.Instrument),
		PriceType:  domain.PriceTypeAny,
		Volume:     pb.Holding(),
		Attrs:      pb.orderAttrs(extra),
	}
}

func (pb *Playbook) sendClose(ctx context.Context, desk Desk, req trade.OrderRequest, actionID string) (*PlaybookStateTuple, error) {
	o, err := pb.submit(ctx, desk, req)
	orderID := ""
	if o != nil {
		orderID = o.ID
	}
	if err != nil {
		return pb.setState(PlaybookFailed, orderID, actionID, desk.Now()), err
	}
	return pb.setState(PlaybookClosing, orderID, actionID, desk.Now()), nil
}

// closeOffset closes today's lots where the exchange distinguishes them.
func closeOffset(inst domain.Instrument) domain.OrderOffset {
	switch inst.Exchange {
	case domain.ExchangeSHFE, domain.ExchangeINE:
		return domain.OffsetCloseToday
	}
	return domain.OffsetClose
}

// exitPrice returns the best price a close of side d would trade at.
func exitPrice(t *domain.Tick, d domain.PosDirection) domain.Price {
	ladder := exitLadder(t, d)
	if len(ladder) > 0 {
		return ladder[0].Price
	}
	return t.LastPrice
}

func exitLadder(t *domain.Tick, d domain.PosDirection) []domain.PriceLevel {
	if d == domain.PosShort {
		return t.Asks
	}
	return t.Bids
}

// UpdateStateOnOrder applies an order snapshot. It returns the previous
// state tuple iff the playbook changed state.
func (pb *Playbook) UpdateStateOnOrder(ctx context.Context, desk Desk, o *domain.Order) *PlaybookStateTuple {
	if o.Attr(domain.AttrPlaybookID) != pb.ID {
		return nil
	}
	pb.trackOrder(o)
	if o.ID != pb.StateTuple.OrderID {
		return nil
	}
	now := desk.Now()
	switch pb.State() {
	case PlaybookOpening:
		pb.OpenedVolume = o.FilledVolume
		pb.OpenFillPrice = o.AvgFillPrice
		switch o.State() {
		case domain.OrderStateFilled:
			return pb.opened(o.ID, "filled", now)
		case domain.OrderStateCancelled:
			if o.FilledVolume > 0 {
				return pb.opened(o.ID, "partiallyFilled", now)
			}
			return pb.setState(PlaybookCanceled, o.ID, "cancelled", now)
		case domain.OrderStateRejected, domain.OrderStateFailed:
			if o.FilledVolume > 0 {
				return pb.opened(o.ID, "partiallyFilled", now)
			}
			return pb.setState(PlaybookFailed, o.ID, string(o.State()), now)
		}
	case PlaybookClosing:
		if !o.State().IsDone() {
			return nil
		}
		pb.ClosedVolume += o.FilledVolume
		switch {
		case pb.Holding() <= 0:
			return pb.setState(PlaybookClosed, o.ID, pb.StateTuple.Action, now)
		case o.State() == domain.OrderStateFilled:
			return pb.setState(PlaybookClosed, o.ID, pb.StateTuple.Action, now)
		case o.State() == domain.OrderStateCancelled && pb.Escalated:
			prev, _ := pb.sendClose(ctx, desk, pb.closeRequest(ActionEscalate), ActionEscalate)
			return prev
		case o.State() == domain.OrderStateCancelled:
			return pb.setState(PlaybookOpened, o.ID, "closeCancelled", now)
		default:
			return pb.setState(PlaybookFailed, o.ID, string(o.State()), now)
		}
	}
	return nil
}

func (pb *Playbook) opened(orderID, action string, now time.Time) *PlaybookStateTuple {
	pb.OpenedAt = now.UnixMilli()
	return pb.setState(PlaybookOpened, orderID, action, now)
}

// UpdateStateOnTick remembers the tick and closes an opened position whose
// stop-loss or take-profit is crossed. Levels of the exit-side ladder are
// scanned best first; the first level crossing either trigger decides, and
// a level crossing both closes on the stop-loss.
func (pb *Playbook) UpdateStateOnTick(ctx context.Context, desk Desk, t *domain.Tick) *PlaybookStateTuple {
	if t.Instrument != pb.Instrument {
		return nil
	}
	pb.lastTick = t
	if pb.State() != PlaybookOpened || (pb.StopLoss == 0 && pb.TakeProfit == 0) {
		return nil
	}
	action := pb.triggered(t)
	if action == "" {
		return nil
	}
	prev, _ := pb.CloseOpenedOrder(ctx, desk, action)
	return prev
}

func (pb *Playbook) triggered(t *domain.Tick) string {
	levels := exitLadder(t, pb.OpenDirection)
	if len(levels) == 0 {
		levels = []domain.PriceLevel{{Price: t.LastPrice}}
	}
	short := pb.OpenDirection == domain.PosShort
	for _, l := range levels {
		if l.Price == 0 {
			continue
		}
		if pb.StopLoss != 0 && ((!short && l.Price <= pb.StopLoss) || (short && l.Price >= pb.StopLoss)) {
			return ActionStopLoss
		}
		if pb.TakeProfit != 0 && ((!short && l.Price >= pb.TakeProfit) || (short && l.Price <= pb.TakeProfit)) {
			return ActionTakeProfit
		}
	}
	return ""
}

// UpdateStateOnNoop runs the timeouts once a second: an opening order past
// openTimeout is cancelled, a position held past holdTimeout is closed and a
// close order working past closeTimeout is cancelled and re-sent at any
// price once the cancel is acknowledged.
func (pb *Playbook) UpdateStateOnNoop(ctx context.Context, desk Desk) *PlaybookStateTuple {
	now := desk.Now()
	since := now.Sub(time.UnixMilli(pb.StateTuple.Timestamp))
	switch pb.State() {
	case PlaybookOpening:
		if d := pb.timeout(AttrOpenTimeout); d > 0 && since >= d {
			_ = pb.cancelCurrent(desk)
		}
	case PlaybookOpened:
		if d := pb.timeout(AttrHoldTimeout); d > 0 && now.Sub(time.UnixMilli(pb.OpenedAt)) >= d {
			prev, _ := pb.CloseOpenedOrder(ctx, desk, ActionHoldTimeout)
			return prev
		}
	case PlaybookClosing:
		d := pb.timeout(AttrCloseTimeout)
		if d <= 0 || since < d || pb.Escalated {
			return nil
		}
		if o, ok := pb.CurrentOrder(); ok && o.PriceType == domain.PriceTypeAny {
			return nil
		}
		if err := pb.cancelCurrent(desk); err == nil {
			pb.Escalated = true
		}
	}
	return nil
}

// SetCloseTimeout records a close timeout in seconds.
func (pb *Playbook) SetCloseTimeout(seconds int64) {
	if pb.Attrs == nil {
		pb.Attrs = make(domain.Attrs)
	}
	pb.Attrs[AttrCloseTimeout] = strconv.FormatInt(seconds, 10)
}
