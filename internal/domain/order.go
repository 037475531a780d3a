package domain

import (
	"strconv"
	"time"
)

// OrderDirection is the side of an order.
type OrderDirection string

const (
	DirectionBuy  OrderDirection = "Buy"
	DirectionSell OrderDirection = "Sell"
)

// Opposite returns the other side.
func (d OrderDirection) Opposite() OrderDirection {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// OrderOffset tells whether an order opens or closes a position.
type OrderOffset string

const (
	OffsetOpen           OrderOffset = "Open"
	OffsetCloseToday     OrderOffset = "CloseToday"
	OffsetCloseYesterday OrderOffset = "CloseYesterday"
	OffsetClose          OrderOffset = "Close"
	OffsetForceClose     OrderOffset = "ForceClose"
)

// IsClose reports whether the offset closes a position.
func (o OrderOffset) IsClose() bool {
	return o != OffsetOpen
}

// PriceType selects how the broker prices an order.
type PriceType string

const (
	PriceTypeLimit PriceType = "LimitPrice"
	PriceTypeAny   PriceType = "AnyPrice"
	PriceTypeBest  PriceType = "BestPrice"
)

// VolumeCondition constrains partial fills.
type VolumeCondition string

const (
	VolumeConditionAny VolumeCondition = "Any"
	VolumeConditionMin VolumeCondition = "Min"
	VolumeConditionAll VolumeCondition = "All"
)

// OrderState is the lifecycle state of an order.
type OrderState string

const (
	OrderStateNew             OrderState = "New"
	OrderStateSubmitting      OrderState = "Submitting"
	OrderStateSubmitted       OrderState = "Submitted"
	OrderStateAccepted        OrderState = "Accepted"
	OrderStatePartiallyFilled OrderState = "PartiallyFilled"
	OrderStateFilled          OrderState = "Filled"
	OrderStateCancelling      OrderState = "Cancelling"
	OrderStateCancelled       OrderState = "Cancelled"
	OrderStateRejected        OrderState = "Rejected"
	OrderStateFailed          OrderState = "Failed"
)

// IsDone reports whether the state is terminal.
func (s OrderState) IsDone() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateFailed:
		return true
	}
	return false
}

// IsRevocable reports whether an order in this state may be cancelled.
func (s OrderState) IsRevocable() bool {
	switch s {
	case OrderStateSubmitting, OrderStateSubmitted, OrderStateAccepted, OrderStatePartiallyFilled:
		return true
	}
	return false
}

// rank orders the non-terminal states; a working order never moves to a
// lower rank.
func (s OrderState) rank() int {
	switch s {
	case OrderStateNew:
		return 0
	case OrderStateSubmitting:
		return 1
	case OrderStateSubmitted:
		return 2
	case OrderStateAccepted:
		return 3
	case OrderStatePartiallyFilled:
		return 4
	case OrderStateCancelling:
		return 5
	}
	return 6
}

// SubmitState tracks the broker request currently outstanding for an order.
type SubmitState string

const (
	SubmitStateInsertSubmitting SubmitState = "InsertSubmitting"
	SubmitStateCancelSubmitting SubmitState = "CancelSubmitting"
	SubmitStateIdle             SubmitState = "Idle"
)

// StateTuple is the observable state of an order at a point in time.
type StateTuple struct {
	State       OrderState  `json:"state"`
	SubmitState SubmitState `json:"submitState"`
	Timestamp   int64       `json:"timestamp"`
}

// NewStateTuple stamps a tuple with t in milliseconds.
func NewStateTuple(state OrderState, submit SubmitState, t time.Time) StateTuple {
	return StateTuple{State: state, SubmitState: submit, Timestamp: t.UnixMilli()}
}

// Attribute keys understood by the engine. Unknown keys are kept verbatim.
const (
	// AttrPlaybookID links an order to its playbook; plain string.
	AttrPlaybookID = "playbookId"
	// AttrTradletID names the tradlet that created a playbook; plain string.
	AttrTradletID = "tradletId"
	// AttrGroupID names the owning tradlet group; plain string.
	AttrGroupID = "groupId"
	// AttrActionID is the caller supplied close action id; plain string.
	AttrActionID = "actionId"
)

// Attrs is a typed key to string attribute map.
type Attrs map[string]string

// Get returns the value for key or "".
func (a Attrs) Get(key string) string {
	return a[key]
}

// Int parses the value for key as a base-10 integer.
func (a Attrs) Int(key string) (int64, bool) {
	v, ok := a[key]
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Price parses the value for key as a Price.
func (a Attrs) Price(key string) (Price, bool) {
	v, ok := a[key]
	if !ok || v == "" {
		return 0, false
	}
	p, err := ParsePrice(v)
	if err != nil {
		return 0, false
	}
	return p, true
}

// Clone returns an independent copy.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	out := make(Attrs, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Order is a request to trade one instrument. Identity fields are set at
// creation; State, fills and broker ids change as events arrive.
type Order struct {
	ID               string          `json:"id"`
	Ref              string          `json:"ref"`
	AccountID        string          `json:"accountId"`
	Instrument       Instrument      `json:"instrument"`
	Direction        OrderDirection  `json:"direction"`
	Offset           OrderOffset     `json:"offset"`
	PriceType        PriceType       `json:"priceType"`
	VolumeCondition  VolumeCondition `json:"volumeCondition"`
	LimitPrice       Price           `json:"limitPrice"`
	Volume           int64           `json:"volume"`
	FilledVolume     int64           `json:"filledVolume"`
	AvgFillPrice     Price           `json:"avgFillPrice"`
	FrozenMargin     Price           `json:"frozenMargin"`
	FrozenCommission Price           `json:"frozenCommission"`
	TradingDay       string          `json:"tradingDay"`
	SysID            string          `json:"sysId,omitempty"`
	ExchangeID       string          `json:"exchangeId,omitempty"`
	FrontID          int             `json:"frontId,omitempty"`
	SessionID        int             `json:"sessionId,omitempty"`
	StateTuple       StateTuple      `json:"stateTuple"`
	FailReason       string          `json:"failReason,omitempty"`
	Attrs            Attrs           `json:"attrs,omitempty"`
	Transactions     []Transaction   `json:"transactions,omitempty"`
}

// State returns the current order state.
func (o *Order) State() OrderState {
	return o.StateTuple.State
}

// Remaining returns the unfilled volume.
func (o *Order) Remaining() int64 {
	return o.Volume - o.FilledVolume
}

// Attr returns the attribute value for key.
func (o *Order) Attr(key string) string {
	return o.Attrs.Get(key)
}

// SetAttr sets an attribute, allocating the map when needed.
func (o *Order) SetAttr(key, value string) {
	if o.Attrs == nil {
		o.Attrs = make(Attrs)
	}
	o.Attrs[key] = value
}

// ChangeState advances the state tuple. Terminal states are final and a
// working order never regresses to an earlier working state. It returns the
// previous tuple and whether anything changed.
func (o *Order) ChangeState(next StateTuple) (StateTuple, bool) {
	prev := o.StateTuple
	if prev.State.IsDone() {
		return prev, false
	}
	if !next.State.IsDone() && next.State.rank() < prev.State.rank() {
		return prev, false
	}
	if next.State == prev.State && next.SubmitState == prev.SubmitState {
		return prev, false
	}
	o.StateTuple = next
	return prev, true
}

// ForceState replaces the state tuple unconditionally and returns the
// previous one. It is used when the broker rejects a cancel request.
func (o *Order) ForceState(next StateTuple) StateTuple {
	prev := o.StateTuple
	o.StateTuple = next
	return prev
}

// WorkingState returns the non-terminal state implied by the fills so far.
func (o *Order) WorkingState() OrderState {
	if o.FilledVolume > 0 {
		return OrderStatePartiallyFilled
	}
	return OrderStateAccepted
}

// HasTransaction reports whether a fill with id was already applied.
func (o *Order) HasTransaction(id string) bool {
	for i := range o.Transactions {
		if o.Transactions[i].ID == id {
			return true
		}
	}
	return false
}

// AddTransaction appends a fill and recomputes the filled volume and the
// average fill price. Duplicate ids and fills past the requested volume are
// dropped.
func (o *Order) AddTransaction(txn Transaction) bool {
	if o.HasTransaction(txn.ID) || txn.Volume <= 0 || o.FilledVolume+txn.Volume > o.Volume {
		return false
	}
	o.Transactions = append(o.Transactions, txn)
	var cost Price
	var filled int64
	for _, t := range o.Transactions {
		cost += t.Price.Mul(t.Volume)
		filled += t.Volume
	}
	o.FilledVolume = filled
	o.AvgFillPrice = cost / Price(filled)
	return true
}

// Clone returns a deep copy suitable for handing to readers outside the
// owning worker.
func (o *Order) Clone() *Order {
	c := *o
	c.Attrs = o.Attrs.Clone()
	if o.Transactions != nil {
		c.Transactions = append([]Transaction(nil), o.Transactions...)
	}
	return &c
}

// Transaction is one fill of an order.
type Transaction struct {
	ID         string         `json:"id"`
	OrderID    string         `json:"orderId"`
	OrderRef   string         `json:"orderRef"`
	AccountID  string         `json:"accountId"`
	Instrument Instrument     `json:"instrument"`
	Direction  OrderDirection `json:"direction"`
	Offset     OrderOffset    `json:"offset"`
	Price      Price          `json:"price"`
	Volume     int64          `json:"volume"`
	Timestamp  int64          `json:"timestamp"`
	TradingDay string         `json:"tradingDay"`
}
