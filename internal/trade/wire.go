package trade

import (
	"strings"
	"time"

	"trader/internal/broker"
	"trader/internal/domain"
)

func wireDirection(d domain.OrderDirection) byte {
	if d == domain.DirectionSell {
		return broker.DirectionSell
	}
	return broker.DirectionBuy
}

func orderDirection(b byte) domain.OrderDirection {
	if b == broker.DirectionSell {
		return domain.DirectionSell
	}
	return domain.DirectionBuy
}

func wireOffset(o domain.OrderOffset) byte {
	switch o {
	case domain.OffsetClose:
		return broker.OffsetClose
	case domain.OffsetCloseToday:
		return broker.OffsetCloseToday
	case domain.OffsetCloseYesterday:
		return broker.OffsetCloseYesterday
	case domain.OffsetForceClose:
		return broker.OffsetForceClose
	}
	return broker.OffsetOpen
}

func orderOffset(b byte) domain.OrderOffset {
	switch b {
	case broker.OffsetClose:
		return domain.OffsetClose
	case broker.OffsetCloseToday:
		return domain.OffsetCloseToday
	case broker.OffsetCloseYesterday:
		return domain.OffsetCloseYesterday
	case broker.OffsetForceClose:
		return domain.OffsetForceClose
	}
	return domain.OffsetOpen
}

func wirePriceType(p domain.PriceType) byte {
	switch p {
	case domain.PriceTypeAny:
		return broker.PriceTypeAny
	case domain.PriceTypeBest:
		return broker.PriceTypeBest
	}
	return broker.PriceTypeLimit
}

func orderPriceType(b byte) domain.PriceType {
	switch b {
	case broker.PriceTypeAny:
		return domain.PriceTypeAny
	case broker.PriceTypeBest:
		return domain.PriceTypeBest
	}
	return domain.PriceTypeLimit
}

func wireVolumeCondition(v domain.VolumeCondition) byte {
	switch v {
	case domain.VolumeConditionMin:
		return broker.VolumeConditionMin
	case domain.VolumeConditionAll:
		return broker.VolumeConditionAll
	}
	return broker.VolumeConditionAny
}

// orderStatusState maps a broker order status onto the engine state for o.
// An all-traded status only becomes Filled once the fills have been applied,
// so FilledVolume == Volume holds exactly when the order is Filled.
func orderStatusState(f *broker.OrderField, o *domain.Order) domain.OrderState {
	switch f.OrderStatus {
	case broker.OrderStatusAllTraded:
		if o.FilledVolume >= o.Volume {
			return domain.OrderStateFilled
		}
		return o.WorkingState()
	case broker.OrderStatusPartTradedQueueing:
		return o.WorkingState()
	case broker.OrderStatusPartTradedNotQueueing:
		return domain.OrderStateCancelled
	case broker.OrderStatusNoTradeQueueing:
		return domain.OrderStateAccepted
	case broker.OrderStatusNoTradeNotQueueing:
		if f.OrderSubmitStatus == broker.SubmitStatusInsertRejected {
			return domain.OrderStateRejected
		}
		return domain.OrderStateSubmitted
	case broker.OrderStatusCanceled:
		if f.OrderSubmitStatus == broker.SubmitStatusInsertRejected {
			return domain.OrderStateRejected
		}
		return domain.OrderStateCancelled
	}
	return domain.OrderStateSubmitted
}

// transactionID derives a stable fill id so replays of the same trade are
// recognised after a reconnect.
func transactionID(f *broker.TradeField) string {
	dir := "B"
	if f.Direction == broker.DirectionSell {
		dir = "S"
	}
	return "txn_" + f.ExchangeID + "_" + strings.TrimSpace(f.TradeID) + "_" + dir
}

func instrumentOf(exchangeID, instrumentID string) domain.Instrument {
	if exchangeID == "" {
		if inst, err := domain.ParseInstrument(instrumentID); err == nil {
			return inst
		}
	}
	return domain.NewInstrument(domain.Exchange(exchangeID), instrumentID)
}

// OrderReturn builds the order return a venue reports for o after traded
// lots have filled. Simulated venues use it to speak the broker protocol.
func OrderReturn(o *domain.Order, sysID string, status, submit byte, traded int64) broker.OrderField {
	return broker.OrderField{
		OrderRef:            o.Ref,
		InstrumentID:        o.Instrument.Symbol,
		ExchangeID:          string(o.Instrument.Exchange),
		OrderSysID:          sysID,
		FrontID:             o.FrontID,
		SessionID:           o.SessionID,
		Direction:           wireDirection(o.Direction),
		CombOffsetFlag:      wireOffset(o.Offset),
		OrderPriceType:      wirePriceType(o.PriceType),
		LimitPrice:          o.LimitPrice.Float(),
		VolumeTotalOriginal: int(o.Volume),
		VolumeTraded:        int(traded),
		VolumeTotal:         int(o.Volume - traded),
		OrderStatus:         status,
		OrderSubmitStatus:   submit,
	}
}

// TradeReturn builds the trade return for a fill of o.
func TradeReturn(o *domain.Order, sysID, tradeID string, price domain.Price, volume int64, at time.Time, tradingDay string) broker.TradeField {
	return broker.TradeField{
		TradeID:      tradeID,
		OrderRef:     o.Ref,
		OrderSysID:   sysID,
		InstrumentID: o.Instrument.Symbol,
		ExchangeID:   string(o.Instrument.Exchange),
		Direction:    wireDirection(o.Direction),
		OffsetFlag:   wireOffset(o.Offset),
		Price:        price.Float(),
		Volume:       int(volume),
		TradeDate:    at.Format(domain.DayLayout),
		TradeTime:    at.Format("15:04:05"),
		TradingDay:   tradingDay,
	}
}
