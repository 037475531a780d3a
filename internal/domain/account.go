package domain

import "github.com/shopspring/decimal"

// AccountMoney is a snapshot of an account's funds.
type AccountMoney struct {
	Balance          Price `json:"balance"`
	Available        Price `json:"available"`
	CurrMargin       Price `json:"currMargin"`
	PreMargin        Price `json:"preMargin"`
	FrozenMargin     Price `json:"frozenMargin"`
	FrozenCash       Price `json:"frozenCash"`
	FrozenCommission Price `json:"frozenCommission"`
	Commission       Price `json:"commission"`
	CloseProfit      Price `json:"closeProfit"`
	PositionProfit   Price `json:"positionProfit"`
	Deposit          Price `json:"deposit"`
	Withdraw         Price `json:"withdraw"`
	WithdrawQuota    Price `json:"withdrawQuota"`
}

// FeeInfo holds the contract size, margin and commission terms of one
// instrument. Ratios are fractions of notional; ByVolume amounts are
// currency per lot.
type FeeInfo struct {
	PriceTick           Price   `json:"priceTick"`
	VolumeMultiple      int64   `json:"volumeMultiple"`
	LongMarginByMoney   float64 `json:"longMarginByMoney"`
	LongMarginByVolume  float64 `json:"longMarginByVolume"`
	ShortMarginByMoney  float64 `json:"shortMarginByMoney"`
	ShortMarginByVolume float64 `json:"shortMarginByVolume"`
	OpenByMoney         float64 `json:"openByMoney"`
	OpenByVolume        float64 `json:"openByVolume"`
	CloseByMoney        float64 `json:"closeByMoney"`
	CloseByVolume       float64 `json:"closeByVolume"`
	CloseTodayByMoney   float64 `json:"closeTodayByMoney"`
	CloseTodayByVolume  float64 `json:"closeTodayByVolume"`
	// BrokerMarginRatio replaces the exchange by-money margin ratio on both
	// sides when non-zero.
	BrokerMarginRatio float64 `json:"brokerMarginRatio,omitempty"`
}

// FeeTable evaluates margin and commission per instrument.
type FeeTable struct {
	Infos map[Instrument]FeeInfo `json:"infos"`
}

// NewFeeTable creates an empty table.
func NewFeeTable() *FeeTable {
	return &FeeTable{Infos: make(map[Instrument]FeeInfo)}
}

// Info returns the terms for i.
func (t *FeeTable) Info(i Instrument) (FeeInfo, bool) {
	if t == nil {
		return FeeInfo{}, false
	}
	info, ok := t.Infos[i]
	return info, ok
}

// Multiplier returns the contract multiplier, defaulting to 1.
func (t *FeeTable) Multiplier(i Instrument) int64 {
	if info, ok := t.Info(i); ok && info.VolumeMultiple > 0 {
		return info.VolumeMultiple
	}
	return 1
}

// Margin returns the margin required to hold vol lots of side d at price.
func (t *FeeTable) Margin(i Instrument, d PosDirection, price Price, vol int64) Price {
	info, ok := t.Info(i)
	if !ok {
		return 0
	}
	byMoney, byVolume := info.LongMarginByMoney, info.LongMarginByVolume
	if d == PosShort {
		byMoney, byVolume = info.ShortMarginByMoney, info.ShortMarginByVolume
	}
	if info.BrokerMarginRatio > 0 {
		byMoney = info.BrokerMarginRatio
	}
	return feeAmount(price, vol, t.Multiplier(i), byMoney, byVolume)
}

// Commission returns the commission for trading vol lots at price.
func (t *FeeTable) Commission(i Instrument, offset OrderOffset, price Price, vol int64) Price {
	info, ok := t.Info(i)
	if !ok {
		return 0
	}
	byMoney, byVolume := info.OpenByMoney, info.OpenByVolume
	switch offset {
	case OffsetCloseToday:
		byMoney, byVolume = info.CloseTodayByMoney, info.CloseTodayByVolume
	case OffsetClose, OffsetCloseYesterday, OffsetForceClose:
		byMoney, byVolume = info.CloseByMoney, info.CloseByVolume
	}
	return feeAmount(price, vol, t.Multiplier(i), byMoney, byVolume)
}

func feeAmount(price Price, vol, multiple int64, byMoney, byVolume float64) Price {
	notional := price.Decimal().Mul(decimal.NewFromInt(vol * multiple))
	amount := notional.Mul(decimal.NewFromFloat(byMoney)).
		Add(decimal.NewFromFloat(byVolume).Mul(decimal.NewFromInt(vol)))
	return Price(amount.Shift(priceFractionDigits).Round(0).IntPart())
}
