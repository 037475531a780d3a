package domain

import "time"

// DayLayout is the layout of trading-day strings such as "20181228".
const DayLayout = "20060102"

// FormatDay formats t as a trading-day string.
func FormatDay(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DayLayout)
}

// ParseDay parses a trading-day string in the given location.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DayLayout, s, loc)
}

// PriceLevel is one level of a bid or ask ladder.
type PriceLevel struct {
	Price  Price `json:"price"`
	Volume int64 `json:"volume"`
}

// Tick is a market data snapshot for one instrument.
type Tick struct {
	Instrument   Instrument   `json:"instrument"`
	Time         time.Time    `json:"time"`
	TradingDay   string       `json:"tradingDay"`
	LastPrice    Price        `json:"lastPrice"`
	Bids         []PriceLevel `json:"bids,omitempty"`
	Asks         []PriceLevel `json:"asks,omitempty"`
	Volume       int64        `json:"volume"`
	Turnover     Price        `json:"turnover"`
	OpenInterest int64        `json:"openInterest"`
}

// BidPrice returns the best bid or zero when the ladder is empty.
func (t *Tick) BidPrice() Price {
	if len(t.Bids) == 0 {
		return 0
	}
	return t.Bids[0].Price
}

// AskPrice returns the best ask or zero when the ladder is empty.
func (t *Tick) AskPrice() Price {
	if len(t.Asks) == 0 {
		return 0
	}
	return t.Asks[0].Price
}

// BarLevel is the aggregation period of a bar.
type BarLevel string

const (
	BarLevelTick BarLevel = "tick"
	BarLevelMin1 BarLevel = "min1"
	BarLevelMin5 BarLevel = "min5"
	BarLevelDay  BarLevel = "day"
)

// Minutes returns the bar width in minutes, or zero for tick and day.
func (l BarLevel) Minutes() int {
	switch l {
	case BarLevelMin1:
		return 1
	case BarLevelMin5:
		return 5
	}
	return 0
}

// ParseBarLevel validates a level name.
func ParseBarLevel(s string) (BarLevel, bool) {
	switch l := BarLevel(s); l {
	case BarLevelTick, BarLevelMin1, BarLevelMin5, BarLevelDay:
		return l, true
	}
	return "", false
}

// Bar is an OHLC aggregate over an interval of ticks.
type Bar struct {
	Instrument   Instrument `json:"instrument"`
	Level        BarLevel   `json:"level"`
	TradingDay   string     `json:"tradingDay"`
	Index        int        `json:"index"`
	Begin        time.Time  `json:"begin"`
	End          time.Time  `json:"end"`
	Open         Price      `json:"open"`
	High         Price      `json:"high"`
	Low          Price      `json:"low"`
	Close        Price      `json:"close"`
	Volume       int64      `json:"volume"`
	Turnover     Price      `json:"turnover"`
	OpenInterest int64      `json:"openInterest"`
}
