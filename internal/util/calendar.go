package util

import (
	"time"

	"trader/internal/domain"
)

// ChinaLocation is the exchange time zone. It falls back to a fixed +08:00
// zone when tzdata is unavailable.
var ChinaLocation = loadChinaLocation()

func loadChinaLocation() *time.Location {
	if loc, err := time.LoadLocation("Asia/Shanghai"); err == nil {
		return loc
	}
	return time.FixedZone("CST", 8*3600)
}

// builtinHolidays are exchange closures on weekdays.
var builtinHolidays = []string{
	"20180101", "20180215", "20180216", "20180219", "20180220", "20180221",
	"20180405", "20180406", "20180430", "20180501", "20180618", "20180924",
	"20181001", "20181002", "20181003", "20181004", "20181005", "20181231",
	"20190101", "20190204", "20190205", "20190206", "20190207", "20190208",
	"20190405", "20190501", "20190502", "20190503", "20190607", "20190913",
	"20191001", "20191002", "20191003", "20191004", "20191007",
}

// TimeRange is a half-open interval [Begin, End).
type TimeRange struct {
	Begin time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Begin) && t.Before(r.End)
}

type clock struct{ h, m int }

type session struct{ begin, end clock }

var (
	commodityDay = []session{{clock{9, 0}, clock{10, 15}}, {clock{10, 30}, clock{11, 30}}, {clock{13, 30}, clock{15, 0}}}
	indexDay     = []session{{clock{9, 30}, clock{11, 30}}, {clock{13, 0}, clock{15, 0}}}
	bondDay      = []session{{clock{9, 15}, clock{11, 30}}, {clock{13, 0}, clock{15, 15}}}
)

// nightEnds gives the close of the night session, measured on the evening
// it opens (values past 24:00 roll into the next morning).
var nightEnds = map[string]clock{
	"au": {26, 30}, "ag": {26, 30}, "sc": {26, 30},
	"cu": {25, 0}, "al": {25, 0}, "zn": {25, 0}, "pb": {25, 0}, "ni": {25, 0},
	"sn": {25, 0}, "ss": {25, 0}, "bc": {25, 0},
	"rb": {23, 0}, "hc": {23, 0}, "bu": {23, 0}, "ru": {23, 0}, "fu": {23, 0},
	"sp": {23, 0}, "nr": {23, 0}, "lu": {23, 0},
	"a": {23, 0}, "b": {23, 0}, "m": {23, 0}, "y": {23, 0}, "p": {23, 0},
	"i": {23, 0}, "j": {23, 0}, "jm": {23, 0}, "l": {23, 0}, "v": {23, 0},
	"pp": {23, 0}, "eg": {23, 0}, "c": {23, 0}, "cs": {23, 0},
	"SR": {23, 0}, "CF": {23, 0}, "TA": {23, 0}, "MA": {23, 0}, "OI": {23, 0},
	"RM": {23, 0}, "FG": {23, 0}, "ZC": {23, 0}, "SA": {23, 0},
}

// TradingCalendar knows exchange market days and trading hours.
type TradingCalendar struct {
	loc      *time.Location
	holidays map[string]bool
}

// NewTradingCalendar creates a calendar in loc with the built-in holiday
// list plus extra YYYYMMDD dates.
func NewTradingCalendar(loc *time.Location, extraHolidays ...string) *TradingCalendar {
	if loc == nil {
		loc = ChinaLocation
	}
	h := make(map[string]bool, len(builtinHolidays)+len(extraHolidays))
	for _, d := range builtinHolidays {
		h[d] = true
	}
	for _, d := range extraHolidays {
		h[d] = true
	}
	return &TradingCalendar{loc: loc, holidays: h}
}

// Location returns the exchange time zone.
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// Date truncates t to midnight in the exchange zone.
func (tc *TradingCalendar) Date(t time.Time) time.Time {
	t = t.In(tc.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, tc.loc)
}

// IsMarketDay reports whether the exchange trades on the date of t.
func (tc *TradingCalendar) IsMarketDay(t time.Time) bool {
	d := tc.Date(t)
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	return !tc.holidays[domain.FormatDay(d)]
}

// NextMarketDay returns the first market day strictly after the date of t.
func (tc *TradingCalendar) NextMarketDay(t time.Time) time.Time {
	d := tc.Date(t).AddDate(0, 0, 1)
	for !tc.IsMarketDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// PrevMarketDay returns the last market day strictly before the date of t.
func (tc *TradingCalendar) PrevMarketDay(t time.Time) time.Time {
	d := tc.Date(t).AddDate(0, 0, -1)
	for !tc.IsMarketDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// MarketDays lists the market days in [begin, end].
func (tc *TradingCalendar) MarketDays(begin, end time.Time) []time.Time {
	var days []time.Time
	last := tc.Date(end)
	for d := tc.Date(begin); !d.After(last); d = d.AddDate(0, 0, 1) {
		if tc.IsMarketDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// TradingDay resolves the trading day t belongs to. Evening and
// after-midnight night-session hours count toward the next market day.
func (tc *TradingCalendar) TradingDay(t time.Time) time.Time {
	t = t.In(tc.loc)
	d := tc.Date(t)
	switch {
	case t.Hour() < 3:
		return tc.NextMarketDay(d.AddDate(0, 0, -1))
	case t.Hour() >= 18:
		return tc.NextMarketDay(d)
	case tc.IsMarketDay(d):
		return d
	default:
		return tc.NextMarketDay(d)
	}
}

// TradingHours returns the sessions of instrument on the given trading day
// in chronological order, starting with the night session held on the
// previous market day's evening when there is one.
func (tc *TradingCalendar) TradingHours(instrument domain.Instrument, tradingDay time.Time) []TimeRange {
	day := tc.Date(tradingDay)
	if !tc.IsMarketDay(day) {
		return nil
	}
	var out []TimeRange
	product := instrument.Product()
	if end, ok := nightEnds[product]; ok {
		prev := tc.PrevMarketDay(day)
		// No night session after a holiday break.
		if tc.onlyWeekendBetween(prev, day) {
			out = append(out, TimeRange{Begin: at(prev, clock{21, 0}), End: at(prev, end)})
		}
	}
	for _, s := range daySessions(instrument) {
		out = append(out, TimeRange{Begin: at(day, s.begin), End: at(day, s.end)})
	}
	return out
}

// IsMarketOpen reports whether instrument trades at t.
func (tc *TradingCalendar) IsMarketOpen(instrument domain.Instrument, t time.Time) bool {
	for _, r := range tc.TradingHours(instrument, tc.TradingDay(t)) {
		if r.Contains(t) {
			return true
		}
	}
	return false
}

func (tc *TradingCalendar) onlyWeekendBetween(prev, day time.Time) bool {
	for d := prev.AddDate(0, 0, 1); d.Before(day); d = d.AddDate(0, 0, 1) {
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			return false
		}
	}
	return true
}

func daySessions(i domain.Instrument) []session {
	if i.Exchange != domain.ExchangeCFFEX {
		return commodityDay
	}
	switch i.Product() {
	case "T", "TF", "TS":
		return bondDay
	}
	return indexDay
}

func at(day time.Time, c clock) time.Time {
	return day.Add(time.Duration(c.h)*time.Hour + time.Duration(c.m)*time.Minute)
}
