package store

import (
	"context"
	"fmt"
	"time"

	"trader/internal/domain"
)

// AggregateBars builds bars of level from one trading day of ticks. Tick
// volume and turnover are cumulative for the day; bar values are the
// increase over the bar. Minute bars are aligned to the clock and indexed
// from zero; a day produces a single day bar.
func AggregateBars(ticks []domain.Tick, level domain.BarLevel) []domain.Bar {
	if len(ticks) == 0 || level == domain.BarLevelTick {
		return nil
	}
	width := time.Duration(level.Minutes()) * time.Minute
	var (
		bars       []domain.Bar
		cur        *domain.Bar
		prevVolume int64
		prevTurn   domain.Price
	)
	for i := range ticks {
		t := &ticks[i]
		begin := t.Time
		if width > 0 {
			begin = t.Time.Truncate(width)
		}
		if cur == nil || (width > 0 && !begin.Equal(cur.Begin)) {
			if cur != nil {
				prevVolume += cur.Volume
				prevTurn += cur.Turnover
			}
			bars = append(bars, domain.Bar{
				Instrument: t.Instrument,
				Level:      level,
				TradingDay: t.TradingDay,
				Index:      len(bars),
				Begin:      begin,
				End:        begin.Add(width),
				Open:       t.LastPrice,
				High:       t.LastPrice,
				Low:        t.LastPrice,
			})
			cur = &bars[len(bars)-1]
		}
		cur.High = max(cur.High, t.LastPrice)
		cur.Low = min(cur.Low, t.LastPrice)
		cur.Close = t.LastPrice
		cur.Volume = max(t.Volume-prevVolume, 0)
		cur.Turnover = max(t.Turnover-prevTurn, 0)
		cur.OpenInterest = t.OpenInterest
		if width == 0 {
			cur.End = t.Time
		}
	}
	return bars
}

// LoadBars aggregates the ticks of every day in days into bars of level.
func LoadBars(ctx context.Context, ticks TickStore, inst domain.Instrument, level domain.BarLevel, days []string) ([]domain.Bar, error) {
	var out []domain.Bar
	for _, day := range days {
		dayTicks, err := ticks.ReadTicks(ctx, inst, day)
		if err != nil {
			return nil, fmt.Errorf("load bars %s %s: %w", inst, day, err)
		}
		out = append(out, AggregateBars(dayTicks, level)...)
	}
	return out, nil
}
