package trade

import (
	"trader/internal/domain"
)

// fillEffect is what one fill did to a position.
type fillEffect struct {
	closed      int64        // volume actually closed
	closeProfit domain.Price // realised on the closed volume
	margin      domain.Price // margin added (open) or released (close, negative)
	clamped     int64        // close volume beyond what was held
}

// applyFill updates pos for one fill.
//
// Opens add to today's volume. CloseToday consumes only today's volume and
// CloseYesterday only yesterday's; every other close consumes yesterday's
// first. A close never takes more than its offset allows: the excess is
// reported in clamped.
// Close profit is realised FIFO against the open lots.
func applyFill(pos *domain.Position, txn *domain.Transaction, fees *domain.FeeTable) fillEffect {
	mult := fees.Multiplier(txn.Instrument)
	var eff fillEffect

	if txn.Offset == domain.OffsetOpen {
		side := domain.PosDirectionOf(txn.Direction)
		margin := fees.Margin(txn.Instrument, side, txn.Price, txn.Volume)
		cost := txn.Price.Mul(txn.Volume * mult)
		if side == domain.PosShort {
			pos.ShortToday += txn.Volume
			pos.ShortMargin += margin
		} else {
			pos.LongToday += txn.Volume
			pos.LongMargin += margin
		}
		pos.OpenCost += cost
		pos.PositionCost += cost
		pos.Lots = append(pos.Lots, domain.PositionLot{
			Direction: side,
			Volume:    txn.Volume,
			OpenPrice: txn.Price,
			OpenDate:  txn.TradingDay,
			Today:     true,
		})
		eff.margin = margin
		pos.UpdateDirection()
		return eff
	}

	// A sell closes the long side and a buy closes the short side.
	side := domain.PosLong
	today, yesterday, sideMargin := &pos.LongToday, &pos.LongYesterday, &pos.LongMargin
	if txn.Direction == domain.DirectionBuy {
		side = domain.PosShort
		today, yesterday, sideMargin = &pos.ShortToday, &pos.ShortYesterday, &pos.ShortMargin
	}
	held := *today + *yesterday
	closable := held
	switch txn.Offset {
	case domain.OffsetCloseToday:
		closable = *today
	case domain.OffsetCloseYesterday:
		closable = *yesterday
	}
	vol := txn.Volume
	if vol > closable {
		eff.clamped = vol - closable
		vol = closable
	}
	var fromToday, fromYesterday int64
	if txn.Offset == domain.OffsetCloseToday {
		fromToday = vol
	} else {
		fromYesterday = min(vol, *yesterday)
		fromToday = vol - fromYesterday
	}

	if held > 0 && vol > 0 {
		released := domain.Price(int64(*sideMargin) * vol / held)
		*sideMargin -= released
		eff.margin = -released
	}
	*today -= fromToday
	*yesterday -= fromYesterday

	openCost := consumeLots(pos, side, false, fromYesterday, mult) + consumeLots(pos, side, true, fromToday, mult)
	closeValue := txn.Price.Mul(vol * mult)
	profit := closeValue - openCost
	if side == domain.PosShort {
		profit = -profit
	}
	pos.OpenCost -= openCost
	pos.PositionCost -= openCost
	pos.CloseProfit += profit
	if txn.Offset == domain.OffsetForceClose {
		pos.ForceClosed += vol
	}
	eff.closed = vol
	eff.closeProfit = profit
	pos.UpdateDirection()
	return eff
}

// consumeLots removes vol lots of side from the oldest matching lots and
// returns their open cost. Lots missing from the book (positions restored
// from a summary only) are costed at the average open price.
func consumeLots(pos *domain.Position, side domain.PosDirection, today bool, vol, mult int64) domain.Price {
	if vol <= 0 {
		return 0
	}
	avg := averageOpenPrice(pos, side, mult)
	var cost domain.Price
	kept := pos.Lots[:0]
	for _, lot := range pos.Lots {
		if vol > 0 && lot.Direction == side && lot.Today == today {
			take := min(vol, lot.Volume)
			cost += lot.OpenPrice.Mul(take * mult)
			lot.Volume -= take
			vol -= take
		}
		if lot.Volume > 0 {
			kept = append(kept, lot)
		}
	}
	pos.Lots = kept
	if vol > 0 {
		cost += avg.Mul(vol * mult)
	}
	return cost
}

func averageOpenPrice(pos *domain.Position, side domain.PosDirection, mult int64) domain.Price {
	var cost domain.Price
	var vol int64
	for _, lot := range pos.Lots {
		if lot.Direction == side {
			cost += lot.OpenPrice.Mul(lot.Volume)
			vol += lot.Volume
		}
	}
	if vol > 0 {
		return cost / domain.Price(vol)
	}
	held := pos.Volume(side)
	if held > 0 && mult > 0 {
		return pos.OpenCost / domain.Price(held*mult)
	}
	return 0
}

// markToMarket recomputes the position profit of pos at last.
func markToMarket(pos *domain.Position, last domain.Price, mult int64) {
	var profit domain.Price
	lotted := map[domain.PosDirection]int64{}
	for _, lot := range pos.Lots {
		diff := (last - lot.OpenPrice).Mul(lot.Volume * mult)
		if lot.Direction == domain.PosShort {
			diff = -diff
		}
		profit += diff
		lotted[lot.Direction] += lot.Volume
	}
	for _, side := range []domain.PosDirection{domain.PosLong, domain.PosShort} {
		rest := pos.Volume(side) - lotted[side]
		if rest <= 0 {
			continue
		}
		avg := averageOpenPrice(pos, side, mult)
		diff := (last - avg).Mul(rest * mult)
		if side == domain.PosShort {
			diff = -diff
		}
		profit += diff
	}
	pos.PositionProfit = profit
}

// closableVolume returns what a close order with offset may still take from
// side, net of volume frozen by working close orders.
func closableVolume(pos *domain.Position, side domain.PosDirection, offset domain.OrderOffset) int64 {
	if pos == nil {
		return 0
	}
	frozen := pos.LongFrozen
	today, yesterday := pos.LongToday, pos.LongYesterday
	if side == domain.PosShort {
		frozen = pos.ShortFrozen
		today, yesterday = pos.ShortToday, pos.ShortYesterday
	}
	held := today + yesterday
	switch offset {
	case domain.OffsetCloseToday:
		held = today
	case domain.OffsetCloseYesterday:
		held = yesterday
	}
	return max(held-frozen, 0)
}

// freezeClose adjusts the volume frozen on the side an order closes.
func freezeClose(pos *domain.Position, o *domain.Order, delta int64) {
	if pos == nil || !o.Offset.IsClose() {
		return
	}
	if o.Direction == domain.DirectionSell {
		pos.LongFrozen = max(pos.LongFrozen+delta, 0)
	} else {
		pos.ShortFrozen = max(pos.ShortFrozen+delta, 0)
	}
}
