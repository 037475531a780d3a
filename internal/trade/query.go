package trade

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"

	"trader/internal/broker"
	"trader/internal/domain"
)

// SyncConfirmSettlement confirms the settlement statement of the current
// trading day. It returns the decoded statement when a confirmation was sent
// by this call and "" when the day was already confirmed.
func (s *Session) SyncConfirmSettlement(ctx context.Context) (string, error) {
	td := domain.FormatDay(s.TradingDay())
	confirm, err := syncCall(ctx, s, "query settlement confirm", s.api.QrySettlementInfoConfirm)
	if err != nil {
		return "", err
	}
	if confirm != nil && confirm.ConfirmDate == td {
		s.logger.Debug("settlement already confirmed", zap.String("tradingDay", td))
		return "", nil
	}

	fragments, err := syncCall(ctx, s, "query settlement", func(ctx context.Context) ([]broker.SettlementInfo, error) {
		return s.api.QrySettlementInfo(ctx, td)
	})
	if err != nil {
		return "", err
	}
	if len(fragments) == 0 && !s.cfg.ConfirmEmptySettlement {
		s.logger.Warn("empty settlement left unconfirmed", zap.String("tradingDay", td))
		return "", nil
	}
	text, err := decodeSettlement(fragments)
	if err != nil {
		s.logger.Warn("settlement not valid GBK", zap.Error(err))
	}
	if _, err := syncCall(ctx, s, "confirm settlement", s.api.ReqSettlementInfoConfirm); err != nil {
		return "", err
	}
	s.logger.Info("settlement confirmed", zap.String("tradingDay", td), zap.Int("fragments", len(fragments)))
	return text, nil
}

// decodeSettlement joins the fragments in sequence order before decoding, as
// a multi-byte character may straddle two fragments.
func decodeSettlement(fragments []broker.SettlementInfo) (string, error) {
	sorted := append([]broker.SettlementInfo(nil), fragments...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SequenceNo < sorted[j].SequenceNo })
	var raw []byte
	for _, f := range sorted {
		raw = append(raw, f.Content...)
	}
	out, err := simplifiedchinese.GBK.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw), err
	}
	return string(out), nil
}

// SyncQueryAccount returns the account funds.
func (s *Session) SyncQueryAccount(ctx context.Context) (domain.AccountMoney, error) {
	a, err := syncCall(ctx, s, "query trading account", s.api.QryTradingAccount)
	if err != nil || a == nil {
		return domain.AccountMoney{}, err
	}
	return domain.AccountMoney{
		Balance:          domain.PriceFromFloat(a.Balance),
		Available:        domain.PriceFromFloat(a.Available),
		CurrMargin:       domain.PriceFromFloat(a.CurrMargin),
		PreMargin:        domain.PriceFromFloat(a.PreMargin),
		FrozenMargin:     domain.PriceFromFloat(a.FrozenMargin),
		FrozenCash:       domain.PriceFromFloat(a.FrozenCash),
		FrozenCommission: domain.PriceFromFloat(a.FrozenCommission),
		Commission:       domain.PriceFromFloat(a.Commission),
		CloseProfit:      domain.PriceFromFloat(a.CloseProfit),
		PositionProfit:   domain.PriceFromFloat(a.PositionProfit),
		Deposit:          domain.PriceFromFloat(a.Deposit),
		Withdraw:         domain.PriceFromFloat(a.Withdraw),
		WithdrawQuota:    domain.PriceFromFloat(a.WithdrawQuota),
	}, nil
}

// SyncLoadFeeEvaluator builds the fee table for the tradable futures the
// broker lists, restricted to subscriptions when any are given. Positions
// should be queried first: their broker/exchange margin ratio adjusts the
// by-money margin rate.
func (s *Session) SyncLoadFeeEvaluator(ctx context.Context, subscriptions []domain.Instrument) (*domain.FeeTable, error) {
	fields, err := syncCall(ctx, s, "query instruments", s.api.QryInstruments)
	if err != nil {
		return nil, err
	}
	want := make(map[domain.Instrument]bool, len(subscriptions))
	for _, i := range subscriptions {
		want[i] = true
	}
	s.mu.Lock()
	margins := make(map[domain.Instrument]marginPair, len(s.posMargins))
	for k, v := range s.posMargins {
		margins[k] = v
	}
	s.mu.Unlock()

	table := domain.NewFeeTable()
	for _, f := range fields {
		inst := domain.NewInstrument(domain.Exchange(f.ExchangeID), f.InstrumentID)
		if !f.IsTrading || !inst.IsFuture() {
			continue
		}
		s.registry.Add(inst)
		if len(want) > 0 && !want[inst] {
			continue
		}
		info := domain.FeeInfo{
			PriceTick:      domain.PriceFromFloat(f.PriceTick),
			VolumeMultiple: int64(f.VolumeMultiple),
		}
		id := f.InstrumentID
		m, err := syncCall(ctx, s, "query margin rate "+id, func(ctx context.Context) (*broker.MarginRate, error) {
			return s.api.QryMarginRate(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		if m != nil {
			info.LongMarginByMoney = m.LongMarginRatioByMoney
			info.LongMarginByVolume = m.LongMarginRatioByVolume
			info.ShortMarginByMoney = m.ShortMarginRatioByMoney
			info.ShortMarginByVolume = m.ShortMarginRatioByVolume
		}
		c, err := syncCall(ctx, s, "query commission rate "+id, func(ctx context.Context) (*broker.CommissionRate, error) {
			return s.api.QryCommissionRate(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		if c != nil {
			info.OpenByMoney = c.OpenRatioByMoney
			info.OpenByVolume = c.OpenRatioByVolume
			info.CloseByMoney = c.CloseRatioByMoney
			info.CloseByVolume = c.CloseRatioByVolume
			info.CloseTodayByMoney = c.CloseTodayRatioByMoney
			info.CloseTodayByVolume = c.CloseTodayRatioByVolume
		}
		if mp, ok := margins[inst]; ok && mp.exchange > 0 && mp.broker != mp.exchange {
			info.BrokerMarginRatio = brokerMarginRatio(mp, info.LongMarginByMoney)
		}
		table.Infos[inst] = info
	}
	s.logger.Info("fee table loaded", zap.Int("instruments", len(table.Infos)))
	return table, nil
}

// brokerMarginRatio scales the exchange ratio by the broker's surcharge
// seen on open positions.
func brokerMarginRatio(mp marginPair, exchangeRatio float64) float64 {
	return mp.broker * exchangeRatio / mp.exchange
}

// SyncQueryPositions merges the position summary with the open lots. A lot
// is today's iff its open date equals the trading day. Instruments with no
// detail rows take their volumes from the summary.
func (s *Session) SyncQueryPositions(ctx context.Context) ([]*domain.Position, error) {
	summary, err := syncCall(ctx, s, "query positions", s.api.QryInvestorPositions)
	if err != nil {
		return nil, err
	}
	details, err := syncCall(ctx, s, "query position details", s.api.QryPositionDetails)
	if err != nil {
		return nil, err
	}
	td := domain.FormatDay(s.TradingDay())
	byInst := make(map[domain.Instrument]*domain.Position)
	get := func(inst domain.Instrument) *domain.Position {
		p, ok := byInst[inst]
		if !ok {
			p = &domain.Position{Instrument: inst}
			byInst[inst] = p
		}
		return p
	}
	margins := make(map[domain.Instrument]marginPair)
	detailed := make(map[domain.Instrument]bool)

	for _, d := range details {
		inst := instrumentOf(d.ExchangeID, d.InstrumentID)
		p := get(inst)
		detailed[inst] = true
		side := domain.PosLong
		if d.Direction == broker.DirectionSell {
			side = domain.PosShort
		}
		today := d.OpenDate == td
		vol := int64(d.Volume)
		switch {
		case side == domain.PosLong && today:
			p.LongToday += vol
		case side == domain.PosLong:
			p.LongYesterday += vol
		case today:
			p.ShortToday += vol
		default:
			p.ShortYesterday += vol
		}
		p.Lots = append(p.Lots, domain.PositionLot{
			Direction: side,
			Volume:    vol,
			OpenPrice: domain.PriceFromFloat(d.OpenPrice),
			OpenDate:  d.OpenDate,
			Today:     today,
		})
		mp := margins[inst]
		mp.broker += d.Margin
		mp.exchange += d.ExchMargin
		margins[inst] = mp
	}

	for _, r := range summary {
		inst := instrumentOf(r.ExchangeID, r.InstrumentID)
		p := get(inst)
		useMargin := domain.PriceFromFloat(r.UseMargin)
		short := r.PosiDirection == broker.PosiDirectionShort
		if short {
			p.ShortMargin += useMargin
		} else {
			p.LongMargin += useMargin
		}
		p.LongFrozen += int64(r.LongFrozen)
		p.ShortFrozen += int64(r.ShortFrozen)
		p.FrozenMargin += domain.PriceFromFloat(r.FrozenMargin)
		p.PositionCost += domain.PriceFromFloat(r.PositionCost)
		p.OpenCost += domain.PriceFromFloat(r.OpenCost)
		p.CloseProfit += domain.PriceFromFloat(r.CloseProfit)
		p.PositionProfit += domain.PriceFromFloat(r.PositionProfit)
		if !detailed[inst] {
			today := int64(r.TodayPosition)
			yd := int64(r.Position) - today
			if short {
				p.ShortToday += today
				p.ShortYesterday += yd
			} else {
				p.LongToday += today
				p.LongYesterday += yd
			}
			mp := margins[inst]
			mp.broker += r.UseMargin
			mp.exchange += r.ExchangeMargin
			margins[inst] = mp
		}
	}

	s.mu.Lock()
	s.posMargins = margins
	s.mu.Unlock()

	out := make([]*domain.Position, 0, len(byInst))
	for _, p := range byInst {
		p.UpdateDirection()
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument.String() < out[j].Instrument.String() })
	return out, nil
}

// SyncQueryOrders returns today's orders and trades as the broker sees them.
func (s *Session) SyncQueryOrders(ctx context.Context) ([]broker.OrderField, []broker.TradeField, error) {
	orders, err := syncCall(ctx, s, "query orders", s.api.QryOrders)
	if err != nil {
		return nil, nil, err
	}
	trades, err := syncCall(ctx, s, "query trades", s.api.QryTrades)
	if err != nil {
		return nil, nil, err
	}
	return orders, trades, nil
}
