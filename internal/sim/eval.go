package sim

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"trader/internal/config"
	"trader/internal/domain"
	"trader/internal/tradlet"
	"trader/internal/util"
)

// DayReport is the outcome of one simulated trading day.
type DayReport struct {
	TradingDay   string
	Ticks        int
	Orders       []*domain.Order
	Transactions []domain.Transaction
	Playbooks    []*tradlet.Playbook
	Money        domain.AccountMoney
	Positions    []*domain.Position
}

// Evaluator back-tests a setup over a range of market days.
type Evaluator struct {
	setup Setup
	env   Env
}

// NewEvaluator creates an evaluator. env.Ledger carries the account from
// one day to the next.
func NewEvaluator(setup Setup, env Env) *Evaluator {
	return &Evaluator{setup: setup, env: env}
}

// Run simulates every market day in [begin, end] in order.
func (e *Evaluator) Run(ctx context.Context, begin, end time.Time) ([]DayReport, error) {
	days := e.env.Calendar.MarketDays(begin, end)
	reports := make([]DayReport, 0, len(days))
	for _, day := range days {
		rt, err := NewRuntime(ctx, day, e.setup, e.env)
		if err != nil {
			return reports, err
		}
		runErr := rt.Run(ctx)
		rep := rt.Close()
		if runErr != nil {
			return reports, runErr
		}
		reports = append(reports, rep)
		e.env.Logger.Info("back-test day done",
			zap.String("tradingDay", rep.TradingDay),
			zap.Int("ticks", rep.Ticks),
			zap.Int("orders", len(rep.Orders)),
			zap.String("balance", rep.Money.Balance.String()))
	}
	return reports, nil
}

// WriteReport prints the orders and funds of each day.
func WriteReport(w io.Writer, reports []DayReport) error {
	for _, rep := range reports {
		if _, err := fmt.Fprintf(w, "--- trading day %s ---\norders:\n", rep.TradingDay); err != nil {
			return err
		}
		for _, o := range rep.Orders {
			at := time.UnixMilli(o.StateTuple.Timestamp).In(util.ChinaLocation)
			if _, err := fmt.Fprintf(w, "%12s %6s %14s %10s %4d %10s %s\n",
				o.Ref, o.Direction, o.Offset, o.LimitPrice, o.Volume, o.State(), at.Format("20060102 15:04:05")); err != nil {
				return err
			}
		}
		m := rep.Money
		if _, err := fmt.Fprintf(w, "balance: %s margin: %s commission: %s close profit: %s\n",
			m.Balance, m.CurrMargin, m.Commission, m.CloseProfit); err != nil {
			return err
		}
	}
	return nil
}

// FeesFromConfig builds the simulated fee table. An entry names either an
// instrument or a product; product terms apply to every instrument of the
// product and instrument terms override them.
func FeesFromConfig(fees []config.FeeConfig, instruments []domain.Instrument) (*domain.FeeTable, error) {
	table := domain.NewFeeTable()
	byProduct := make(map[string]domain.FeeInfo)
	byInstrument := make(map[domain.Instrument]domain.FeeInfo)
	for _, f := range fees {
		info := domain.FeeInfo{
			VolumeMultiple:     f.VolumeMultiple,
			LongMarginByMoney:  f.MarginRatio,
			ShortMarginByMoney: f.MarginRatio,
			OpenByMoney:        f.CommissionByMoney,
			OpenByVolume:       f.CommissionByVolume,
			CloseByMoney:       f.CommissionByMoney,
			CloseByVolume:      f.CommissionByVolume,
			CloseTodayByMoney:  f.CommissionByMoney,
			CloseTodayByVolume: f.CommissionByVolume,
		}
		if f.PriceTick != "" {
			tick, err := domain.ParsePrice(f.PriceTick)
			if err != nil {
				return nil, fmt.Errorf("fee %s: price tick: %w", f.Instrument, err)
			}
			info.PriceTick = tick
		}
		if inst, err := domain.ParseInstrument(f.Instrument); err == nil && inst.IsFuture() {
			byInstrument[inst] = info
			continue
		}
		byProduct[f.Instrument] = info
	}
	for _, inst := range instruments {
		if info, ok := byInstrument[inst]; ok {
			table.Infos[inst] = info
		} else if info, ok := byProduct[inst.Product()]; ok {
			table.Infos[inst] = info
		}
	}
	return table, nil
}
