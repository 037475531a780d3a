package tool

import (
	"context"
	"fmt"
	"time"

	"trader/internal/domain"
	"trader/internal/engine"
	"trader/internal/sim"
	"trader/internal/store"
)

// SimAccountID names the simulated account when no group names one.
const SimAccountID = "sim"

// Eval back-tests the configured tradlet groups over the market days
// between --beginDate and --endDate and prints the daily report.
func Eval(ctx context.Context, env Env, args []string) error {
	fs := newFlagSet("eval", env.Out)
	beginDate := fs.String("beginDate", "", "first trading day, YYYYMMDD")
	endDate := fs.String("endDate", "", "last trading day, YYYYMMDD")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	begin, end, err := dateRange("eval", *beginDate, *endDate)
	if err != nil {
		return err
	}

	cfg := env.Config
	setup := sim.Setup{AccountID: SimAccountID, Registry: env.Registry}
	instruments := domain.NewRegistry()
	for _, g := range cfg.Tradlets.Groups {
		opts, err := engine.GroupOptions(g, instruments)
		if err != nil {
			return fmt.Errorf("eval: %w", err)
		}
		setup.Groups = append(setup.Groups, opts)
		if setup.AccountID == SimAccountID && g.Account != "" {
			setup.AccountID = g.Account
		}
	}
	if len(setup.Groups) == 0 {
		return fmt.Errorf("eval: no tradlet groups configured")
	}
	setup.Risk = engine.NewRiskManager(cfg.Trading.MaxOrderVolume, cfg.Trading.MaxMarginRatio, cfg.Trading.MaxDailyLossRatio)

	balance, err := domain.ParsePrice(cfg.Simulator.InitialBalance)
	if err != nil {
		return fmt.Errorf("eval: initial balance: %w", err)
	}
	fees, err := sim.FeesFromConfig(cfg.Simulator.Fees, setup.AllInstruments())
	if err != nil {
		return fmt.Errorf("eval: %w", err)
	}
	ticks, err := env.tickStore()
	if err != nil {
		return fmt.Errorf("eval: %w", err)
	}
	cal := env.calendar()
	simEnv := sim.Env{
		Calendar:   cal,
		Ticks:      ticks,
		Repository: store.NewMemoryRepository(),
		Ledger:     sim.NewLedger(balance, fees),
		Logger:     env.Logger,
	}

	start := time.Now()
	fmt.Fprintf(env.Out, "back-test %s - %s, %d market days\n",
		domain.FormatDay(begin), domain.FormatDay(end), len(cal.MarketDays(begin, end)))
	reports, err := sim.NewEvaluator(setup, simEnv).Run(ctx, begin, end)
	if werr := sim.WriteReport(env.Out, reports); werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		return fmt.Errorf("eval: %w", err)
	}
	fmt.Fprintf(env.Out, "finished in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
