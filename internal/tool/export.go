package tool

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"trader/internal/domain"
	"trader/internal/store"
	"trader/internal/util"
)

// Export writes the stored market data of one instrument over a date range
// as a tick or bar CSV file.
func Export(ctx context.Context, env Env, args []string) error {
	fs := newFlagSet("repository.export", env.Out)
	instrument := fs.String("instrument", "", "instrument, e.g. SHFE.au1906")
	levelName := fs.String("level", "tick", "tick, min1, min5 or day")
	beginDate := fs.String("beginDate", "", "first trading day, YYYYMMDD")
	endDate := fs.String("endDate", "", "last trading day, YYYYMMDD")
	outputFile := fs.String("outputFile", "", "output path; default <instrument>-<level>.csv")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *instrument == "" {
		return fmt.Errorf("%w: repository.export: --instrument is required", ErrUsage)
	}
	inst, err := domain.ParseInstrument(*instrument)
	if err != nil || !inst.IsFuture() {
		return fmt.Errorf("%w: repository.export: instrument %q", ErrUsage, *instrument)
	}
	level, ok := domain.ParseBarLevel(*levelName)
	if !ok {
		return fmt.Errorf("%w: repository.export: level %q", ErrUsage, *levelName)
	}
	begin, end, err := dateRange("repository.export", *beginDate, *endDate)
	if err != nil {
		return err
	}
	path := *outputFile
	if path == "" {
		path = fmt.Sprintf("%s-%s.csv", inst.Symbol, level)
	}

	ticks, err := env.tickStore()
	if err != nil {
		return fmt.Errorf("repository.export: %w", err)
	}
	var days []string
	for _, d := range env.calendar().MarketDays(begin, end) {
		days = append(days, domain.FormatDay(d))
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("repository.export: %w", err)
	}
	rows, werr := writeLevel(ctx, f, ticks, inst, level, days)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("repository.export %s: %w", inst, werr)
	}
	env.Logger.Info("exported",
		zap.String("instrument", inst.String()),
		zap.String("level", string(level)),
		zap.Int("rows", rows),
		zap.String("file", path))
	fmt.Fprintf(env.Out, "exported %d rows to %s\n", rows, path)
	return nil
}

func writeLevel(ctx context.Context, w io.Writer, ticks store.TickStore, inst domain.Instrument,
	level domain.BarLevel, days []string) (int, error) {
	if level == domain.BarLevelTick {
		var all []domain.Tick
		for _, day := range days {
			dayTicks, err := ticks.ReadTicks(ctx, inst, day)
			if err != nil {
				return 0, err
			}
			all = append(all, dayTicks...)
		}
		return len(all), store.WriteTicksCSV(w, all, util.ChinaLocation)
	}
	bars, err := store.LoadBars(ctx, ticks, inst, level, days)
	if err != nil {
		return 0, err
	}
	return len(bars), store.WriteBarsCSV(w, level, bars, util.ChinaLocation)
}
