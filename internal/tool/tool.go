// Package tool implements the command line actions that run outside the
// live engine: back-testing and market data export.
package tool

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"trader/internal/config"
	"trader/internal/domain"
	"trader/internal/store"
	"trader/internal/tradlet"
	"trader/internal/util"
)

// ErrUsage marks bad command line arguments.
var ErrUsage = errors.New("usage")

// Env is what every action receives.
type Env struct {
	Config   *config.Config
	Registry *tradlet.Registry
	Out      io.Writer
	Logger   *zap.Logger
}

func (env Env) calendar() *util.TradingCalendar {
	return util.NewTradingCalendar(util.ChinaLocation, env.Config.Trading.Holidays...)
}

func (env Env) tickStore() (store.TickStore, error) {
	return store.NewTickStore(env.Config.Storage.TickFormat, env.Config.Storage.DataDir, util.ChinaLocation)
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// parseFlags parses args and wraps any failure in ErrUsage.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUsage, fs.Name(), err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: %s: unexpected argument %q", ErrUsage, fs.Name(), fs.Arg(0))
	}
	return nil
}

// dateRange parses the beginDate and endDate flags.
func dateRange(name, begin, end string) (time.Time, time.Time, error) {
	if begin == "" || end == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s: --beginDate and --endDate are required", ErrUsage, name)
	}
	b, err := domain.ParseDay(begin, util.ChinaLocation)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s: beginDate %q: %v", ErrUsage, name, begin, err)
	}
	e, err := domain.ParseDay(end, util.ChinaLocation)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s: endDate %q: %v", ErrUsage, name, end, err)
	}
	if e.Before(b) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s: endDate %s before beginDate %s", ErrUsage, name, end, begin)
	}
	return b, e, nil
}
