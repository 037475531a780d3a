// Package md distributes market data. Ticks of one instrument reach every
// subscriber in timestamp order, on that instrument's executor key.
package md

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trader/internal/bus"
	"trader/internal/domain"
	"trader/internal/store"
)

// Handler receives a tick. The tick is shared between handlers and must not
// be modified.
type Handler func(t *domain.Tick)

type subscription struct {
	instruments map[domain.Instrument]bool
	fn          Handler
}

func (s subscription) wants(inst domain.Instrument) bool {
	return len(s.instruments) == 0 || s.instruments[inst]
}

// Distributor fans ticks out to subscribers.
type Distributor struct {
	exec   bus.Executor
	logger *zap.Logger

	mu      sync.RWMutex
	subs    []subscription
	last    map[domain.Instrument]time.Time
	dropped int64
}

// NewDistributor creates a distributor that delivers on exec.
func NewDistributor(exec bus.Executor, logger *zap.Logger) *Distributor {
	return &Distributor{
		exec:   exec,
		logger: logger,
		last:   make(map[domain.Instrument]time.Time),
	}
}

// Subscribe registers fn for ticks of instruments, or of every instrument
// when none are named. Handlers run in subscription order.
func (d *Distributor) Subscribe(fn Handler, instruments ...domain.Instrument) {
	s := subscription{fn: fn}
	if len(instruments) > 0 {
		s.instruments = make(map[domain.Instrument]bool, len(instruments))
		for _, inst := range instruments {
			s.instruments[inst] = true
		}
	}
	d.mu.Lock()
	d.subs = append(d.subs, s)
	d.mu.Unlock()
}

// Subscriptions returns the instruments named by subscribers, sorted.
func (d *Distributor) Subscriptions() []domain.Instrument {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[domain.Instrument]bool)
	var out []domain.Instrument
	for _, s := range d.subs {
		for inst := range s.instruments {
			if !seen[inst] {
				seen[inst] = true
				out = append(out, inst)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Publish delivers t. A tick older than the last one published for the same
// instrument is dropped and Publish returns false.
func (d *Distributor) Publish(t domain.Tick) bool {
	d.mu.Lock()
	if last, ok := d.last[t.Instrument]; ok && t.Time.Before(last) {
		d.dropped++
		d.mu.Unlock()
		d.logger.Debug("out of order tick dropped",
			zap.String("instrument", t.Instrument.String()),
			zap.Time("time", t.Time),
			zap.Time("last", last))
		return false
	}
	d.last[t.Instrument] = t.Time
	var fns []Handler
	for _, s := range d.subs {
		if s.wants(t.Instrument) {
			fns = append(fns, s.fn)
		}
	}
	d.mu.Unlock()
	if len(fns) == 0 {
		return true
	}

	tick := t
	err := d.exec.Execute(bus.MarketKey(t.Instrument.String()), func() {
		for _, fn := range fns {
			fn(&tick)
		}
	})
	if err != nil {
		d.logger.Warn("tick not delivered", zap.String("instrument", t.Instrument.String()), zap.Error(err))
		return false
	}
	return true
}

// Dropped returns the number of out of order ticks discarded.
func (d *Distributor) Dropped() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dropped
}

// LoadDay reads one trading day of ticks for instruments, one file per
// instrument in parallel, and merges them into timestamp order. Ticks with
// equal timestamps keep the order of instruments.
func LoadDay(ctx context.Context, ticks store.TickStore, instruments []domain.Instrument, tradingDay string) ([]domain.Tick, error) {
	perInst := make([][]domain.Tick, len(instruments))
	g, gctx := errgroup.WithContext(ctx)
	for i, inst := range instruments {
		g.Go(func() error {
			day, err := ticks.ReadTicks(gctx, inst, tradingDay)
			if err != nil {
				return fmt.Errorf("load ticks %s %s: %w", inst, tradingDay, err)
			}
			perInst[i] = day
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []domain.Tick
	for _, day := range perInst {
		all = append(all, day...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Time.Before(all[j].Time) })
	return all, nil
}
