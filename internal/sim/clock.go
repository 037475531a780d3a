// Package sim replays stored market data through the live trading
// pipeline. Everything runs on one goroutine: a virtual clock advances one
// time piece at a time and every event a piece causes is drained before the
// next one.
package sim

import (
	"sort"
	"time"

	"trader/internal/domain"
	"trader/internal/mtime"
	"trader/internal/util"
)

// Compile-time interface checks.
var (
	_ mtime.Service   = (*MarketTime)(nil)
	_ mtime.Scheduler = (*Scheduler)(nil)
)

// MarketTime is the virtual market clock of one trading day. It walks the
// day's trading sessions from the first open to the last close.
type MarketTime struct {
	tradingDay time.Time
	ranges     []util.TimeRange
	idx        int
	now        time.Time
	started    bool
	done       bool
	next       func() (time.Time, bool)
}

// NewMarketTime creates a clock for tradingDay covering ranges, which must
// be sorted and disjoint.
func NewMarketTime(tradingDay time.Time, ranges []util.TimeRange) *MarketTime {
	m := &MarketTime{tradingDay: tradingDay, ranges: ranges, now: tradingDay}
	if len(ranges) > 0 {
		m.now = ranges[0].Begin
	}
	return m
}

// TradingRanges merges the trading sessions of instruments on tradingDay.
func TradingRanges(cal *util.TradingCalendar, instruments []domain.Instrument, tradingDay time.Time) []util.TimeRange {
	var all []util.TimeRange
	for _, inst := range instruments {
		all = append(all, cal.TradingHours(inst, tradingDay)...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Begin.Before(all[j].Begin) })
	var out []util.TimeRange
	for _, r := range all {
		if n := len(out); n > 0 && !r.Begin.After(out[n-1].End) {
			if r.End.After(out[n-1].End) {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// SetNextEvent installs the source of the next event time, normally the
// market data replay.
func (m *MarketTime) SetNextEvent(fn func() (time.Time, bool)) {
	m.next = fn
}

func (m *MarketTime) Now() time.Time           { return m.now }
func (m *MarketTime) TradingDay() time.Time    { return m.tradingDay }
func (m *MarketTime) Mode() mtime.Mode         { return mtime.ModeSimulator }
func (m *MarketTime) Ranges() []util.TimeRange { return m.ranges }

// NextTimePiece advances the clock to the next event, or to the next whole
// second when no event is due sooner. Each session close is visited before
// the clock moves on; time spent between sessions is skipped. It returns
// false once the last close has been visited.
func (m *MarketTime) NextTimePiece() bool {
	if m.done || len(m.ranges) == 0 {
		m.done = true
		return false
	}
	if !m.started {
		m.started = true
		return true
	}
	next := m.now.Truncate(time.Second).Add(time.Second)
	if m.next != nil {
		if t, ok := m.next(); ok && t.Before(next) {
			next = t
			if next.Before(m.now) {
				next = m.now
			}
		}
	}
	for next.After(m.ranges[m.idx].End) {
		if m.now.Before(m.ranges[m.idx].End) {
			// The close itself is a piece so ticks stamped at it are delivered.
			next = m.ranges[m.idx].End
			break
		}
		m.idx++
		if m.idx >= len(m.ranges) {
			m.now = m.ranges[len(m.ranges)-1].End
			m.done = true
			return false
		}
		if next.Before(m.ranges[m.idx].Begin) {
			next = m.ranges[m.idx].Begin
		}
	}
	m.now = next
	return true
}

// Scheduler runs tasks against a virtual clock. Tasks only run from RunDue.
type Scheduler struct {
	clock mtime.Service
	seq   int
	tasks []*task
}

type task struct {
	due    time.Time
	period time.Duration
	seq    int
	f      func()
	dead   bool
}

// NewScheduler creates a scheduler reading time from clock.
func NewScheduler(clock mtime.Service) *Scheduler {
	return &Scheduler{clock: clock}
}

// AfterFunc runs f once d after the current market time.
func (s *Scheduler) AfterFunc(d time.Duration, f func()) mtime.Cancel {
	return s.add(d, 0, f)
}

// Every runs f each period of market time. Runs missed while the clock
// jumped are dropped, like a ticker's.
func (s *Scheduler) Every(period time.Duration, f func()) mtime.Cancel {
	if period <= 0 {
		period = time.Second
	}
	return s.add(period, period, f)
}

func (s *Scheduler) add(d, period time.Duration, f func()) mtime.Cancel {
	s.seq++
	t := &task{due: s.clock.Now().Add(d), period: period, seq: s.seq, f: f}
	s.tasks = append(s.tasks, t)
	return func() { t.dead = true }
}

// RunDue runs every task due at or before now, earliest first, and returns
// how many ran. Tasks scheduled by a running task run too when already due.
func (s *Scheduler) RunDue(now time.Time) int {
	ran := 0
	for {
		t := s.popDue(now)
		if t == nil {
			return ran
		}
		t.f()
		ran++
	}
}

func (s *Scheduler) popDue(now time.Time) *task {
	best := -1
	kept := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.dead {
			kept = append(kept, t)
		}
	}
	s.tasks = kept
	for i, t := range s.tasks {
		if t.due.After(now) {
			continue
		}
		if best < 0 || t.due.Before(s.tasks[best].due) ||
			(t.due.Equal(s.tasks[best].due) && t.seq < s.tasks[best].seq) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	t := s.tasks[best]
	if t.period > 0 {
		for !t.due.After(now) {
			t.due = t.due.Add(t.period)
		}
	} else {
		t.dead = true
	}
	return t
}

// Pending returns the number of live tasks.
func (s *Scheduler) Pending() int {
	n := 0
	for _, t := range s.tasks {
		if !t.dead {
			n++
		}
	}
	return n
}
