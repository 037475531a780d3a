// Package mtime provides the authoritative market clock and a task
// scheduler. Live implementations follow the wall clock; the simulator
// supplies virtual ones.
package mtime

import (
	"sync"
	"sync/atomic"
	"time"

	"trader/internal/util"
)

// Mode tells components whether they run against a broker or a replay.
type Mode string

const (
	ModeRealTime  Mode = "RealTime"
	ModeSimulator Mode = "Simulator"
)

// Service is the market-time service.
type Service interface {
	Now() time.Time
	TradingDay() time.Time
	Mode() Mode
}

// Live follows the local wall clock in the exchange time zone, corrected by
// the offset observed at broker login.
type Live struct {
	cal    *util.TradingCalendar
	offset atomic.Int64
	now    func() time.Time
}

// NewLive creates a live market clock.
func NewLive(cal *util.TradingCalendar) *Live {
	return &Live{cal: cal, now: time.Now}
}

// Now returns the current market time.
func (l *Live) Now() time.Time {
	return l.now().In(l.cal.Location()).Add(time.Duration(l.offset.Load()))
}

// TradingDay returns the trading day of Now.
func (l *Live) TradingDay() time.Time {
	return l.cal.TradingDay(l.Now())
}

// Mode returns ModeRealTime.
func (l *Live) Mode() Mode { return ModeRealTime }

// SyncExchangeTime records the exchange time reported at login and returns
// the skew it had against the local clock before correction.
func (l *Live) SyncExchangeTime(exchange time.Time) time.Duration {
	local := l.now()
	skew := exchange.Sub(local)
	l.offset.Store(int64(skew))
	return skew
}

// Cancel stops a scheduled task.
type Cancel func()

// Scheduler runs delayed and periodic tasks against market time.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Cancel
	Every(d time.Duration, f func()) Cancel
}

// LiveScheduler uses runtime timers.
type LiveScheduler struct {
	mu     sync.Mutex
	closed bool
	stops  map[int]func()
	nextID int
}

// NewLiveScheduler creates a scheduler.
func NewLiveScheduler() *LiveScheduler {
	return &LiveScheduler{stops: make(map[int]func())}
}

// AfterFunc runs f once after d.
func (s *LiveScheduler) AfterFunc(d time.Duration, f func()) Cancel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	t := time.AfterFunc(d, func() {
		s.forget(id)
		f()
	})
	s.stops[id] = func() { t.Stop() }
	return func() {
		t.Stop()
		s.forget(id)
	}
}

// Every runs f each period until cancelled.
func (s *LiveScheduler) Every(period time.Duration, f func()) Cancel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return func() {}
	}
	id := s.nextID
	s.nextID++
	ticker := time.NewTicker(period)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				f()
			}
		}
	}()
	s.stops[id] = stop
	return func() {
		stop()
		s.forget(id)
	}
}

// Close cancels every outstanding task.
func (s *LiveScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, stop := range s.stops {
		stop()
		delete(s.stops, id)
	}
}

func (s *LiveScheduler) forget(id int) {
	s.mu.Lock()
	delete(s.stops, id)
	s.mu.Unlock()
}
