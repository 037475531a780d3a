// Package builtins provides the tradlets that ship with the engine.
package builtins

import (
	"fmt"
	"strconv"
	"time"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"trader/internal/domain"
	"trader/internal/tradlet"
)

// Compile-time interface check.
var _ tradlet.Tradlet = (*SMACross)(nil)

// SMACrossName is the registry name of SMACross.
const SMACrossName = "sma-cross"

// Register adds the built-in tradlets to r.
func Register(r *tradlet.Registry) {
	r.Register(SMACrossName, NewSMACrossFromParams)
}

// SMACross trades a simple moving average crossover on one-minute closes.
// It opens long when the short SMA crosses above the long SMA and short on
// the opposite cross; an open playbook of the other side is closed first.
type SMACross struct {
	shortPeriod int
	longPeriod  int
	volume      int64
	stopTicks   domain.Price
	takeTicks   domain.Price
	holdTimeout int64

	ctx    *tradlet.TradletContext
	logger *zap.Logger
	series map[domain.Instrument]*closeSeries
}

// closeSeries accumulates one-minute closes from ticks.
type closeSeries struct {
	minute time.Time
	last   domain.Price
	closes []float64
	side   int
}

// NewSMACross creates the tradlet with the given periods and order volume.
func NewSMACross(short, long int, volume int64) *SMACross {
	return &SMACross{
		shortPeriod: short,
		longPeriod:  long,
		volume:      volume,
		series:      make(map[domain.Instrument]*closeSeries),
	}
}

// NewSMACrossFromParams reads short, long, volume, stopLoss, takeProfit
// (price distances from the open price) and holdTimeout (seconds).
func NewSMACrossFromParams(params map[string]string) (tradlet.Tradlet, error) {
	short, err := intParam(params, "short", 5)
	if err != nil {
		return nil, err
	}
	long, err := intParam(params, "long", 20)
	if err != nil {
		return nil, err
	}
	if short <= 0 || long <= short {
		return nil, fmt.Errorf("sma-cross: need 0 < short < long, got %d and %d", short, long)
	}
	volume, err := intParam(params, "volume", 1)
	if err != nil {
		return nil, err
	}
	s := NewSMACross(int(short), int(long), volume)
	if s.stopTicks, err = priceParam(params, "stopLoss"); err != nil {
		return nil, err
	}
	if s.takeTicks, err = priceParam(params, "takeProfit"); err != nil {
		return nil, err
	}
	if s.holdTimeout, err = intParam(params, "holdTimeout", 0); err != nil {
		return nil, err
	}
	return s, nil
}

func intParam(params map[string]string, key string, def int64) (int64, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sma-cross: %s: %w", key, err)
	}
	return n, nil
}

func priceParam(params map[string]string, key string) (domain.Price, error) {
	v, ok := params[key]
	if !ok || v == "" {
		return 0, nil
	}
	p, err := domain.ParsePrice(v)
	if err != nil {
		return 0, fmt.Errorf("sma-cross: %s: %w", key, err)
	}
	return p, nil
}

// Init keeps the context for opening playbooks.
func (s *SMACross) Init(ctx *tradlet.TradletContext) error {
	s.ctx = ctx
	s.logger = ctx.Logger()
	return nil
}

// OnTick folds the tick into its minute series and trades a cross when a
// minute completes.
func (s *SMACross) OnTick(t *domain.Tick) error {
	if t.LastPrice == 0 {
		return nil
	}
	ser, ok := s.series[t.Instrument]
	if !ok {
		ser = &closeSeries{}
		s.series[t.Instrument] = ser
	}
	minute := t.Time.Truncate(time.Minute)
	if !ser.minute.IsZero() && minute.After(ser.minute) {
		ser.closes = append(ser.closes, ser.last.Float())
		if keep := s.longPeriod + 1; len(ser.closes) > keep*4 {
			ser.closes = append([]float64(nil), ser.closes[len(ser.closes)-keep:]...)
		}
		if err := s.evaluate(t, ser); err != nil {
			return err
		}
	}
	ser.minute = minute
	ser.last = t.LastPrice
	return nil
}

func (s *SMACross) evaluate(t *domain.Tick, ser *closeSeries) error {
	if len(ser.closes) < s.longPeriod {
		return nil
	}
	short := talib.Sma(ser.closes, s.shortPeriod)
	long := talib.Sma(ser.closes, s.longPeriod)
	n := len(ser.closes) - 1
	side := 0
	switch {
	case short[n] > long[n]:
		side = 1
	case short[n] < long[n]:
		side = -1
	}
	prevSide := ser.side
	ser.side = side
	if side == 0 || prevSide == 0 || side == prevSide {
		return nil
	}
	dir := domain.PosLong
	price := t.AskPrice()
	if side < 0 {
		dir = domain.PosShort
		price = t.BidPrice()
	}
	if price == 0 {
		price = t.LastPrice
	}
	for _, pb := range s.ctx.Keeper().ActivePlaybooks(t.Instrument) {
		if pb.TradletID == s.ctx.ID() && pb.OpenDirection != dir {
			if _, err := s.ctx.ClosePlaybook(pb, tradlet.CloseRequest{ActionID: "smaCross"}); err != nil {
				s.logger.Warn("close on cross", zap.String("playbook", pb.ID), zap.Error(err))
			}
		}
	}
	b := tradlet.PlaybookBuilder{
		Instrument:    t.Instrument,
		OpenDirection: dir,
		OpenPrice:     price,
		OpenVolume:    s.volume,
		HoldTimeout:   s.holdTimeout,
	}
	if s.stopTicks > 0 {
		b.StopLoss = offset(price, s.stopTicks, dir == domain.PosShort)
	}
	if s.takeTicks > 0 {
		b.TakeProfit = offset(price, s.takeTicks, dir == domain.PosLong)
	}
	if _, err := s.ctx.CreatePlaybook(b); err != nil {
		s.logger.Warn("open on cross",
			zap.String("instrument", t.Instrument.String()),
			zap.String("kind", domain.ErrorKind(err)),
			zap.Error(err))
	}
	return nil
}

func offset(p, d domain.Price, up bool) domain.Price {
	if up {
		return p + d
	}
	return p - d
}

// OnNoopSecond does nothing; exits are left to the playbook timeouts.
func (s *SMACross) OnNoopSecond() error { return nil }

// OnPlaybookStateChanged logs the playbook's progress.
func (s *SMACross) OnPlaybookStateChanged(pb *tradlet.Playbook, prev *tradlet.PlaybookStateTuple) {
	from := "none"
	if prev != nil {
		from = string(prev.State)
	}
	s.logger.Debug("playbook",
		zap.String("playbook", pb.ID),
		zap.String("from", from),
		zap.String("to", string(pb.State())))
}
