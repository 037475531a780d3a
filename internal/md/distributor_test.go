package md

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"trader/internal/bus"
	"trader/internal/domain"
	"trader/internal/store"
)

var (
	cst = time.FixedZone("CST", 8*3600)
	au  = domain.MustParseInstrument("SHFE.au1906")
	cu  = domain.MustParseInstrument("SHFE.cu1903")
)

func tick(inst domain.Instrument, sec int, last string) domain.Tick {
	return domain.Tick{
		Instrument: inst,
		TradingDay: "20181228",
		Time:       time.Date(2018, 12, 28, 9, 0, sec, 0, cst),
		LastPrice:  domain.MustParsePrice(last),
	}
}

func TestDistributorDropsOutOfOrderTicks(t *testing.T) {
	exec := bus.NewSerial(zap.NewNop())
	d := NewDistributor(exec, zaptest.NewLogger(t))
	var got []string
	d.Subscribe(func(t *domain.Tick) { got = append(got, t.LastPrice.String()) }, au)

	assert.True(t, d.Publish(tick(au, 2, "274.5")))
	assert.False(t, d.Publish(tick(au, 1, "274.4")))
	assert.True(t, d.Publish(tick(au, 2, "274.52")))
	// Another instrument has its own ordering.
	assert.True(t, d.Publish(tick(cu, 1, "48000")))
	exec.Drain()

	assert.Equal(t, []string{"274.5", "274.52"}, got)
	assert.EqualValues(t, 1, d.Dropped())
}

func TestDistributorRoutesBySubscription(t *testing.T) {
	exec := bus.NewSerial(zap.NewNop())
	d := NewDistributor(exec, zap.NewNop())
	var all, auOnly []domain.Instrument
	d.Subscribe(func(t *domain.Tick) { all = append(all, t.Instrument) })
	d.Subscribe(func(t *domain.Tick) { auOnly = append(auOnly, t.Instrument) }, au)

	d.Publish(tick(cu, 1, "48000"))
	d.Publish(tick(au, 1, "274.5"))
	exec.Drain()

	assert.Equal(t, []domain.Instrument{cu, au}, all)
	assert.Equal(t, []domain.Instrument{au}, auOnly)
	assert.Equal(t, []domain.Instrument{au}, d.Subscriptions())
}

func TestDistributorKeepsOrderPerInstrumentLive(t *testing.T) {
	exec := bus.NewOrdered(0, zap.NewNop())
	defer exec.Close()
	d := NewDistributor(exec, zap.NewNop())
	got := make(chan int, 100)
	d.Subscribe(func(t *domain.Tick) { got <- t.Time.Second() }, au)

	for sec := 0; sec < 50; sec++ {
		require.True(t, d.Publish(tick(au, sec, "274.5")))
	}
	require.NoError(t, exec.Sync(bus.MarketKey(au.String())))
	close(got)
	want := 0
	for sec := range got {
		assert.Equal(t, want, sec)
		want++
	}
	assert.Equal(t, 50, want)
}

func TestLoadDayMergesInstruments(t *testing.T) {
	ctx := context.Background()
	ts := store.NewCSVTickStore(t.TempDir(), cst)
	require.NoError(t, ts.WriteTicks(ctx, au, "20181228", []domain.Tick{tick(au, 1, "274.5"), tick(au, 3, "274.6")}))
	require.NoError(t, ts.WriteTicks(ctx, cu, "20181228", []domain.Tick{tick(cu, 2, "48000"), tick(cu, 3, "48010")}))

	ticks, err := LoadDay(ctx, ts, []domain.Instrument{au, cu}, "20181228")
	require.NoError(t, err)
	require.Len(t, ticks, 4)
	var order []string
	for _, tk := range ticks {
		order = append(order, tk.Instrument.Symbol+"@"+tk.LastPrice.String())
	}
	assert.Equal(t, []string{"au1906@274.5", "cu1903@48000", "au1906@274.6", "cu1903@48010"}, order)

	none, err := LoadDay(ctx, ts, []domain.Instrument{au}, "20181227")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReplayPublishesInOrder(t *testing.T) {
	ticks := []domain.Tick{tick(au, 1, "274.5"), tick(cu, 2, "48000"), tick(au, 0, "274.4"), tick(au, 3, "274.6")}
	var got []string
	n, err := Replay(context.Background(), ticks, 0, func(tk domain.Tick) bool {
		got = append(got, tk.LastPrice.String())
		return tk.LastPrice != domain.MustParsePrice("274.4")
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"274.5", "48000", "274.4", "274.6"}, got)
}

func TestReplayKeepsRecordedSpacing(t *testing.T) {
	ticks := []domain.Tick{tick(au, 0, "274.5"), tick(au, 2, "274.6")}
	start := time.Now()
	n, err := Replay(context.Background(), ticks, 100, func(domain.Tick) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestReplayStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ticks := []domain.Tick{tick(au, 0, "274.5"), tick(au, 59, "274.6")}
	n, err := Replay(ctx, ticks, 1, func(domain.Tick) bool {
		cancel()
		return true
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}
