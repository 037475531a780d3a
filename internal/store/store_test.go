package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"trader/internal/domain"
)

var (
	shanghai = time.FixedZone("CST", 8*3600)
	au       = domain.MustParseInstrument("SHFE.au1906")
)

func TestParseQuery(t *testing.T) {
	cases := []struct {
		expr string
		want Query
	}{
		{"", nil},
		{"  ", nil},
		{"tradingDay='20181228'", Where("tradingDay", "20181228")},
		{"tradingDay='20181228' AND groupId='g1'", Where("tradingDay", "20181228").And("groupId", "g1")},
		{"a='1' and b = '2'  AnD c='x y'", Where("a", "1").And("b", "2").And("c", "x y")},
		{"name='it''s'", Where("name", "it's")},
		{"v=''", Where("v", "")},
	}
	for _, c := range cases {
		got, err := ParseQuery(c.expr)
		if assert.NoError(t, err, c.expr) {
			assert.Equal(t, c.want, got, c.expr)
		}
	}

	for _, bad := range []string{"a", "a=1", "a='1' OR b='2'", "a='1' AND", "a='unterminated", "='x'", "a='1'b='2'"} {
		_, err := ParseQuery(bad)
		assert.Error(t, err, bad)
	}
}

func TestQueryStringParsesBack(t *testing.T) {
	q := Where("groupId", "o'brien").And("tradingDay", "20181228")
	back, err := ParseQuery(q.String())
	require.NoError(t, err)
	assert.Equal(t, q, back)
	assert.True(t, q.Match(map[string]string{"groupId": "o'brien", "tradingDay": "20181228", "x": "y"}))
	assert.False(t, q.Match(map[string]string{"groupId": "o'brien"}), "missing attribute must not match")
}

func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	dir := t.TempDir()
	sqlite, err := NewSQLiteRepository(filepath.Join(dir, "sqlite", "repo.db"))
	require.NoError(t, err, "sqlite")
	pebbleRepo, err := NewPebbleRepository(filepath.Join(dir, "pebble"))
	require.NoError(t, err, "pebble")
	repos := map[string]Repository{
		"memory": NewMemoryRepository(),
		"sqlite": sqlite,
		"pebble": pebbleRepo,
	}
	t.Cleanup(func() {
		for _, r := range repos {
			r.Close()
		}
	})
	return repos
}

type playbookDoc struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func TestRepositoryContract(t *testing.T) {
	ctx := context.Background()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			save := func(id, day, group, state string) {
				t.Helper()
				rec, err := NewRecord(KindPlaybook, id, map[string]string{"tradingDay": day, "groupId": group}, playbookDoc{ID: id, State: state})
				require.NoError(t, err)
				require.NoError(t, repo.Save(ctx, rec), "save %s", id)
			}
			save("pb_1", "20181228", "g1", "Opening")
			save("pb_2", "20181228", "g2", "Opening")
			save("pb_3", "20181227", "g1", "Closed")
			save("pb_4", "20181228", "g1", "Opening")
			// Updating keeps the original position.
			save("pb_1", "20181228", "g1", "Opened")

			recs, err := SearchExpr(ctx, repo, KindPlaybook, "tradingDay='20181228' AND groupId='g1'")
			require.NoError(t, err)
			var ids []string
			for _, r := range recs {
				ids = append(ids, r.ID)
			}
			require.Equal(t, []string{"pb_1", "pb_4"}, ids)
			var doc playbookDoc
			require.NoError(t, recs[0].Decode(&doc))
			assert.Equal(t, "Opened", doc.State)
			assert.Equal(t, "g1", recs[0].Attrs["groupId"])

			all, err := repo.Search(ctx, KindPlaybook, nil)
			require.NoError(t, err)
			assert.Len(t, all, 4)

			rec, err := repo.Load(ctx, KindPlaybook, "pb_3")
			require.NoError(t, err)
			assert.Equal(t, "20181227", rec.Attrs["tradingDay"])
			_, err = repo.Load(ctx, KindPlaybook, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = repo.Load(ctx, KindOrder, "pb_1")
			assert.ErrorIs(t, err, ErrNotFound, "kinds must be separate")
		})
	}
}

func TestPebbleRepositoryReopen(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "pebble")
	repo, err := NewPebbleRepository(dir)
	require.NoError(t, err)
	for _, id := range []string{"b", "a"} {
		rec, _ := NewRecord(KindOrder, id, nil, map[string]string{"id": id})
		require.NoError(t, repo.Save(ctx, rec))
	}
	require.NoError(t, repo.Close())

	repo, err = NewPebbleRepository(dir)
	require.NoError(t, err)
	defer repo.Close()
	rec, _ := NewRecord(KindOrder, "c", nil, map[string]string{"id": "c"})
	require.NoError(t, repo.Save(ctx, rec))
	recs, err := repo.Search(ctx, KindOrder, nil)
	require.NoError(t, err)
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
}

func TestWriterAndLoadOrders(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	w := NewWriter(repo, 16, zaptest.NewLogger(t))
	defer w.Close()

	for i, ref := range []string{"1", "2"} {
		o := &domain.Order{ID: "odr_" + ref, Ref: ref, AccountID: "acc", Instrument: au, Volume: int64(i + 1), TradingDay: "20181228"}
		w.Put(KindOrder, o.ID, map[string]string{"accountId": "acc", "tradingDay": "20181228"}, o)
	}
	w.Put(KindOrder, "odr_old", map[string]string{"accountId": "acc", "tradingDay": "20181227"}, &domain.Order{ID: "odr_old"})
	// Values that cannot be encoded are logged and dropped.
	w.Put(KindOrder, "bad", nil, func() {})
	require.NoError(t, w.Flush(ctx))

	orders, err := LoadOrders(ctx, repo, "acc", "20181228")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "1", orders[0].Ref)
	assert.Equal(t, int64(2), orders[1].Volume)
	assert.Equal(t, au, orders[0].Instrument)
	assert.Equal(t, 3, repo.Len(KindOrder))
}

func TestParseCSVLine(t *testing.T) {
	cases := []struct {
		line string
		want []string
	}{
		{"a,b,c,", []string{"a", "b", "c", ""}},
		{",", []string{"", ""}},
		{",,", []string{"", "", ""}},
		{`Steve,"He is ""good"", but"`, []string{"Steve", `He is "good", but`}},
	}
	for _, c := range cases {
		got, err := ParseCSVLine(c.line)
		if assert.NoError(t, err, c.line) {
			assert.Equal(t, c.want, got, c.line)
		}
	}
	long := "20200817,SPD JR009&JR103,,,N/A,N/A,0.00,0.00,0.00,0.00,0.00,0,0.00,0.00,0.00,N/A,195.00,-619.00,0.00,0.00,19:58:51,000,0.00,0,0.00,0,0.00,0,0.00,0,0.00,0,0.00,0,0.00,0,0.00,0,0.00,0,0.00,0,0.00,"
	got, err := ParseCSVLine(long)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(got), 44)
}

func sampleTicks() []domain.Tick {
	base := time.Date(2018, 12, 28, 9, 0, 0, 500*int(time.Millisecond), shanghai)
	return []domain.Tick{
		{
			Instrument: au, TradingDay: "20181228", Time: base,
			LastPrice: domain.MustParsePrice("274.52"), Volume: 10, Turnover: domain.MustParsePrice("2745200.5"), OpenInterest: 1000,
			Bids: []domain.PriceLevel{{Price: domain.MustParsePrice("274.5"), Volume: 3}},
			Asks: []domain.PriceLevel{{Price: domain.MustParsePrice("274.52"), Volume: 4}, {Price: domain.MustParsePrice("274.54"), Volume: 1}},
		},
		{
			Instrument: au, TradingDay: "20181228", Time: base.Add(40 * time.Second),
			LastPrice: domain.MustParsePrice("274.6"), Volume: 15, Turnover: domain.MustParsePrice("4118200"), OpenInterest: 1002,
		},
		{
			Instrument: au, TradingDay: "20181228", Time: base.Add(70 * time.Second),
			LastPrice: domain.MustParsePrice("274.4"), Volume: 22, Turnover: domain.MustParsePrice("6039000"), OpenInterest: 1001,
		},
	}
}

func TestTickCSVRoundTrip(t *testing.T) {
	ticks := sampleTicks()
	var buf bytes.Buffer
	require.NoError(t, WriteTicksCSV(&buf, ticks, shanghai))
	// The second row has an empty ladder: its trailing fields stay empty.
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	fields, _ := ParseCSVLine(string(lines[2]))
	require.Len(t, fields, len(TickColumns))
	assert.Empty(t, fields[len(fields)-1])

	back, err := ReadTicksCSV(&buf, au, shanghai)
	require.NoError(t, err)
	require.Len(t, back, len(ticks))
	for i := range ticks {
		want, got := ticks[i], back[i]
		assert.True(t, got.Time.Equal(want.Time), "tick %d time = %v, want %v", i, got.Time, want.Time)
		got.Time, want.Time = time.Time{}, time.Time{}
		assert.Equal(t, want, got, "tick %d", i)
	}
}

func TestAggregateAndBarCSVRoundTrip(t *testing.T) {
	ticks := sampleTicks()
	min1 := AggregateBars(ticks, domain.BarLevelMin1)
	require.Len(t, min1, 2)
	assert.Equal(t, domain.MustParsePrice("274.52"), min1[0].Open)
	assert.Equal(t, domain.MustParsePrice("274.6"), min1[0].High)
	assert.Equal(t, int64(15), min1[0].Volume)
	assert.Equal(t, 1, min1[1].Index)
	assert.Equal(t, int64(7), min1[1].Volume)
	assert.Equal(t, domain.MustParsePrice("274.4"), min1[1].Close)
	day := AggregateBars(ticks, domain.BarLevelDay)
	require.Len(t, day, 1)
	assert.Equal(t, domain.MustParsePrice("274.4"), day[0].Low)
	assert.Equal(t, int64(22), day[0].Volume)

	for _, level := range []domain.BarLevel{domain.BarLevelMin1, domain.BarLevelDay} {
		bars := AggregateBars(ticks, level)
		var buf bytes.Buffer
		require.NoError(t, WriteBarsCSV(&buf, level, bars, shanghai))
		back, err := ReadBarsCSV(&buf, au, level, shanghai)
		require.NoError(t, err)
		require.Len(t, back, len(bars))
		for i := range bars {
			want, got := bars[i], back[i]
			assert.Equal(t, want.Open, got.Open, "%s bar %d", level, i)
			assert.Equal(t, want.High, got.High, "%s bar %d", level, i)
			assert.Equal(t, want.Low, got.Low, "%s bar %d", level, i)
			assert.Equal(t, want.Close, got.Close, "%s bar %d", level, i)
			assert.Equal(t, want.Volume, got.Volume, "%s bar %d", level, i)
			assert.Equal(t, want.Turnover, got.Turnover, "%s bar %d", level, i)
			assert.Equal(t, want.OpenInterest, got.OpenInterest, "%s bar %d", level, i)
			if level != domain.BarLevelDay {
				assert.True(t, got.Begin.Equal(want.Begin), "%s bar %d begin = %v", level, i, got.Begin)
				assert.Equal(t, want.Index, got.Index, "%s bar %d", level, i)
			}
		}
	}
}

func TestTickStores(t *testing.T) {
	ctx := context.Background()
	for _, format := range []string{"csv", "parquet"} {
		t.Run(format, func(t *testing.T) {
			ts, err := NewTickStore(format, t.TempDir(), shanghai)
			require.NoError(t, err)
			ticks := sampleTicks()
			require.NoError(t, ts.WriteTicks(ctx, au, "20181228", ticks))
			require.NoError(t, ts.WriteTicks(ctx, au, "20181227", ticks[:1]))
			days, err := ts.TradingDays(ctx, au)
			require.NoError(t, err)
			assert.Equal(t, []string{"20181227", "20181228"}, days)

			back, err := ts.ReadTicks(ctx, au, "20181228")
			require.NoError(t, err)
			require.Len(t, back, 3)
			assert.Equal(t, ticks[0].LastPrice, back[0].LastPrice)
			require.Len(t, back[0].Asks, 2)
			assert.Equal(t, int64(1), back[0].Asks[1].Volume)
			assert.True(t, back[2].Time.Equal(ticks[2].Time), "time = %v, want %v", back[2].Time, ticks[2].Time)

			none, err := ts.ReadTicks(ctx, au, "20180101")
			require.NoError(t, err)
			assert.Nil(t, none)
		})
	}
}
