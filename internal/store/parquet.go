package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"trader/internal/domain"
)

// TickStore reads and writes one file of ticks per instrument and trading
// day.
type TickStore interface {
	WriteTicks(ctx context.Context, inst domain.Instrument, tradingDay string, ticks []domain.Tick) error
	// ReadTicks returns the ticks of a trading day in file order, or none
	// when the day has no file.
	ReadTicks(ctx context.Context, inst domain.Instrument, tradingDay string) ([]domain.Tick, error)
	// TradingDays lists the days with a file, ascending.
	TradingDays(ctx context.Context, inst domain.Instrument) ([]string, error)
}

// Compile-time interface checks.
var _ TickStore = (*CSVTickStore)(nil)
var _ TickStore = (*ParquetTickStore)(nil)

// NewTickStore returns the store for format "csv" or "parquet".
func NewTickStore(format, dataDir string, loc *time.Location) (TickStore, error) {
	switch format {
	case "csv", "":
		return NewCSVTickStore(dataDir, loc), nil
	case "parquet":
		return NewParquetTickStore(dataDir), nil
	}
	return nil, fmt.Errorf("store: unknown tick format %q", format)
}

// tickPath returns <dataDir>/<EXCHANGE>/<symbol>/<tradingDay>.<ext>.
func tickPath(dataDir string, inst domain.Instrument, tradingDay, ext string) string {
	return filepath.Join(dataDir, string(inst.Exchange), inst.Symbol, tradingDay+"."+ext)
}

func listDays(dataDir string, inst domain.Instrument, ext string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Dir(tickPath(dataDir, inst, "x", ext)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, "."+ext) {
			continue
		}
		days = append(days, strings.TrimSuffix(name, "."+ext))
	}
	sort.Strings(days)
	return days, nil
}

// ---------------------------------------------------------------------------
// CSV
// ---------------------------------------------------------------------------

// CSVTickStore keeps ticks in CSV files with TickColumns.
type CSVTickStore struct {
	DataDir  string
	Location *time.Location
}

// NewCSVTickStore creates a CSV tick store rooted at dataDir. Timestamps are
// written in loc.
func NewCSVTickStore(dataDir string, loc *time.Location) *CSVTickStore {
	return &CSVTickStore{DataDir: dataDir, Location: loc}
}

// WriteTicks replaces the day's file.
func (s *CSVTickStore) WriteTicks(_ context.Context, inst domain.Instrument, tradingDay string, ticks []domain.Tick) error {
	path := tickPath(s.DataDir, inst, tradingDay, "csv")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTicksCSV(f, ticks, s.Location); err != nil {
		f.Close()
		return fmt.Errorf("writing ticks for %s/%s: %w", inst, tradingDay, err)
	}
	return f.Close()
}

// ReadTicks loads the day's file.
func (s *CSVTickStore) ReadTicks(_ context.Context, inst domain.Instrument, tradingDay string) ([]domain.Tick, error) {
	f, err := os.Open(tickPath(s.DataDir, inst, tradingDay, "csv"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTicksCSV(f, inst, s.Location)
}

// TradingDays lists the days on disk.
func (s *CSVTickStore) TradingDays(_ context.Context, inst domain.Instrument) ([]string, error) {
	return listDays(s.DataDir, inst, "csv")
}

// ---------------------------------------------------------------------------
// Parquet
// ---------------------------------------------------------------------------

// ParquetTickStore keeps ticks in Parquet files.
type ParquetTickStore struct {
	DataDir string
}

// NewParquetTickStore creates a Parquet tick store rooted at dataDir.
func NewParquetTickStore(dataDir string) *ParquetTickStore {
	return &ParquetTickStore{DataDir: dataDir}
}

// TickRecord is the Parquet schema for ticks. Prices are fixed-point
// integers; the ladders are parallel repeated columns.
type TickRecord struct {
	Timestamp    int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	TradingDay   string  `parquet:"trading_day"`
	LastPrice    int64   `parquet:"last_price"`
	Volume       int64   `parquet:"volume"`
	Turnover     int64   `parquet:"turnover"`
	OpenInterest int64   `parquet:"open_interest"`
	BidPrices    []int64 `parquet:"bid_prices"`
	BidVolumes   []int64 `parquet:"bid_volumes"`
	AskPrices    []int64 `parquet:"ask_prices"`
	AskVolumes   []int64 `parquet:"ask_volumes"`
}

// WriteTicks replaces the day's file.
func (s *ParquetTickStore) WriteTicks(_ context.Context, inst domain.Instrument, tradingDay string, ticks []domain.Tick) error {
	records := make([]TickRecord, len(ticks))
	for i := range ticks {
		records[i] = toTickRecord(&ticks[i])
	}
	if err := writeParquetFile(tickPath(s.DataDir, inst, tradingDay, "parquet"), records); err != nil {
		return fmt.Errorf("writing ticks for %s/%s: %w", inst, tradingDay, err)
	}
	return nil
}

// ReadTicks loads the day's file.
func (s *ParquetTickStore) ReadTicks(_ context.Context, inst domain.Instrument, tradingDay string) ([]domain.Tick, error) {
	path := tickPath(s.DataDir, inst, tradingDay, "parquet")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	records, err := readParquetFile[TickRecord](path)
	if err != nil {
		return nil, fmt.Errorf("reading ticks for %s/%s: %w", inst, tradingDay, err)
	}
	ticks := make([]domain.Tick, len(records))
	for i, r := range records {
		ticks[i] = fromTickRecord(inst, r)
	}
	return ticks, nil
}

// TradingDays lists the days on disk.
func (s *ParquetTickStore) TradingDays(_ context.Context, inst domain.Instrument) ([]string, error) {
	return listDays(s.DataDir, inst, "parquet")
}

func toTickRecord(t *domain.Tick) TickRecord {
	r := TickRecord{
		Timestamp:    t.Time.UnixMilli(),
		TradingDay:   t.TradingDay,
		LastPrice:    int64(t.LastPrice),
		Volume:       t.Volume,
		Turnover:     int64(t.Turnover),
		OpenInterest: t.OpenInterest,
	}
	for _, l := range t.Bids {
		r.BidPrices = append(r.BidPrices, int64(l.Price))
		r.BidVolumes = append(r.BidVolumes, l.Volume)
	}
	for _, l := range t.Asks {
		r.AskPrices = append(r.AskPrices, int64(l.Price))
		r.AskVolumes = append(r.AskVolumes, l.Volume)
	}
	return r
}

func fromTickRecord(inst domain.Instrument, r TickRecord) domain.Tick {
	t := domain.Tick{
		Instrument:   inst,
		Time:         time.UnixMilli(r.Timestamp),
		TradingDay:   r.TradingDay,
		LastPrice:    domain.Price(r.LastPrice),
		Volume:       r.Volume,
		Turnover:     domain.Price(r.Turnover),
		OpenInterest: r.OpenInterest,
	}
	t.Bids = ladderOf(r.BidPrices, r.BidVolumes)
	t.Asks = ladderOf(r.AskPrices, r.AskVolumes)
	return t
}

func ladderOf(prices, volumes []int64) []domain.PriceLevel {
	if len(prices) == 0 {
		return nil
	}
	out := make([]domain.PriceLevel, len(prices))
	for i, p := range prices {
		out[i].Price = domain.Price(p)
		if i < len(volumes) {
			out[i].Volume = volumes[i]
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
