package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"trader/internal/domain"
)

// TimeLayout is the timestamp layout of tick and bar files.
const TimeLayout = "2006-01-02 15:04:05.000"

// LadderDepth is the number of bid and ask levels kept in tick files.
const LadderDepth = 5

// Column orders of the market data files.
var (
	TickColumns   = tickColumns()
	MinBarColumns = []string{"TradingDay", "Index", "BeginTime", "EndTime", "Open", "High", "Low", "Close", "Volume", "Turnover", "OpenInterest"}
	DayBarColumns = []string{"Date", "Open", "High", "Low", "Close", "Volume", "Turnover", "OpenInterest"}
)

func tickColumns() []string {
	cols := []string{"InstrumentID", "TradingDay", "UpdateTime", "LastPrice", "Volume", "Turnover", "OpenInterest"}
	for i := 1; i <= LadderDepth; i++ {
		n := strconv.Itoa(i)
		cols = append(cols, "BidPrice"+n, "BidVolume"+n, "AskPrice"+n, "AskVolume"+n)
	}
	return cols
}

// ParseCSVLine splits one CSV line. Empty trailing fields are kept and a
// doubled quote inside a quoted field becomes one quote.
func ParseCSVLine(line string) ([]string, error) {
	r := newCSVReader(strings.NewReader(line))
	fields, err := r.Read()
	if errors.Is(err, io.EOF) {
		return []string{""}, nil
	}
	return fields, err
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false
	return cr
}

// csvTable is a parsed file with a case-insensitive header index.
type csvTable struct {
	index map[string]int
	rows  [][]string
}

func readCSVTable(r io.Reader) (*csvTable, error) {
	records, err := newCSVReader(r).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return &csvTable{index: map[string]int{}}, nil
	}
	t := &csvTable{index: make(map[string]int, len(records[0])), rows: records[1:]}
	for i, name := range records[0] {
		t.index[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	return t, nil
}

func (t *csvTable) get(row []string, col string) string {
	i, ok := t.index[strings.ToUpper(col)]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func writeCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

// ---------------------------------------------------------------------------
// Ticks
// ---------------------------------------------------------------------------

// FormatTickRow renders t in TickColumns order. Missing ladder levels are
// empty fields.
func FormatTickRow(t *domain.Tick, loc *time.Location) []string {
	row := []string{
		t.Instrument.Symbol,
		t.TradingDay,
		t.Time.In(loc).Format(TimeLayout),
		t.LastPrice.String(),
		strconv.FormatInt(t.Volume, 10),
		t.Turnover.String(),
		strconv.FormatInt(t.OpenInterest, 10),
	}
	for i := 0; i < LadderDepth; i++ {
		row = append(row, levelFields(t.Bids, i)...)
		row = append(row, levelFields(t.Asks, i)...)
	}
	return row
}

func levelFields(ladder []domain.PriceLevel, i int) []string {
	if i >= len(ladder) {
		return []string{"", ""}
	}
	return []string{ladder[i].Price.String(), strconv.FormatInt(ladder[i].Volume, 10)}
}

// WriteTicksCSV writes ticks with a header row.
func WriteTicksCSV(w io.Writer, ticks []domain.Tick, loc *time.Location) error {
	rows := make([][]string, len(ticks))
	for i := range ticks {
		rows[i] = FormatTickRow(&ticks[i], loc)
	}
	return writeCSV(w, TickColumns, rows)
}

// ReadTicksCSV parses a tick file of inst. Columns are located by header
// name so files with extra columns still load.
func ReadTicksCSV(r io.Reader, inst domain.Instrument, loc *time.Location) ([]domain.Tick, error) {
	t, err := readCSVTable(r)
	if err != nil {
		return nil, err
	}
	ticks := make([]domain.Tick, 0, len(t.rows))
	for n, row := range t.rows {
		tick, err := parseTickRow(t, row, inst, loc)
		if err != nil {
			return nil, fmt.Errorf("tick row %d: %w", n+1, err)
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

func parseTickRow(t *csvTable, row []string, inst domain.Instrument, loc *time.Location) (domain.Tick, error) {
	tick := domain.Tick{Instrument: inst, TradingDay: t.get(row, "TradingDay")}
	var err error
	if tick.Time, err = time.ParseInLocation(TimeLayout, t.get(row, "UpdateTime"), loc); err != nil {
		return tick, err
	}
	if tick.LastPrice, err = domain.ParsePrice(t.get(row, "LastPrice")); err != nil {
		return tick, err
	}
	if tick.Volume, err = parseInt(t.get(row, "Volume")); err != nil {
		return tick, err
	}
	if tick.Turnover, err = parseOptionalPrice(t.get(row, "Turnover")); err != nil {
		return tick, err
	}
	if tick.OpenInterest, err = parseInt(t.get(row, "OpenInterest")); err != nil {
		return tick, err
	}
	for i := 1; i <= LadderDepth; i++ {
		n := strconv.Itoa(i)
		if tick.Bids, err = appendLevel(tick.Bids, t.get(row, "BidPrice"+n), t.get(row, "BidVolume"+n)); err != nil {
			return tick, err
		}
		if tick.Asks, err = appendLevel(tick.Asks, t.get(row, "AskPrice"+n), t.get(row, "AskVolume"+n)); err != nil {
			return tick, err
		}
	}
	return tick, nil
}

func appendLevel(ladder []domain.PriceLevel, price, volume string) ([]domain.PriceLevel, error) {
	if price == "" {
		return ladder, nil
	}
	p, err := domain.ParsePrice(price)
	if err != nil {
		return ladder, err
	}
	v, err := parseInt(volume)
	if err != nil {
		return ladder, err
	}
	return append(ladder, domain.PriceLevel{Price: p, Volume: v}), nil
}

// ---------------------------------------------------------------------------
// Bars
// ---------------------------------------------------------------------------

// BarColumns returns the column order used for level.
func BarColumns(level domain.BarLevel) []string {
	if level == domain.BarLevelDay {
		return DayBarColumns
	}
	return MinBarColumns
}

// FormatBarRow renders b in BarColumns(b.Level) order.
func FormatBarRow(b *domain.Bar, loc *time.Location) []string {
	values := []string{
		b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
		strconv.FormatInt(b.Volume, 10), b.Turnover.String(), strconv.FormatInt(b.OpenInterest, 10),
	}
	if b.Level == domain.BarLevelDay {
		return append([]string{b.TradingDay}, values...)
	}
	head := []string{
		b.TradingDay,
		strconv.Itoa(b.Index),
		b.Begin.In(loc).Format(TimeLayout),
		b.End.In(loc).Format(TimeLayout),
	}
	return append(head, values...)
}

// WriteBarsCSV writes bars of one level with a header row.
func WriteBarsCSV(w io.Writer, level domain.BarLevel, bars []domain.Bar, loc *time.Location) error {
	rows := make([][]string, len(bars))
	for i := range bars {
		rows[i] = FormatBarRow(&bars[i], loc)
	}
	return writeCSV(w, BarColumns(level), rows)
}

// ReadBarsCSV parses a bar file of inst at level.
func ReadBarsCSV(r io.Reader, inst domain.Instrument, level domain.BarLevel, loc *time.Location) ([]domain.Bar, error) {
	t, err := readCSVTable(r)
	if err != nil {
		return nil, err
	}
	bars := make([]domain.Bar, 0, len(t.rows))
	for n, row := range t.rows {
		b, err := parseBarRow(t, row, inst, level, loc)
		if err != nil {
			return nil, fmt.Errorf("bar row %d: %w", n+1, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseBarRow(t *csvTable, row []string, inst domain.Instrument, level domain.BarLevel, loc *time.Location) (domain.Bar, error) {
	b := domain.Bar{Instrument: inst, Level: level}
	var err error
	if level == domain.BarLevelDay {
		b.TradingDay = t.get(row, "Date")
	} else {
		b.TradingDay = t.get(row, "TradingDay")
		idx, err := parseInt(t.get(row, "Index"))
		if err != nil {
			return b, err
		}
		b.Index = int(idx)
		if b.Begin, err = time.ParseInLocation(TimeLayout, t.get(row, "BeginTime"), loc); err != nil {
			return b, err
		}
		if b.End, err = time.ParseInLocation(TimeLayout, t.get(row, "EndTime"), loc); err != nil {
			return b, err
		}
	}
	prices := []struct {
		col string
		dst *domain.Price
	}{
		{"Open", &b.Open}, {"High", &b.High}, {"Low", &b.Low}, {"Close", &b.Close},
	}
	for _, p := range prices {
		if *p.dst, err = domain.ParsePrice(t.get(row, p.col)); err != nil {
			return b, fmt.Errorf("%s: %w", p.col, err)
		}
	}
	if b.Volume, err = parseInt(t.get(row, "Volume")); err != nil {
		return b, err
	}
	if b.Turnover, err = parseOptionalPrice(t.get(row, "Turnover")); err != nil {
		return b, err
	}
	if b.OpenInterest, err = parseInt(t.get(row, "OpenInterest")); err != nil {
		return b, err
	}
	return b, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseOptionalPrice(s string) (domain.Price, error) {
	if s == "" {
		return 0, nil
	}
	return domain.ParsePrice(s)
}
