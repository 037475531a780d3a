package domain

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// ErrInvalidInstrument is returned for malformed or non-future instruments.
var ErrInvalidInstrument = errors.New("invalid instrument")

// Exchange identifies a futures exchange.
type Exchange string

const (
	ExchangeSHFE  Exchange = "SHFE"
	ExchangeDCE   Exchange = "DCE"
	ExchangeCZCE  Exchange = "CZCE"
	ExchangeCFFEX Exchange = "CFFEX"
	ExchangeINE   Exchange = "INE"
)

var futureSymbol = regexp.MustCompile(`^[A-Za-z]+\d+$`)

// productExchanges maps lower-cased product codes to their exchange.
var productExchanges = map[string]Exchange{
	"au": ExchangeSHFE, "ag": ExchangeSHFE, "cu": ExchangeSHFE, "al": ExchangeSHFE,
	"zn": ExchangeSHFE, "pb": ExchangeSHFE, "ni": ExchangeSHFE, "sn": ExchangeSHFE,
	"rb": ExchangeSHFE, "hc": ExchangeSHFE, "ru": ExchangeSHFE, "fu": ExchangeSHFE,
	"bu": ExchangeSHFE, "sp": ExchangeSHFE, "ss": ExchangeSHFE, "wr": ExchangeSHFE,
	"sc": ExchangeINE, "nr": ExchangeINE, "lu": ExchangeINE, "bc": ExchangeINE,
	"a": ExchangeDCE, "b": ExchangeDCE, "m": ExchangeDCE, "y": ExchangeDCE,
	"p": ExchangeDCE, "c": ExchangeDCE, "cs": ExchangeDCE, "i": ExchangeDCE,
	"j": ExchangeDCE, "jm": ExchangeDCE, "l": ExchangeDCE, "v": ExchangeDCE,
	"pp": ExchangeDCE, "eg": ExchangeDCE, "eb": ExchangeDCE, "jd": ExchangeDCE,
	"lh": ExchangeDCE, "pg": ExchangeDCE, "rr": ExchangeDCE,
	"sr": ExchangeCZCE, "cf": ExchangeCZCE, "ta": ExchangeCZCE, "ma": ExchangeCZCE,
	"oi": ExchangeCZCE, "rm": ExchangeCZCE, "fg": ExchangeCZCE, "zc": ExchangeCZCE,
	"ap": ExchangeCZCE, "cj": ExchangeCZCE, "ur": ExchangeCZCE, "sa": ExchangeCZCE,
	"pk": ExchangeCZCE, "pf": ExchangeCZCE, "sm": ExchangeCZCE, "sf": ExchangeCZCE,
	"if": ExchangeCFFEX, "ic": ExchangeCFFEX, "ih": ExchangeCFFEX, "im": ExchangeCFFEX,
	"t": ExchangeCFFEX, "tf": ExchangeCFFEX, "ts": ExchangeCFFEX,
}

// ExchangeOfProduct returns the exchange listing the product code.
func ExchangeOfProduct(product string) (Exchange, bool) {
	ex, ok := productExchanges[strings.ToLower(product)]
	return ex, ok
}

// Instrument identifies a tradable contract by exchange and symbol. It is a
// comparable value and may be used as a map key.
type Instrument struct {
	Exchange Exchange
	Symbol   string
}

// NewInstrument returns the instrument for exchange and symbol.
func NewInstrument(exchange Exchange, symbol string) Instrument {
	return Instrument{Exchange: exchange, Symbol: symbol}
}

// ParseInstrument parses "EXCHANGE.SYMBOL" or a bare symbol whose exchange
// can be inferred from its product code.
func ParseInstrument(s string) (Instrument, error) {
	s = strings.TrimSpace(s)
	if ex, sym, ok := strings.Cut(s, "."); ok {
		if ex == "" || sym == "" {
			return Instrument{}, fmt.Errorf("%w: %q", ErrInvalidInstrument, s)
		}
		return Instrument{Exchange: Exchange(strings.ToUpper(ex)), Symbol: sym}, nil
	}
	if s == "" {
		return Instrument{}, fmt.Errorf("%w: empty", ErrInvalidInstrument)
	}
	ex, ok := ExchangeOfProduct(productOf(s))
	if !ok {
		return Instrument{}, fmt.Errorf("%w: unknown exchange for %q", ErrInvalidInstrument, s)
	}
	return Instrument{Exchange: ex, Symbol: s}, nil
}

// MustParseInstrument is ParseInstrument for constants; it panics on error.
func MustParseInstrument(s string) Instrument {
	i, err := ParseInstrument(s)
	if err != nil {
		panic(err)
	}
	return i
}

// String returns the canonical form EXCHANGE.SYMBOL.
func (i Instrument) String() string {
	if i.IsZero() {
		return ""
	}
	return string(i.Exchange) + "." + i.Symbol
}

// IsZero reports whether i is the zero instrument.
func (i Instrument) IsZero() bool {
	return i.Exchange == "" && i.Symbol == ""
}

// IsFuture reports whether the symbol is a standard single-leg future.
func (i Instrument) IsFuture() bool {
	return futureSymbol.MatchString(i.Symbol)
}

// Product returns the leading letters of the symbol.
func (i Instrument) Product() string {
	return productOf(i.Symbol)
}

// Expiry returns the first day of the delivery month. Three-digit CZCE
// codes are resolved to the decade that places the year closest after ref.
func (i Instrument) Expiry(ref time.Time) (time.Time, bool) {
	if !i.IsFuture() {
		return time.Time{}, false
	}
	digits := i.Symbol[len(i.Product()):]
	var year, month int
	switch len(digits) {
	case 4:
		yy, _ := strconv.Atoi(digits[:2])
		month, _ = strconv.Atoi(digits[2:])
		year = 2000 + yy
	case 3:
		y, _ := strconv.Atoi(digits[:1])
		month, _ = strconv.Atoi(digits[1:])
		decade := ref.Year() / 10 * 10
		year = decade + y
		if year < ref.Year()-1 {
			year += 10
		}
	default:
		return time.Time{}, false
	}
	if month < 1 || month > 12 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, ref.Location()), true
}

// MarshalText implements encoding.TextMarshaler.
func (i Instrument) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Instrument) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*i = Instrument{}
		return nil
	}
	v, err := ParseInstrument(string(b))
	if err != nil {
		return err
	}
	*i = v
	return nil
}

func productOf(symbol string) string {
	for n, r := range symbol {
		if !unicode.IsLetter(r) {
			return symbol[:n]
		}
	}
	return symbol
}

// Registry is an append-only interned table of instruments. Concurrent
// reads are safe.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Instrument
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Instrument)}
}

// Intern parses s and returns the interned instrument.
func (r *Registry) Intern(s string) (Instrument, error) {
	r.mu.RLock()
	i, ok := r.items[s]
	r.mu.RUnlock()
	if ok {
		return i, nil
	}
	i, err := ParseInstrument(s)
	if err != nil {
		return Instrument{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.items[s]; ok {
		return existing, nil
	}
	r.items[s] = i
	r.items[i.String()] = i
	return i, nil
}

// Add registers i under its canonical name.
func (r *Registry) Add(i Instrument) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[i.String()]; !ok {
		r.items[i.String()] = i
	}
}

// Lookup finds an instrument by canonical name or by the name it was first
// interned under.
func (r *Registry) Lookup(s string) (Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.items[s]
	return i, ok
}

// All returns every registered instrument sorted by canonical name.
func (r *Registry) All() []Instrument {
	r.mu.RLock()
	seen := make(map[Instrument]struct{}, len(r.items))
	for _, i := range r.items {
		seen[i] = struct{}{}
	}
	r.mu.RUnlock()
	out := make([]Instrument, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].String() < out[b].String() })
	return out
}
