package domain

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstrument(t *testing.T) {
	i, err := ParseInstrument("SHFE.au1906")
	require.NoError(t, err)
	assert.Equal(t, ExchangeSHFE, i.Exchange)
	assert.Equal(t, "au1906", i.Symbol)
	assert.Equal(t, "SHFE.au1906", i.String())
	assert.Equal(t, "au", i.Product())
	assert.True(t, i.IsFuture())

	bare, err := ParseInstrument("SR901")
	require.NoError(t, err)
	assert.Equal(t, ExchangeCZCE, bare.Exchange)

	_, err = ParseInstrument("zz1901")
	assert.ErrorIs(t, err, ErrInvalidInstrument)
}

func TestInstrumentIsFuture(t *testing.T) {
	assert.False(t, NewInstrument(ExchangeDCE, "SP m1901&m1905").IsFuture())
	assert.False(t, NewInstrument(ExchangeSHFE, "au").IsFuture())
	assert.True(t, NewInstrument(ExchangeCFFEX, "IF1901").IsFuture())
}

func TestInstrumentExpiry(t *testing.T) {
	ref := time.Date(2018, 12, 28, 0, 0, 0, 0, time.UTC)

	exp, ok := MustParseInstrument("SHFE.au1906").Expiry(ref)
	require.True(t, ok)
	assert.Equal(t, time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC), exp)

	exp, ok = MustParseInstrument("CZCE.SR901").Expiry(ref)
	require.True(t, ok)
	assert.Equal(t, time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC), exp)

	_, ok = MustParseInstrument("SHFE.au1913").Expiry(ref)
	assert.False(t, ok)
}

func TestInstrumentJSON(t *testing.T) {
	type wrapper struct {
		Instrument Instrument            `json:"instrument"`
		ByInst     map[Instrument]string `json:"byInst"`
	}
	au := MustParseInstrument("SHFE.au1906")
	w := wrapper{Instrument: au, ByInst: map[Instrument]string{au: "gold"}}

	data, err := json.Marshal(w)
	require.NoError(t, err)
	assert.JSONEq(t, `{"instrument":"SHFE.au1906","byInst":{"SHFE.au1906":"gold"}}`, string(data))

	var back wrapper
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, w, back)
}

func TestRegistryConcurrentIntern(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Intern("au1906")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	i, ok := r.Lookup("SHFE.au1906")
	require.True(t, ok)
	assert.Equal(t, "au1906", i.Symbol)
	assert.Len(t, r.All(), 1)
}
