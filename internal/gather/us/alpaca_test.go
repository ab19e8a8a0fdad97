package us

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limitless/internal/util"
)

type fakeMarketData struct {
	barCalls   [][]string
	quoteCalls [][]string
	failures   int
	bars       map[string][]marketdata.Bar
	quotes     map[string][]marketdata.Quote
	lastFeed   string
}

func (f *fakeMarketData) GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error) {
	f.barCalls = append(f.barCalls, symbols)
	f.lastFeed = string(req.Feed)
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("503 service unavailable")
	}
	out := map[string][]marketdata.Bar{}
	for _, s := range symbols {
		if b, ok := f.bars[s]; ok {
			out[s] = b
		}
	}
	return out, nil
}

func (f *fakeMarketData) GetMultiQuotes(symbols []string, req marketdata.GetQuotesRequest) (map[string][]marketdata.Quote, error) {
	f.quoteCalls = append(f.quoteCalls, symbols)
	out := map[string][]marketdata.Quote{}
	for _, s := range symbols {
		if q, ok := f.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func TestAlpacaProviderBars(t *testing.T) {
	ts := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	fake := &fakeMarketData{bars: map[string][]marketdata.Bar{
		"AAPL": {{Timestamp: ts, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 300, TradeCount: 7, VWAP: 1.2}},
	}}
	p := NewAlpacaProviderWithClient(fake, ProviderOptions{Feed: "sip", BatchSize: 2}, util.Discard())

	got, err := p.Bars(context.Background(), []string{"AAPL", "MSFT", "TSLA"}, ts, ts.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"AAPL", "MSFT"}, {"TSLA"}}, fake.barCalls)
	assert.Equal(t, "sip", fake.lastFeed)
	require.Len(t, got["AAPL"], 1)
	b := got["AAPL"][0]
	assert.Equal(t, "AAPL", b.Symbol)
	assert.Equal(t, int64(300), b.Volume)
	assert.Equal(t, int64(7), b.TradeCount)
	assert.Equal(t, 1.5, b.Close)
	assert.Empty(t, got["MSFT"])
}

func TestAlpacaProviderRetries(t *testing.T) {
	fake := &fakeMarketData{failures: 2}
	p := NewAlpacaProviderWithClient(fake, ProviderOptions{Attempts: 3}, util.Discard())

	_, err := p.Bars(context.Background(), []string{"AAPL"}, time.Now(), time.Now())
	require.NoError(t, err)
	assert.Len(t, fake.barCalls, 3)
	assert.Equal(t, "iex", fake.lastFeed)
}

func TestAlpacaProviderGivesUp(t *testing.T) {
	fake := &fakeMarketData{failures: 5}
	p := NewAlpacaProviderWithClient(fake, ProviderOptions{Attempts: 2}, util.Discard())

	_, err := p.Bars(context.Background(), []string{"AAPL"}, time.Now(), time.Now())
	require.Error(t, err)
	assert.Len(t, fake.barCalls, 2)
}

func TestAlpacaProviderQuotes(t *testing.T) {
	ts := time.Date(2025, 3, 3, 14, 30, 0, 0, time.UTC)
	fake := &fakeMarketData{quotes: map[string][]marketdata.Quote{
		"aapl": {{Timestamp: ts, BidPrice: 99.5, AskPrice: 100.5, BidSize: 3, AskSize: 4}},
	}}
	p := NewAlpacaProviderWithClient(fake, ProviderOptions{}, util.Discard())

	got, err := p.Quotes(context.Background(), []string{"aapl"}, ts, ts)
	require.NoError(t, err)
	require.Len(t, got["AAPL"], 1)
	q := got["AAPL"][0]
	assert.Equal(t, 100.0, q.Mid())
	assert.Equal(t, int64(4), q.AskSize)
	assert.False(t, q.Synthetic)
}

func TestBatches(t *testing.T) {
	assert.Nil(t, batches(nil, 3))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, batches([]string{"a", "b", "c"}, 2))
}
