package us

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"limitless/internal/domain"
	"limitless/internal/gather"
	"limitless/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ gather.Provider = (*AlpacaProvider)(nil)
var _ MarketDataClient = (*marketdata.Client)(nil)

// MarketDataClient is the subset of the Alpaca market-data client the
// provider calls. Pagination happens inside the client.
type MarketDataClient interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
	GetMultiQuotes(symbols []string, req marketdata.GetQuotesRequest) (map[string][]marketdata.Quote, error)
}

// ProviderOptions tunes request batching and pacing.
type ProviderOptions struct {
	Feed      string
	BatchSize int // symbols per API call
	PerMinute int // request budget, 0 disables pacing
	Attempts  int
	Backoff   time.Duration
}

// DefaultProviderOptions matches the free IEX data plan.
var DefaultProviderOptions = ProviderOptions{
	Feed:      "iex",
	BatchSize: 100,
	PerMinute: 200,
	Attempts:  3,
	Backoff:   time.Second,
}

// AlpacaProvider serves minute bars and quotes from the Alpaca market-data API.
type AlpacaProvider struct {
	client  MarketDataClient
	opts    ProviderOptions
	limiter *util.RateLimiter
	log     *slog.Logger
}

// NewAlpacaProvider creates a provider with its own market-data client.
func NewAlpacaProvider(apiKey, apiSecret, dataURL string, opts ProviderOptions, log *slog.Logger) *AlpacaProvider {
	clientOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		clientOpts.BaseURL = dataURL
	}
	return NewAlpacaProviderWithClient(marketdata.NewClient(clientOpts), opts, log)
}

// NewAlpacaProviderWithClient creates a provider around an existing client.
func NewAlpacaProviderWithClient(client MarketDataClient, opts ProviderOptions, log *slog.Logger) *AlpacaProvider {
	if opts.Feed == "" {
		opts.Feed = DefaultProviderOptions.Feed
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultProviderOptions.BatchSize
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &AlpacaProvider{
		client:  client,
		opts:    opts,
		limiter: util.NewRateLimiter(opts.PerMinute),
		log:     log.With("provider", "alpaca"),
	}
}

// Bars fetches one-minute bars for symbols in [start, end].
func (p *AlpacaProvider) Bars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.Bar, error) {
	out := make(map[string][]domain.Bar, len(symbols))
	for _, batch := range batches(symbols, p.opts.BatchSize) {
		var raw map[string][]marketdata.Bar
		err := p.call(ctx, func() (err error) {
			raw, err = p.client.GetMultiBars(batch, marketdata.GetBarsRequest{
				TimeFrame: marketdata.OneMin,
				Start:     start,
				End:       end,
				Feed:      marketdata.Feed(p.opts.Feed),
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("GetMultiBars: %w", err)
		}
		for symbol, alpacaBars := range raw {
			sym := strings.ToUpper(symbol)
			for _, ab := range alpacaBars {
				out[sym] = append(out[sym], domain.Bar{
					Symbol:     sym,
					Timestamp:  ab.Timestamp.UTC(),
					Open:       ab.Open,
					High:       ab.High,
					Low:        ab.Low,
					Close:      ab.Close,
					Volume:     int64(ab.Volume),
					TradeCount: int64(ab.TradeCount),
					VWAP:       ab.VWAP,
				})
			}
		}
	}
	return out, nil
}

// Quotes fetches top-of-book quotes for symbols in [start, end].
func (p *AlpacaProvider) Quotes(ctx context.Context, symbols []string, start, end time.Time) (map[string][]domain.Quote, error) {
	out := make(map[string][]domain.Quote, len(symbols))
	for _, batch := range batches(symbols, p.opts.BatchSize) {
		var raw map[string][]marketdata.Quote
		err := p.call(ctx, func() (err error) {
			raw, err = p.client.GetMultiQuotes(batch, marketdata.GetQuotesRequest{
				Start: start,
				End:   end,
				Feed:  marketdata.Feed(p.opts.Feed),
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("GetMultiQuotes: %w", err)
		}
		for symbol, alpacaQuotes := range raw {
			sym := strings.ToUpper(symbol)
			for _, aq := range alpacaQuotes {
				out[sym] = append(out[sym], domain.Quote{
					Symbol:    sym,
					Timestamp: aq.Timestamp.UTC(),
					BidPrice:  aq.BidPrice,
					AskPrice:  aq.AskPrice,
					BidSize:   int64(aq.BidSize),
					AskSize:   int64(aq.AskSize),
				})
			}
		}
	}
	return out, nil
}

// call paces and retries a single API request.
func (p *AlpacaProvider) call(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, p.opts.Attempts, p.opts.Backoff, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		err := fn()
		if err != nil {
			p.log.Warn("request failed", "err", err)
		}
		return err
	})
}

// batches splits symbols into chunks of at most size.
func batches(symbols []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(symbols); i += size {
		out = append(out, symbols[i:min(i+size, len(symbols))])
	}
	return out
}
