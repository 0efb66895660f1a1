package fetch

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"marketsync/internal/domain"
)

var _ SeriesSource = (*AlpacaSource)(nil)

// BarsClient is the part of the Alpaca market-data client AlpacaSource
// needs.
type BarsClient interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// AlpacaSource reads daily bars from the Alpaca market-data API.
type AlpacaSource struct {
	client BarsClient
	feed   marketdata.Feed
}

// NewAlpacaSource creates a source with the given credentials. dataURL
// and feed may be empty.
func NewAlpacaSource(apiKey, apiSecret, dataURL, feed string) *AlpacaSource {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return NewAlpacaSourceWithClient(marketdata.NewClient(opts), feed)
}

// NewAlpacaSourceWithClient wraps an existing client.
func NewAlpacaSourceWithClient(c BarsClient, feed string) *AlpacaSource {
	if feed == "" {
		feed = "iex"
	}
	return &AlpacaSource{client: c, feed: marketdata.Feed(feed)}
}

// Name returns "alpaca".
func (s *AlpacaSource) Name() string { return "alpaca" }

// DailyBars fetches one-day bars for symbol over r.
func (s *AlpacaSource) DailyBars(ctx context.Context, symbol string, r domain.DateRange) ([]domain.Bar, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	abars, err := s.client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     r.Start,
		End:       r.End,
		Feed:      s.feed,
	})
	if err != nil {
		return nil, fmt.Errorf("GetBars %s: %w", symbol, err)
	}
	if len(abars) == 0 {
		return nil, ErrNoData
	}

	bars := make([]domain.Bar, 0, len(abars))
	for _, ab := range abars {
		bars = append(bars, domain.Bar{
			Date:   ab.Timestamp,
			Open:   ab.Open,
			High:   ab.High,
			Low:    ab.Low,
			Close:  ab.Close,
			Volume: int64(ab.Volume),
		})
	}
	return bars, nil
}
