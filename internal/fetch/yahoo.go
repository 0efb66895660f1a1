package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata" // exchangeTimezoneName must resolve on minimal images.

	"marketsync/internal/domain"
)

var _ SeriesSource = (*YahooSource)(nil)

// DefaultYahooURL is the public chart API host.
const DefaultYahooURL = "https://query1.finance.yahoo.com"

// YahooSource reads daily bars from the Yahoo Finance chart API.
type YahooSource struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
}

// NewYahooSource creates a chart API client. proxyURL may be empty.
func NewYahooSource(baseURL, userAgent, proxyURL string, timeout time.Duration) *YahooSource {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	if baseURL == "" {
		baseURL = DefaultYahooURL
	}
	if userAgent == "" {
		userAgent = "Mozilla/5.0"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &YahooSource{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		UserAgent: userAgent,
		Client:    &http.Client{Timeout: timeout, Transport: transport},
	}
}

// Name returns "yahoo".
func (s *YahooSource) Name() string { return "yahoo" }

// yahooChart is the response structure of the chart API.
type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				ExchangeTimezoneName string `json:"exchangeTimezoneName"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// DailyBars fetches one interval=1d chart covering r.
func (s *YahooSource) DailyBars(ctx context.Context, symbol string, r domain.DateRange) ([]domain.Bar, error) {
	q := url.Values{}
	q.Set("period1", fmt.Sprint(r.Start.Unix()))
	q.Set("period2", fmt.Sprint(r.End.Unix()))
	q.Set("interval", "1d")
	q.Set("events", "history")
	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", s.BaseURL, url.PathEscape(symbol), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yahoo fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("yahoo read body: %w", err)
	}

	var chart yahooChart
	decodeErr := json.Unmarshal(body, &chart)
	// Unknown tickers come back as 404 with a JSON error body.
	if decodeErr == nil && chart.Chart.Error != nil {
		if chart.Chart.Error.Code == "Not Found" {
			return nil, fmt.Errorf("yahoo %s: %s: %w", symbol, chart.Chart.Error.Description, ErrNoData)
		}
		return nil, fmt.Errorf("yahoo api error: %s", chart.Chart.Error.Description)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("yahoo: status %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("yahoo decode: %w: %v", ErrMalformed, decodeErr)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Timestamp) == 0 {
		return nil, ErrNoData
	}

	result := chart.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("yahoo %s: %w: no quote block", symbol, ErrMalformed)
	}
	quote := result.Indicators.Quote[0]
	n := len(result.Timestamp)
	if len(quote.Open) != n || len(quote.High) != n || len(quote.Low) != n || len(quote.Close) != n {
		return nil, fmt.Errorf("yahoo %s: %w: ragged quote arrays", symbol, ErrMalformed)
	}

	loc := time.UTC
	if tz := result.Meta.ExchangeTimezoneName; tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}

	bars := make([]domain.Bar, 0, n)
	for i, ts := range result.Timestamp {
		// Yahoo pads halted or partial sessions with nulls.
		if quote.Open[i] == nil || quote.High[i] == nil || quote.Low[i] == nil || quote.Close[i] == nil {
			continue
		}
		b := domain.Bar{
			Date:  time.Unix(ts, 0).In(loc),
			Open:  value(quote.Open[i]),
			High:  value(quote.High[i]),
			Low:   value(quote.Low[i]),
			Close: value(quote.Close[i]),
		}
		if i < len(quote.Volume) {
			b.Volume = int64(value(quote.Volume[i]))
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func value(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}
