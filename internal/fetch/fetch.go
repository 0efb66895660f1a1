// Package fetch downloads the daily series of one symbol and writes its
// artifact. Transient failures are retried here; callers only see the
// terminal status.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/store"
	"marketsync/internal/util"
)

var (
	// ErrNoData means the source answered but has no bars for the symbol.
	ErrNoData = errors.New("no data for symbol")

	// ErrMalformed marks a response that could not be decoded.
	ErrMalformed = errors.New("malformed series response")
)

// SeriesSource downloads daily bars for a fetch symbol.
type SeriesSource interface {
	Name() string
	DailyBars(ctx context.Context, symbol string, r domain.DateRange) ([]domain.Bar, error)
}

// Outcome is the terminal result of fetching one symbol.
type Outcome struct {
	Code     string
	Symbol   string
	Status   domain.Status
	Attempts int
	Bars     int
	Err      error
}

// Aborted reports whether the fetch was cut short by cancellation and
// decided nothing about the symbol.
func (o Outcome) Aborted() bool { return o.Status == domain.StatusPending }

// Options tune a Fetcher. Zero durations disable the corresponding pause.
type Options struct {
	MaxAttempts  int
	JitterMin    time.Duration
	JitterMax    time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	LookbackDays int
	Location     *time.Location
	Limiter      *util.RateLimiter
	Clock        util.Clock
	Logger       *slog.Logger

	// Sleep replaces util.Sleep, mainly in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Fetcher fetches one symbol at a time and is safe for concurrent use.
type Fetcher struct {
	source    SeriesSource
	artifacts store.ArtifactStore
	opts      Options
	log       *slog.Logger
}

// New returns a Fetcher writing artifacts to artifacts.
func New(source SeriesSource, artifacts store.ArtifactStore, opts Options) *Fetcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 730
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = util.SystemClock{}
	}
	if opts.Sleep == nil {
		opts.Sleep = util.Sleep
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		source:    source,
		artifacts: artifacts,
		opts:      opts,
		log:       log.With("source", source.Name()),
	}
}

// Fetch downloads sym's series and writes its artifact. It makes at most
// MaxAttempts network attempts; an empty answer ends the loop at once.
func (f *Fetcher) Fetch(ctx context.Context, sym domain.Symbol) Outcome {
	out := Outcome{Code: sym.Code, Symbol: sym.FetchSymbol}
	if err := sym.Validate(); err != nil {
		out.Status = domain.StatusFailed
		out.Err = err
		return out
	}

	rng := domain.Lookback(f.opts.Clock.Now(), f.opts.LookbackDays)
	var lastErr error

	for attempt := 1; attempt <= f.opts.MaxAttempts; attempt++ {
		out.Attempts = attempt

		if err := f.opts.Sleep(ctx, util.Uniform(f.opts.JitterMin, f.opts.JitterMax)); err != nil {
			return aborted(out, err)
		}
		if err := f.opts.Limiter.Wait(ctx); err != nil {
			return aborted(out, err)
		}

		bars, err := f.source.DailyBars(ctx, sym.FetchSymbol, rng)
		if err == nil {
			bars = Normalize(bars, f.opts.Location)
			if len(bars) == 0 {
				err = ErrNoData
			}
		}
		switch {
		case err == nil:
			// Cancellation must not leave a half-written artifact behind.
			if werr := f.artifacts.WriteBars(context.WithoutCancel(ctx), sym.FetchSymbol, bars); werr != nil {
				out.Status = domain.StatusFailed
				out.Err = fmt.Errorf("writing artifact: %w", werr)
				return out
			}
			out.Status = domain.StatusDone
			out.Bars = len(bars)
			return out

		case errors.Is(err, ErrNoData):
			out.Status = domain.StatusEmpty
			out.Err = err
			return out

		case ctx.Err() != nil:
			return aborted(out, ctx.Err())
		}

		lastErr = err
		if attempt == f.opts.MaxAttempts {
			break
		}
		wait := util.Uniform(f.opts.BackoffMin, f.opts.BackoffMax) * time.Duration(attempt)
		f.log.Debug("fetch attempt failed", "symbol", sym.FetchSymbol, "attempt", attempt, "err", err, "wait", wait)
		if err := f.opts.Sleep(ctx, wait); err != nil {
			return aborted(out, err)
		}
	}

	out.Status = domain.StatusFailed
	out.Err = fmt.Errorf("after %d attempts: %w", out.Attempts, lastErr)
	return out
}

func aborted(out Outcome, err error) Outcome {
	out.Status = domain.StatusPending
	out.Err = err
	return out
}

// Normalize converts raw bars to the artifact schema: naive exchange-local
// dates, no null bars, ascending and unique by date. A later bar for the
// same date replaces an earlier one.
func Normalize(bars []domain.Bar, loc *time.Location) []domain.Bar {
	if loc == nil {
		loc = time.UTC
	}
	byDate := make(map[time.Time]int, len(bars))
	out := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		if isNullBar(b) {
			continue
		}
		y, m, d := b.Date.In(loc).Date()
		b.Date = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		if i, ok := byDate[b.Date]; ok {
			out[i] = b
			continue
		}
		byDate[b.Date] = len(out)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func isNullBar(b domain.Bar) bool {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(v) {
			return true
		}
	}
	return b.Open == 0 && b.High == 0 && b.Low == 0 && b.Close == 0
}
