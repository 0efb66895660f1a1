// Package universe resolves the authoritative list of symbols for a market.
// Sources are tried in a fixed order (same-day cache, primary, secondary,
// stale cache) until one yields a plausibly complete universe.
package universe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"marketsync/internal/domain"
	"marketsync/internal/market"
)

// ErrUnavailable is returned when no source and no cache produced symbols.
var ErrUnavailable = errors.New("symbol universe unavailable")

// ErrInsufficient marks a source result smaller than the market threshold.
var ErrInsufficient = errors.New("universe below threshold")

// RawRow is one (code, name) pair read from a listing, tagged with the
// board it came from when the source knows it.
type RawRow struct {
	Code  string
	Name  string
	Board string
}

// Source fetches a raw symbol listing.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]RawRow, error)
}

// Options tune a Resolver.
type Options struct {
	Threshold  int           // overrides the market default when positive
	MaxRetries int           // attempts per live source, at least 1
	RetryDelay time.Duration // fixed pause between attempts
	Logger     *slog.Logger
}

// strategy is one step of the fallback chain.
type strategy struct {
	name    string
	resolve func(ctx context.Context) ([]domain.Symbol, error)
	// persist writes an accepted result back to the cache.
	persist bool
	// anySize accepts any non-empty result regardless of threshold.
	anySize bool
}

// Resolver produces a market's symbol universe.
type Resolver struct {
	market     market.Market
	threshold  int
	cache      *Cache
	strategies []strategy
	log        *slog.Logger
}

// NewResolver wires the fallback chain for m. secondary may be nil.
func NewResolver(m market.Market, cache *Cache, primary, secondary Source, opts Options) *Resolver {
	r := &Resolver{
		market:    m,
		threshold: m.Threshold,
		cache:     cache,
		log:       opts.Logger,
	}
	if opts.Threshold > 0 {
		r.threshold = opts.Threshold
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With("market", m.ID)

	retries := max(opts.MaxRetries, 1)

	r.strategies = append(r.strategies, strategy{
		name: "cache",
		resolve: func(context.Context) ([]domain.Symbol, error) {
			return cache.Today()
		},
	})
	for _, src := range []Source{primary, secondary} {
		if src == nil {
			continue
		}
		src := src
		r.strategies = append(r.strategies, strategy{
			name:    src.Name(),
			persist: true,
			resolve: func(ctx context.Context) ([]domain.Symbol, error) {
				return r.live(ctx, src, retries, opts.RetryDelay)
			},
		})
	}
	r.strategies = append(r.strategies, strategy{
		name:    "stale-cache",
		anySize: true,
		resolve: func(context.Context) ([]domain.Symbol, error) {
			syms, _, err := cache.Load()
			return syms, err
		},
	})
	return r
}

// Threshold returns the minimum accepted universe size.
func (r *Resolver) Threshold() int { return r.threshold }

// Resolve walks the fallback chain and returns the first acceptable
// universe. Every returned symbol is common and unique by code.
func (r *Resolver) Resolve(ctx context.Context) ([]domain.Symbol, error) {
	for _, s := range r.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		syms, err := s.resolve(ctx)
		if err != nil {
			r.log.Info("universe strategy failed", "strategy", s.name, "err", err)
			continue
		}
		if len(syms) == 0 || (!s.anySize && len(syms) < r.threshold) {
			r.log.Info("universe strategy insufficient", "strategy", s.name, "count", len(syms), "threshold", r.threshold)
			continue
		}

		if s.persist {
			if err := r.cache.Save(syms); err != nil {
				r.log.Warn("saving universe cache failed", "err", err)
			}
		}
		if s.anySize {
			r.log.Warn("using stale universe cache", "count", len(syms))
		}
		r.log.Info("universe resolved", "strategy", s.name, "count", len(syms))
		return syms, nil
	}
	return nil, fmt.Errorf("%s: %w", r.market.ID, ErrUnavailable)
}

// live queries src up to attempts times, pausing delay between attempts,
// until it yields at least threshold symbols.
func (r *Resolver) live(ctx context.Context, src Source, attempts int, delay time.Duration) ([]domain.Symbol, error) {
	var syms []domain.Symbol
	op := func() error {
		rows, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		var excluded int
		syms, excluded = Build(r.market, rows)
		if len(syms) < r.threshold {
			return fmt.Errorf("%w: %d < %d (%d excluded)", ErrInsufficient, len(syms), r.threshold, excluded)
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		r.log.Info("universe source retry", "source", src.Name(), "err", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	return syms, nil
}

// Build turns raw rows into the market's common symbols, deduplicated by
// normalized code with the first occurrence winning. It also returns how
// many rows were classified as excluded.
func Build(m market.Market, rows []RawRow) (syms []domain.Symbol, excluded int) {
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		s, ok := m.Symbol(row.Code, row.Name, row.Board)
		if !ok || seen[s.Code] {
			continue
		}
		seen[s.Code] = true
		if s.Class == domain.ClassExcluded {
			excluded++
			continue
		}
		syms = append(syms, s)
	}
	return syms, excluded
}
