package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"marketsync/internal/domain"
	"marketsync/internal/manifest"
	"marketsync/internal/market"
	"marketsync/internal/store"
	"marketsync/internal/universe"
	"marketsync/internal/util"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var _ Gatherer = (*Pipeline)(nil)
var _ Resolver = (*universe.Resolver)(nil)

// Resolver yields a market's symbol universe.
type Resolver interface {
	Resolve(ctx context.Context) ([]domain.Symbol, error)
}

// Pipeline syncs one market end to end.
type Pipeline struct {
	Market    market.Market
	Resolver  Resolver
	Manifests store.ManifestStore
	Evaluator *manifest.Evaluator
	Fetcher   SymbolFetcher
	Scheduler SchedulerOptions

	// Recorder and ReportDir are optional.
	Recorder  store.RunRecorder
	ReportDir string

	Clock  util.Clock
	Logger *slog.Logger
}

// Name returns the market id.
func (p *Pipeline) Name() string { return p.Market.ID }

// Run syncs the market and discards the report.
func (p *Pipeline) Run(ctx context.Context) error {
	_, err := p.Sync(ctx)
	return err
}

// Sync resolves the universe, merges it into the manifest, marks fresh
// artifacts done and fetches the rest. An unavailable or empty universe
// yields a zero report and no error. Cancellation still saves the manifest
// and returns the partial report together with ctx's error.
func (p *Pipeline) Sync(ctx context.Context) (domain.Report, error) {
	log := p.logger()
	now := p.now()
	rep := domain.Report{Market: p.Market.ID, RunID: store.NewRunID(), Started: now}

	// 1. Resolve the symbol universe.
	syms, err := p.Resolver.Resolve(ctx)
	if err != nil {
		if errors.Is(err, universe.ErrUnavailable) {
			log.Error("no symbol universe, skipping market", "err", err)
			return p.finish(ctx, rep, nil), nil
		}
		return rep, fmt.Errorf("resolving universe: %w", err)
	}
	if len(syms) == 0 {
		log.Warn("empty symbol universe, skipping market")
		return p.finish(ctx, rep, nil), nil
	}

	// 2. Load the manifest and merge the universe into it.
	rows, err := p.Manifests.Load(ctx)
	if err != nil {
		return rep, fmt.Errorf("loading manifest: %w", err)
	}
	m := manifest.New(normalizeRows(p.Market, rows))
	added := m.Merge(syms)

	// 3. Reconcile statuses with the artifacts on disk.
	ann := p.Evaluator.Annotate(m)
	if ann.Errors > 0 {
		log.Warn("some artifacts could not be inspected", "count", ann.Errors)
	}
	if err := p.Manifests.Save(ctx, m.Rows()); err != nil {
		return rep, fmt.Errorf("saving manifest: %w", err)
	}
	rep.Skipped = ann.Fresh

	pending := len(m.Pending())
	log.Info("manifest ready",
		"universe", humanize.Comma(int64(len(syms))),
		"rows", humanize.Comma(int64(m.Len())),
		"new", added,
		"fresh", ann.Fresh,
		"pending", humanize.Comma(int64(pending)),
	)

	// 4. Fetch what is pending.
	opts := p.Scheduler
	if opts.Logger == nil {
		opts.Logger = log
	}
	if opts.Clock == nil {
		opts.Clock = p.Clock
	}
	res, err := NewScheduler(p.Fetcher, m, p.Manifests, opts).Run(ctx)
	rep.Fetched = res.Fetched
	rep.Interrupted = res.Interrupted

	// 5. Tally the final manifest.
	counts := m.Counts()
	rep.Total = m.Len()
	rep.Success = counts[domain.StatusDone]
	rep.Failed = counts[domain.StatusFailed]
	rep.Empty = counts[domain.StatusEmpty]
	rep = p.finish(ctx, rep, res.Failures)

	if err != nil {
		return rep, err
	}
	if res.Interrupted {
		return rep, ctx.Err()
	}
	return rep, nil
}

// finish stamps the report, records it and writes the run report file.
// Neither side effect can fail the run.
func (p *Pipeline) finish(ctx context.Context, rep domain.Report, failures []Failure) domain.Report {
	rep.Finished = p.now()
	log := p.logger()
	ctx = context.WithoutCancel(ctx)

	if p.Recorder != nil {
		if err := p.Recorder.RecordRun(ctx, rep); err != nil {
			log.Warn("recording run failed", "err", err)
		}
	}
	if p.ReportDir != "" {
		if err := WriteRunReport(p.ReportDir, rep, failures); err != nil {
			log.Warn("writing run report failed", "err", err)
		}
	}

	sum := rep.Summary()
	log.Info("sync complete",
		"total", sum.Total,
		"success", sum.Success,
		"fail", sum.Fail,
		"fetched", rep.Fetched,
		"empty", rep.Empty,
		"interrupted", rep.Interrupted,
		"elapsed", rep.Duration().Round(time.Second),
	)
	return rep
}

// normalizeRows rewrites stored codes into the market's canonical form so
// that "5" and "00005" land on the same row. Codes that do not normalize
// are kept as stored.
func normalizeRows(mk market.Market, rows []domain.ManifestRow) []domain.ManifestRow {
	for i := range rows {
		r := &rows[i]
		if code := mk.NormalizeCode(r.Code); code != "" {
			r.Code = code
		}
		if r.FetchSymbol == "" && r.Code != "" {
			r.FetchSymbol = mk.FetchSymbol(r.Code, r.Board)
		}
	}
	return rows
}

func (p *Pipeline) logger() *slog.Logger {
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	return log.With("gatherer", p.Market.ID)
}

func (p *Pipeline) now() time.Time {
	if p.Clock == nil {
		return time.Now()
	}
	return p.Clock.Now()
}
