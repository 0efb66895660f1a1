package gather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketsync/internal/domain"
)

var _ Gatherer = (*Orchestrator)(nil)

// Syncer is one market's pipeline as seen by the orchestrator.
type Syncer interface {
	Name() string
	Sync(ctx context.Context) (domain.Report, error)
}

var _ Syncer = (*Pipeline)(nil)

// Analyzer consumes a market's artifacts once its sync finished.
type Analyzer interface {
	Analyze(ctx context.Context, market string, sum domain.Summary) error
}

// Notifier delivers the outcome of a market's run.
type Notifier interface {
	Notify(ctx context.Context, rep domain.Report) error
}

// LogNotifier writes each report as a log line. It stands in where no
// outbound delivery is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs rep's summary.
func (n LogNotifier) Notify(_ context.Context, rep domain.Report) error {
	log := n.Logger
	if log == nil {
		log = slog.Default()
	}
	sum := rep.Summary()
	log.Info("market report",
		"market", rep.Market,
		"total", sum.Total,
		"success", sum.Success,
		"fail", sum.Fail,
		"run", rep.RunID,
	)
	return nil
}

// Orchestrator runs several market pipelines one after another, then hands
// each summary to the analyzer and the notifier.
type Orchestrator struct {
	Pipelines []Syncer
	Analyzer  Analyzer // optional
	Notifier  Notifier // optional
	Logger    *slog.Logger
}

// Name returns "orchestrator".
func (o *Orchestrator) Name() string { return "orchestrator" }

// Run syncs every market and discards the reports.
func (o *Orchestrator) Run(ctx context.Context) error {
	_, err := o.SyncAll(ctx)
	return err
}

// SyncAll runs each pipeline in order. A failing market does not stop the
// others; cancellation does. Analyzer is skipped for markets with nothing
// on disk.
func (o *Orchestrator) SyncAll(ctx context.Context) ([]domain.Report, error) {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	start := time.Now()

	var (
		reports []domain.Report
		errs    []error
	)
	for _, p := range o.Pipelines {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		log.Info("starting market", "market", p.Name())

		rep, err := p.Sync(ctx)
		if err != nil {
			log.Error("market sync failed", "market", p.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
		reports = append(reports, rep)
		if ctx.Err() != nil {
			break
		}

		sum := rep.Summary()
		if o.Analyzer != nil && sum.Success > 0 {
			if err := o.Analyzer.Analyze(ctx, p.Name(), sum); err != nil {
				log.Error("analysis failed", "market", p.Name(), "err", err)
			}
		}
		if o.Notifier != nil {
			if err := o.Notifier.Notify(ctx, rep); err != nil {
				log.Error("notification failed", "market", p.Name(), "err", err)
			}
		}
	}

	log.Info("all markets finished",
		"markets", len(reports),
		"elapsed", time.Since(start).Round(time.Second),
	)
	return reports, errors.Join(errs...)
}
