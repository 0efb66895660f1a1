package gather

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"marketsync/internal/domain"
	"marketsync/internal/fetch"
	"marketsync/internal/manifest"
	"marketsync/internal/store"
	"marketsync/internal/util"
)

// SymbolFetcher fetches one symbol to a terminal outcome. *fetch.Fetcher
// implements it.
type SymbolFetcher interface {
	Fetch(ctx context.Context, sym domain.Symbol) fetch.Outcome
}

var _ SymbolFetcher = (*fetch.Fetcher)(nil)

// SchedulerOptions tune a Scheduler.
type SchedulerOptions struct {
	Workers         int
	CheckpointEvery int           // completions between manifest saves
	CourtesyEvery   int           // successes between courtesy pauses
	CourtesyPause   time.Duration // zero disables courtesy pauses
	GracePeriod     time.Duration // how long in-flight fetches may run after cancellation
	HeartbeatEvery  time.Duration // zero disables progress logs
	Clock           util.Clock
	Logger          *slog.Logger

	// After replaces time.After for courtesy pauses, mainly in tests.
	After func(d time.Duration) <-chan time.Time
}

// Failure records why one symbol ended as failed.
type Failure struct {
	Code   string `json:"code"`
	Symbol string `json:"fetch_symbol"`
	Reason string `json:"reason"`
}

// Result tallies one scheduler run.
type Result struct {
	Dispatched  int
	Fetched     int
	Empty       int
	Failed      int
	Aborted     int // cut off by the grace deadline, row left as it was
	Checkpoints int
	Interrupted bool
	Failures    []Failure
}

// Scheduler fetches the pending rows of a manifest with a bounded worker
// pool. A single aggregator goroutine (the caller of Run) owns the
// manifest: workers only send outcomes back.
type Scheduler struct {
	fetcher  SymbolFetcher
	manifest *manifest.Manifest
	store    store.ManifestStore
	opts     SchedulerOptions
	log      *slog.Logger
}

// NewScheduler creates a scheduler that checkpoints m to st.
func NewScheduler(f SymbolFetcher, m *manifest.Manifest, st store.ManifestStore, opts SchedulerOptions) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.CheckpointEvery < 1 {
		opts.CheckpointEvery = 100
	}
	if opts.CourtesyEvery < 1 {
		opts.CourtesyEvery = 100
	}
	if opts.Clock == nil {
		opts.Clock = util.SystemClock{}
	}
	if opts.After == nil {
		opts.After = time.After
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{fetcher: f, manifest: m, store: st, opts: opts, log: log}
}

// Run fetches every pending row. Cancelling ctx stops dispatch; fetches
// already running get GracePeriod to finish. The manifest is saved every
// CheckpointEvery completions and always once more before Run returns.
// The returned error is only about persisting the manifest.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	var res Result
	pending := s.manifest.Pending()
	if len(pending) == 0 {
		return res, nil
	}

	// In-flight work outlives ctx by the grace period.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	var graceTimer *time.Timer
	var graceMu sync.Mutex
	stopGrace := context.AfterFunc(ctx, func() {
		graceMu.Lock()
		graceTimer = time.AfterFunc(s.opts.GracePeriod, cancelWork)
		graceMu.Unlock()
	})
	defer func() {
		stopGrace()
		graceMu.Lock()
		if graceTimer != nil {
			graceTimer.Stop()
		}
		graceMu.Unlock()
	}()

	workers := min(s.opts.Workers, len(pending))
	jobs := make(chan domain.ManifestRow)
	results := make(chan fetch.Outcome, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range jobs {
				results <- s.fetcher.Fetch(workCtx, row.Symbol())
			}
		}()
	}

	var heartbeat <-chan time.Time
	if s.opts.HeartbeatEvery > 0 {
		t := time.NewTicker(s.opts.HeartbeatEvery)
		defer t.Stop()
		heartbeat = t.C
	}

	var (
		next, inflight int
		completed      int
		successes      int
		stopping       bool
		pauseC         <-chan time.Time
		done           = ctx.Done()
		started        = time.Now()
	)

	// A failed periodic save is retried by the next one.
	checkpoint := func(reason string) error {
		if err := s.store.Save(context.WithoutCancel(ctx), s.manifest.Rows()); err != nil {
			s.log.Error("manifest checkpoint failed", "reason", reason, "err", err)
			return err
		}
		res.Checkpoints++
		s.log.Debug("manifest checkpoint", "reason", reason, "completed", completed)
		return nil
	}

	for {
		if (stopping || next == len(pending)) && inflight == 0 {
			break
		}

		var dispatch chan<- domain.ManifestRow
		var row domain.ManifestRow
		if !stopping && pauseC == nil && next < len(pending) && ctx.Err() == nil {
			dispatch = jobs
			row = pending[next]
		}

		select {
		case dispatch <- row:
			next++
			inflight++
			res.Dispatched++

		case out := <-results:
			inflight--
			if out.Aborted() {
				res.Aborted++
				continue
			}
			s.manifest.SetStatus(out.Code, out.Status, s.opts.Clock.Now())
			completed++

			switch out.Status {
			case domain.StatusDone:
				res.Fetched++
				successes++
				if s.opts.CourtesyPause > 0 && successes%s.opts.CourtesyEvery == 0 && !stopping && next < len(pending) {
					s.log.Info("courtesy pause", "successes", successes, "pause", s.opts.CourtesyPause)
					pauseC = s.opts.After(s.opts.CourtesyPause)
				}
			case domain.StatusEmpty:
				res.Empty++
			default:
				res.Failed++
				reason := "unknown"
				if out.Err != nil {
					reason = out.Err.Error()
				}
				res.Failures = append(res.Failures, Failure{Code: out.Code, Symbol: out.Symbol, Reason: reason})
				s.log.Warn("fetch failed", "symbol", out.Symbol, "attempts", out.Attempts, "err", out.Err)
			}

			if completed%s.opts.CheckpointEvery == 0 {
				_ = checkpoint("periodic")
			}

		case <-pauseC:
			pauseC = nil

		case <-done:
			done = nil
			stopping = true
			pauseC = nil
			res.Interrupted = true
			s.log.Warn("interrupted, draining in-flight fetches",
				"inflight", inflight,
				"undispatched", len(pending)-next,
				"grace", s.opts.GracePeriod,
			)

		case <-heartbeat:
			elapsed := time.Since(started)
			s.log.Info("progress",
				"done", fmt.Sprintf("%s/%s", humanize.Comma(int64(completed)), humanize.Comma(int64(len(pending)))),
				"fetched", res.Fetched,
				"empty", res.Empty,
				"failed", res.Failed,
				"elapsed", elapsed.Round(time.Second),
			)
		}
	}

	close(jobs)
	wg.Wait()

	if err := checkpoint("final"); err != nil {
		return res, fmt.Errorf("saving manifest: %w", err)
	}
	return res, nil
}
