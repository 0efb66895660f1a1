// Package daemon runs a gatherer on a cron schedule until cancelled.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"marketsync/internal/gather"
)

// Daemon triggers one gatherer per cron tick. A tick that arrives while the
// previous run is still going is skipped.
type Daemon struct {
	cron       *cron.Cron
	job        gather.Gatherer
	runOnStart bool
	log        *slog.Logger
	ctx        context.Context
}

// New validates expr (six fields, seconds first, or an @descriptor) and
// registers job under it.
func New(expr string, job gather.Gatherer, runOnStart bool, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "daemon")
	d := &Daemon{
		job:        job,
		runOnStart: runOnStart,
		log:        log,
		ctx:        context.Background(),
	}
	cl := cronLogger{log}
	d.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := d.cron.AddFunc(expr, d.tick); err != nil {
		return nil, fmt.Errorf("register %s schedule %q: %w", job.Name(), expr, err)
	}
	return d, nil
}

// Run starts the schedule and blocks until ctx is cancelled, then waits
// for a running job to return.
func (d *Daemon) Run(ctx context.Context) error {
	d.ctx = ctx
	d.cron.Start()
	d.log.Info("scheduler started", "job", d.job.Name(), "next", d.Next())

	if d.runOnStart {
		// Through the cron chain, so a scheduled tick cannot overlap it.
		d.cron.Entries()[0].WrappedJob.Run()
	}

	<-ctx.Done()
	stopped := d.cron.Stop()
	<-stopped.Done()
	d.log.Info("scheduler stopped")
	return nil
}

// Next returns the next scheduled run, or the zero time before Run.
func (d *Daemon) Next() time.Time {
	entries := d.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (d *Daemon) tick() {
	start := time.Now()
	d.log.Info("scheduled run starting", "job", d.job.Name())
	if err := d.job.Run(d.ctx); err != nil {
		d.log.Error("scheduled run failed", "job", d.job.Name(), "err", err)
		return
	}
	d.log.Info("scheduled run finished", "job", d.job.Name(), "elapsed", time.Since(start).Round(time.Second))
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}
