package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/subcommands"

	"marketsync/internal/daemon"
	"marketsync/internal/domain"
	"marketsync/internal/gather"
	"marketsync/internal/manifest"
	"marketsync/internal/store"
	"marketsync/internal/util"
)

func (a *app) deps() gather.Deps {
	return gather.Deps{
		Config:  a.cfg,
		DB:      a.db,
		Limiter: util.NewRateLimiter(a.cfg.Pipeline.RequestsPerMinute),
		Logger:  a.log,
	}
}

// ---------------------------------------------------------------------------
// run
// ---------------------------------------------------------------------------

type runCmd struct {
	markets string
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "sync the configured markets once" }
func (*runCmd) Usage() string {
	return `marketsync run [-markets tw-share,hk-share]

  Resolves each market's symbol universe, reconciles the manifest with the
  artifacts on disk and fetches every pending symbol. Prints one JSON
  summary per market. Interrupting saves progress; the next run resumes.
`
}

func (c *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.markets, "markets", "", "comma-separated market ids (default: all enabled)")
}

func (c *runCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := openApp()
	if err != nil {
		return fail("%v", err)
	}
	defer a.close()

	ids := a.markets(c.markets)
	if len(ids) == 0 {
		return fail("no markets enabled")
	}
	orch, err := gather.NewOrchestrator(ids, a.deps(), nil, gather.LogNotifier{Logger: a.log})
	if err != nil {
		return fail("%v", err)
	}

	reports, err := orch.SyncAll(ctx)
	enc := json.NewEncoder(os.Stdout)
	for _, rep := range reports {
		enc.Encode(struct {
			Market string `json:"market"`
			domain.Summary
		}{rep.Market, rep.Summary()})
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "interrupted; progress saved")
			return subcommands.ExitFailure
		}
		return fail("%v", err)
	}
	return subcommands.ExitSuccess
}

// ---------------------------------------------------------------------------
// daemon
// ---------------------------------------------------------------------------

type daemonCmd struct {
	markets string
}

func (*daemonCmd) Name() string     { return "daemon" }
func (*daemonCmd) Synopsis() string { return "sync markets on the configured cron schedule" }
func (*daemonCmd) Usage() string {
	return `marketsync daemon [-markets ids]

  Runs every market on schedule.cron (seconds field first) until SIGINT or
  SIGTERM. Set schedule.run_on_start to sync once at startup.
`
}

func (c *daemonCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.markets, "markets", "", "comma-separated market ids (default: all enabled)")
}

func (c *daemonCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := openApp()
	if err != nil {
		return fail("%v", err)
	}
	defer a.close()

	ids := a.markets(c.markets)
	if len(ids) == 0 {
		return fail("no markets enabled")
	}
	orch, err := gather.NewOrchestrator(ids, a.deps(), nil, gather.LogNotifier{Logger: a.log})
	if err != nil {
		return fail("%v", err)
	}
	d, err := daemon.New(a.cfg.Schedule.Cron, orch, a.cfg.Schedule.RunOnStart, a.log)
	if err != nil {
		return fail("%v", err)
	}
	if err := d.Run(ctx); err != nil {
		return fail("%v", err)
	}
	return subcommands.ExitSuccess
}

// ---------------------------------------------------------------------------
// universe
// ---------------------------------------------------------------------------

type universeCmd struct {
	market string
	list   bool
}

func (*universeCmd) Name() string     { return "universe" }
func (*universeCmd) Synopsis() string { return "resolve and print a market's symbol universe" }
func (*universeCmd) Usage() string {
	return `marketsync universe -market <id> [-list]

  Resolves the universe through the same cache and source fallback the
  sync uses, and refreshes the cache when a live source answered.
`
}

func (c *universeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.market, "market", "", "market id")
	f.BoolVar(&c.list, "list", false, "print every symbol as code&name")
}

func (c *universeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.market == "" {
		return fail("-market is required")
	}
	a, err := openApp()
	if err != nil {
		return fail("%v", err)
	}
	defer a.close()

	p, err := gather.NewPipeline(c.market, a.deps())
	if err != nil {
		return fail("%v", err)
	}
	syms, err := p.Resolver.Resolve(ctx)
	if err != nil {
		return fail("%v", err)
	}
	if c.list {
		for _, s := range syms {
			fmt.Println(s.Entry())
		}
		return subcommands.ExitSuccess
	}
	fmt.Printf("%s: %s symbols (threshold %s)\n", c.market,
		humanize.Comma(int64(len(syms))), humanize.Comma(int64(p.Market.Threshold)))
	return subcommands.ExitSuccess
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

type statusCmd struct {
	markets string
}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "show manifest counts and the last run per market" }
func (*statusCmd) Usage() string {
	return `marketsync status [-markets ids]
`
}

func (c *statusCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.markets, "markets", "", "comma-separated market ids (default: all enabled)")
}

func (c *statusCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := openApp()
	if err != nil {
		return fail("%v", err)
	}
	defer a.close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MARKET\tROWS\tDONE\tEMPTY\tFAILED\tPENDING\tLAST RUN")
	for _, id := range a.markets(c.markets) {
		p, err := gather.NewPipeline(id, a.deps())
		if err != nil {
			return fail("%v", err)
		}
		rows, err := p.Manifests.Load(ctx)
		if err != nil {
			return fail("%s: %v", id, err)
		}
		m := manifest.New(rows)
		counts := m.Counts()

		last := "never"
		if doc, err := gather.ReadRunReport(store.ListDir(a.cfg.Storage.DataDir, id)); err == nil {
			last = fmt.Sprintf("%s (%d/%d ok)", humanize.Time(doc.Finished), doc.Summary.Success, doc.Summary.Total)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n", id,
			humanize.Comma(int64(m.Len())),
			counts[domain.StatusDone], counts[domain.StatusEmpty],
			counts[domain.StatusFailed], counts[domain.StatusPending], last)
	}
	tw.Flush()
	return subcommands.ExitSuccess
}

// ---------------------------------------------------------------------------
// runs
// ---------------------------------------------------------------------------

type runsCmd struct {
	market string
	limit  int
}

func (*runsCmd) Name() string     { return "runs" }
func (*runsCmd) Synopsis() string { return "list recent runs from the run history" }
func (*runsCmd) Usage() string {
	return `marketsync runs [-market id] [-n 20]
`
}

func (c *runsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.market, "market", "", "only runs of this market")
	f.IntVar(&c.limit, "n", 20, "number of runs to show")
}

func (c *runsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := openApp()
	if err != nil {
		return fail("%v", err)
	}
	defer a.close()

	runs, err := a.db.Runs(ctx, c.market, c.limit)
	if err != nil {
		return fail("%v", err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tMARKET\tTOTAL\tSUCCESS\tFETCHED\tFAILED\tEMPTY\tDURATION\tNOTE")
	for _, r := range runs {
		note := ""
		if r.Interrupted {
			note = "interrupted"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.Started.Local().Format(time.DateTime), r.Market,
			r.Total, r.Success, r.Fetched, r.Failed, r.Empty,
			r.Duration().Round(time.Second), note)
	}
	tw.Flush()
	return subcommands.ExitSuccess
}
