package gather

import (
	"errors"
	"fmt"
	"log/slog"

	"marketsync/internal/config"
	"marketsync/internal/fetch"
	"marketsync/internal/manifest"
	"marketsync/internal/market"
	"marketsync/internal/store"
	"marketsync/internal/universe"
	"marketsync/internal/util"
)

// Deps are the process-wide resources pipelines share.
type Deps struct {
	Config *config.Config
	// DB backs the sqlite manifest and the run history. It may be nil when
	// the csv manifest is used.
	DB *store.SQLiteStore
	// Limiter caps requests across every market and worker. nil disables it.
	Limiter *util.RateLimiter
	Logger  *slog.Logger
}

// NewPipeline wires the pipeline for market id from configuration.
func NewPipeline(id string, d Deps) (*Pipeline, error) {
	cfg := d.Config
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}

	m, err := market.Lookup(id)
	if err != nil {
		return nil, err
	}
	mc := cfg.Markets[id]
	if mc.Threshold > 0 {
		m.Threshold = mc.Threshold
	}
	if len(mc.Exclude) > 0 {
		m.Exclude = mc.Exclude
	}
	pc := cfg.PipelineFor(id)
	mlog := log.With("gatherer", id)
	if len(mc.Universe.Primary) == 0 {
		mlog.Warn("no universe source configured, relying on the cache")
	}

	// 1. Storage.
	dataDir := cfg.Storage.DataDir
	artifacts, err := store.NewArtifactStore(cfg.Storage.ArtifactFormat, store.ArtifactDir(dataDir, id))
	if err != nil {
		return nil, err
	}
	var manifests store.ManifestStore
	switch cfg.Storage.ManifestBackend {
	case "sqlite":
		if d.DB == nil {
			return nil, errors.New("sqlite manifest backend needs a database")
		}
		manifests = d.DB.Manifest(id)
	default:
		manifests = store.NewCSVManifest(store.ManifestPath(dataDir, id))
	}

	// 2. Universe sources.
	listDir := store.ListDir(dataDir, id)
	httpf := universe.NewFetcher(cfg.Yahoo.UserAgent, cfg.Yahoo.Timeout)
	creds := universe.Credentials{
		APIKey:    cfg.Alpaca.APIKey,
		APISecret: cfg.Alpaca.APISecret,
		BaseURL:   cfg.Alpaca.BaseURL,
	}
	primary, err := universe.NewSources(id+"-primary", mc.Universe.Primary, httpf, creds, mlog)
	if err != nil {
		return nil, fmt.Errorf("%s primary universe: %w", id, err)
	}
	secondary, err := universe.NewSources(id+"-secondary", mc.Universe.Secondary, httpf, creds, mlog)
	if err != nil {
		return nil, fmt.Errorf("%s secondary universe: %w", id, err)
	}
	resolver := universe.NewResolver(m, universe.NewCache(universe.CachePath(listDir), m), primary, secondary, universe.Options{
		MaxRetries: mc.Universe.MaxRetries,
		RetryDelay: mc.Universe.RetryDelay,
		Logger:     log,
	})

	// 3. Series source and fetcher.
	var series fetch.SeriesSource
	switch mc.Series {
	case "alpaca":
		series = fetch.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed)
	default:
		series = fetch.NewYahooSource(cfg.Yahoo.BaseURL, cfg.Yahoo.UserAgent, cfg.Yahoo.Proxy, cfg.Yahoo.Timeout)
	}
	fetcher := fetch.New(series, artifacts, fetch.Options{
		MaxAttempts:  pc.MaxAttempts,
		JitterMin:    pc.JitterMin,
		JitterMax:    pc.JitterMax,
		BackoffMin:   pc.BackoffMin,
		BackoffMax:   pc.BackoffMax,
		LookbackDays: pc.LookbackDays,
		Location:     m.Location(),
		Limiter:      d.Limiter,
		Logger:       mlog,
	})

	p := &Pipeline{
		Market:    m,
		Resolver:  resolver,
		Manifests: manifests,
		Evaluator: &manifest.Evaluator{
			Artifacts:  artifacts,
			Window:     pc.FreshnessWindow,
			MinBytes:   pc.MinArtifactBytes,
			RetryEmpty: pc.RetryEmpty,
		},
		Fetcher: fetcher,
		Scheduler: SchedulerOptions{
			Workers:         pc.Workers,
			CheckpointEvery: pc.CheckpointEvery,
			CourtesyEvery:   pc.CourtesyEvery,
			CourtesyPause:   pc.CourtesyPause,
			GracePeriod:     pc.GracePeriod,
			HeartbeatEvery:  pc.HeartbeatEvery,
		},
		ReportDir: listDir,
		Logger:    log,
	}
	if d.DB != nil {
		p.Recorder = d.DB
	}
	return p, nil
}

// NewOrchestrator wires pipelines for ids, in order.
func NewOrchestrator(ids []string, d Deps, an Analyzer, n Notifier) (*Orchestrator, error) {
	o := &Orchestrator{Analyzer: an, Notifier: n, Logger: d.Logger}
	for _, id := range ids {
		p, err := NewPipeline(id, d)
		if err != nil {
			return nil, err
		}
		o.Pipelines = append(o.Pipelines, p)
	}
	return o, nil
}
