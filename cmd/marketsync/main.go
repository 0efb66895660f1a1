// Command marketsync keeps per-market daily price series in sync.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/subcommands"

	"marketsync/internal/config"
	"marketsync/internal/store"
	"marketsync/internal/util"
)

var configPath = flag.String("config", defaultConfigPath(), "path to the YAML configuration (env MARKETSYNC_CONFIG)")

func defaultConfigPath() string {
	if p := os.Getenv("MARKETSYNC_CONFIG"); p != "" {
		return p
	}
	return "config/marketsync.yaml"
}

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	commander.Register(&runCmd{}, "sync")
	commander.Register(&daemonCmd{}, "sync")
	commander.Register(&universeCmd{}, "inspect")
	commander.Register(&statusCmd{}, "inspect")
	commander.Register(&runsCmd{}, "inspect")

	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := commander.Execute(ctx)
	cancel()
	os.Exit(int(status))
}

// ---------------------------------------------------------------------------
// Shared setup
// ---------------------------------------------------------------------------

// app holds what every command needs once the configuration is loaded.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	db      *store.SQLiteStore
	logFile *os.File
}

func openApp() (*app, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	a := &app{cfg: cfg}
	var w io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		a.logFile = f
		w = io.MultiWriter(os.Stderr, f)
	}
	a.log = util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, w)
	util.SetDefault(a.log)

	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.db = db
	return a, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// markets returns the ids named by a comma-separated flag, or every
// enabled market when the flag is empty.
func (a *app) markets(flagValue string) []string {
	if strings.TrimSpace(flagValue) == "" {
		return a.cfg.EnabledMarkets()
	}
	var ids []string
	for _, id := range strings.Split(flagValue, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func fail(format string, args ...interface{}) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}
