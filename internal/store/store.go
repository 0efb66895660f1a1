// Package store defines storage interfaces for per-symbol price artifacts,
// fetch manifests, and run history, with file and SQLite implementations.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"marketsync/internal/domain"
)

// ArtifactInfo is what the freshness check needs to know about an artifact.
type ArtifactInfo struct {
	Path    string
	Exists  bool
	Size    int64
	ModTime time.Time
}

// ArtifactStore persists one daily series file per fetch symbol.
type ArtifactStore interface {
	// Path returns the artifact location for a fetch symbol.
	Path(symbol string) string

	// Stat reports existence, size and modification time. A missing
	// artifact is not an error.
	Stat(symbol string) (ArtifactInfo, error)

	// WriteBars replaces the artifact with bars, atomically.
	WriteBars(ctx context.Context, symbol string, bars []domain.Bar) error

	// ReadBars loads the artifact in ascending date order.
	ReadBars(ctx context.Context, symbol string) ([]domain.Bar, error)

	// ListSymbols returns the fetch symbols that have an artifact.
	ListSymbols(ctx context.Context) ([]string, error)
}

// ManifestStore loads and checkpoints the fetch manifest of one market.
type ManifestStore interface {
	// Load returns the persisted rows in stored order, or nil when no
	// manifest exists yet.
	Load(ctx context.Context) ([]domain.ManifestRow, error)

	// Save persists all rows. It must leave the previous checkpoint intact
	// when it fails.
	Save(ctx context.Context, rows []domain.ManifestRow) error
}

// RunRecorder keeps a history of pipeline runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, r domain.Report) error
}

// NewArtifactStore returns the artifact store for format ("csv" or
// "parquet") rooted at dir.
func NewArtifactStore(format, dir string) (ArtifactStore, error) {
	switch format {
	case "", "csv":
		return NewCSVStore(dir), nil
	case "parquet":
		return NewParquetStore(dir), nil
	default:
		return nil, fmt.Errorf("unknown artifact format %q", format)
	}
}

// ArtifactDir is the per-market artifact directory under dataDir.
func ArtifactDir(dataDir, market string) string {
	return filepath.Join(dataDir, market, "dayK")
}

// ListDir is the per-market directory for manifests, caches and reports.
func ListDir(dataDir, market string) string {
	return filepath.Join(dataDir, market, "lists")
}

// ---------------------------------------------------------------------------
// File helpers
// ---------------------------------------------------------------------------

// writeAtomic writes through a temp file in the target directory and
// renames it over path, so readers never observe a partial file.
func writeAtomic(path string, write func(tmp string) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	f.Close()

	if err := write(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func statArtifact(path string) (ArtifactInfo, error) {
	info := ArtifactInfo{Path: path}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, err
	}
	info.Exists = true
	info.Size = fi.Size()
	info.ModTime = fi.ModTime()
	return info, nil
}
