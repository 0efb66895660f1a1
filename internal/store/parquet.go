package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"marketsync/internal/domain"
)

// Compile-time interface checks.
var _ ArtifactStore = (*ParquetStore)(nil)

// ParquetStore implements ArtifactStore using one Parquet file per symbol.
type ParquetStore struct {
	Dir string
}

// NewParquetStore creates a new ParquetStore rooted at the given directory.
func NewParquetStore(dir string) *ParquetStore {
	return &ParquetStore{Dir: dir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for daily bar data.
type BarRecord struct {
	Date   int64   `parquet:"date,timestamp(millisecond)"` // Unix ms, UTC midnight
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume int64   `parquet:"volume"`
}

// ---------------------------------------------------------------------------
// ArtifactStore implementation
// ---------------------------------------------------------------------------

// Path returns <Dir>/<SYMBOL>.parquet.
func (s *ParquetStore) Path(symbol string) string {
	return filepath.Join(s.Dir, strings.ToUpper(symbol)+".parquet")
}

// Stat reports the artifact's size and modification time.
func (s *ParquetStore) Stat(symbol string) (ArtifactInfo, error) {
	return statArtifact(s.Path(symbol))
}

// WriteBars replaces the symbol's Parquet file with bars sorted by date.
func (s *ParquetStore) WriteBars(_ context.Context, symbol string, bars []domain.Bar) error {
	records := make([]BarRecord, 0, len(bars))
	for _, b := range bars {
		records = append(records, BarRecord{
			Date:   b.Date.UnixMilli(),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Date < records[j].Date })

	if err := writeParquetFile(s.Path(symbol), records); err != nil {
		return fmt.Errorf("writing bars for %s: %w", symbol, err)
	}
	return nil
}

// ReadBars reads the symbol's Parquet file.
func (s *ParquetStore) ReadBars(_ context.Context, symbol string) ([]domain.Bar, error) {
	records, err := readParquetFile[BarRecord](s.Path(symbol))
	if err != nil {
		return nil, fmt.Errorf("reading bars for %s: %w", symbol, err)
	}

	bars := make([]domain.Bar, 0, len(records))
	for _, r := range records {
		bars = append(bars, domain.Bar{
			Date:   time.UnixMilli(r.Date).UTC(),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		})
	}
	return bars, nil
}

// ListSymbols lists all symbols that have a Parquet artifact.
func (s *ParquetStore) ListSymbols(_ context.Context) ([]string, error) {
	return listByExt(s.Dir, ".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	return writeAtomic(path, func(tmp string) error {
		return parquet.WriteFile(tmp, records)
	})
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// listByExt returns the base names (without ext) of regular files in dir.
func listByExt(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var symbols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		symbols = append(symbols, strings.TrimSuffix(name, ext))
	}
	sort.Strings(symbols)
	return symbols, nil
}
