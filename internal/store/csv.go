package store

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"marketsync/internal/domain"
)

var _ ArtifactStore = (*CSVStore)(nil)

// barHeader is the canonical artifact schema.
var barHeader = []string{"date", "open", "high", "low", "close", "volume"}

const dateLayout = "2006-01-02"

// CSVStore implements ArtifactStore with one UTF-8 CSV file per symbol.
type CSVStore struct {
	Dir string
}

// NewCSVStore creates a CSVStore rooted at the given directory.
func NewCSVStore(dir string) *CSVStore {
	return &CSVStore{Dir: dir}
}

// Path returns <Dir>/<SYMBOL>.csv.
func (s *CSVStore) Path(symbol string) string {
	return filepath.Join(s.Dir, strings.ToUpper(symbol)+".csv")
}

// Stat reports the artifact's size and modification time.
func (s *CSVStore) Stat(symbol string) (ArtifactInfo, error) {
	return statArtifact(s.Path(symbol))
}

// WriteBars replaces the symbol's CSV file with bars in ascending date order.
func (s *CSVStore) WriteBars(_ context.Context, symbol string, bars []domain.Bar) error {
	sorted := make([]domain.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	err := writeAtomic(s.Path(symbol), func(tmp string) error {
		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		bw := bufio.NewWriter(f)
		w := csv.NewWriter(bw)
		w.Write(barHeader)
		for _, b := range sorted {
			w.Write([]string{
				b.Date.Format(dateLayout),
				formatFloat(b.Open),
				formatFloat(b.High),
				formatFloat(b.Low),
				formatFloat(b.Close),
				strconv.FormatInt(b.Volume, 10),
			})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return err
		}
		if err := bw.Flush(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return fmt.Errorf("writing bars for %s: %w", symbol, err)
	}
	return nil
}

// ReadBars parses the symbol's CSV file. Columns are located by header name
// so files with extra columns still load.
func (s *CSVStore) ReadBars(_ context.Context, symbol string) ([]domain.Bar, error) {
	f, err := os.Open(s.Path(symbol))
	if err != nil {
		return nil, fmt.Errorf("reading bars for %s: %w", symbol, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading bars for %s: %w", symbol, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	col := headerIndex(records[0])
	for _, name := range barHeader {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("reading bars for %s: missing column %q", symbol, name)
		}
	}

	bars := make([]domain.Bar, 0, len(records)-1)
	for i, rec := range records[1:] {
		get := func(name string) string {
			if j := col[name]; j < len(rec) {
				return strings.TrimSpace(rec[j])
			}
			return ""
		}
		date, err := time.Parse(dateLayout, get("date"))
		if err != nil {
			return nil, fmt.Errorf("reading bars for %s: line %d: %w", symbol, i+2, err)
		}
		b := domain.Bar{Date: date}
		b.Open, _ = strconv.ParseFloat(get("open"), 64)
		b.High, _ = strconv.ParseFloat(get("high"), 64)
		b.Low, _ = strconv.ParseFloat(get("low"), 64)
		b.Close, _ = strconv.ParseFloat(get("close"), 64)
		b.Volume, _ = strconv.ParseInt(get("volume"), 10, 64)
		bars = append(bars, b)
	}
	return bars, nil
}

// ListSymbols lists all symbols that have a CSV artifact.
func (s *CSVStore) ListSymbols(_ context.Context) ([]string, error) {
	return listByExt(s.Dir, ".csv")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// headerIndex maps lower-cased header names to column positions. A leading
// byte-order mark on the first cell is ignored.
func headerIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return idx
}
