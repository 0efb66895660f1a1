package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"marketsync/internal/domain"
)

var _ ManifestStore = (*CSVManifest)(nil)

var manifestHeader = []string{"code", "name", "fetch_symbol", "board", "status", "updated_at"}

// CSVManifest keeps a market's manifest in a single CSV file.
type CSVManifest struct {
	path string
}

// NewCSVManifest returns a manifest store backed by the CSV file at path.
func NewCSVManifest(path string) *CSVManifest {
	return &CSVManifest{path: path}
}

// ManifestPath is the default CSV manifest location for a market.
func ManifestPath(dataDir, market string) string {
	return filepath.Join(ListDir(dataDir, market), "manifest.csv")
}

// Path returns the backing file.
func (m *CSVManifest) Path() string { return m.path }

// Load reads the manifest. Unknown columns are ignored and unknown status
// values read as pending.
func (m *CSVManifest) Load(_ context.Context) ([]domain.ManifestRow, error) {
	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", m.path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	col := headerIndex(records[0])
	if _, ok := col["code"]; !ok {
		return nil, fmt.Errorf("reading manifest %s: missing code column", m.path)
	}

	rows := make([]domain.ManifestRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		get := func(name string) string {
			j, ok := col[name]
			if !ok || j >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[j])
		}
		code := get("code")
		if code == "" {
			continue
		}
		status, err := domain.ParseStatus(get("status"))
		if err != nil {
			status = domain.StatusPending
		}
		row := domain.ManifestRow{
			Code:        code,
			Name:        get("name"),
			FetchSymbol: get("fetch_symbol"),
			Board:       get("board"),
			Status:      status,
		}
		if ts := get("updated_at"); ts != "" {
			row.UpdatedAt, _ = time.Parse(time.RFC3339, ts)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Save rewrites the manifest atomically.
func (m *CSVManifest) Save(_ context.Context, rows []domain.ManifestRow) error {
	err := writeAtomic(m.path, func(tmp string) error {
		f, err := os.Create(tmp)
		if err != nil {
			return err
		}
		w := csv.NewWriter(f)
		w.Write(manifestHeader)
		for _, r := range rows {
			updated := ""
			if !r.UpdatedAt.IsZero() {
				updated = r.UpdatedAt.UTC().Format(time.RFC3339)
			}
			w.Write([]string{r.Code, r.Name, r.FetchSymbol, r.Board, string(r.Status), updated})
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
	if err != nil {
		return fmt.Errorf("saving manifest %s: %w", m.path, err)
	}
	return nil
}
