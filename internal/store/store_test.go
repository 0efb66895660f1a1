package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"marketsync/internal/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// sampleBars returns two bars out of order to exercise sorting.
func sampleBars() []domain.Bar {
	return []domain.Bar{
		{Date: day(2024, 1, 3), Open: 185.5, High: 187.0, Low: 185.0, Close: 186.0, Volume: 45000000},
		{Date: day(2024, 1, 2), Open: 185.0, High: 186.5, Low: 184.0, Close: 185.5, Volume: 50000000},
	}
}

func TestArtifactPaths(t *testing.T) {
	dir := ArtifactDir("/data", "hk-share")
	if want := filepath.Join("/data", "hk-share", "dayK"); dir != want {
		t.Errorf("ArtifactDir = %s, want %s", dir, want)
	}

	cs := NewCSVStore(dir)
	if got, want := cs.Path("0005.hk"), filepath.Join(dir, "0005.HK.csv"); got != want {
		t.Errorf("CSVStore.Path mismatch:\n  got  %s\n  want %s", got, want)
	}

	ps := NewParquetStore(dir)
	if got, want := ps.Path("7203.T"), filepath.Join(dir, "7203.T.parquet"); got != want {
		t.Errorf("ParquetStore.Path mismatch:\n  got  %s\n  want %s", got, want)
	}

	if _, err := NewArtifactStore("xml", dir); err == nil {
		t.Error("NewArtifactStore(xml) should fail")
	}
}

func testArtifactStore(t *testing.T, s ArtifactStore) {
	t.Helper()
	ctx := context.Background()

	info, err := s.Stat("AAPL")
	if err != nil {
		t.Fatalf("Stat before write: %v", err)
	}
	if info.Exists {
		t.Fatal("Stat reported an artifact before any write")
	}

	if err := s.WriteBars(ctx, "AAPL", sampleBars()); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	info, err = s.Stat("AAPL")
	if err != nil {
		t.Fatalf("Stat after write: %v", err)
	}
	if !info.Exists || info.Size == 0 || info.ModTime.IsZero() {
		t.Errorf("Stat after write = %+v, want existing non-empty artifact", info)
	}

	got, err := s.ReadBars(ctx, "AAPL")
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars, want 2", len(got))
	}
	if !got[0].Date.Equal(day(2024, 1, 2)) || !got[1].Date.Equal(day(2024, 1, 3)) {
		t.Errorf("bars not ascending: %v, %v", got[0].Date, got[1].Date)
	}
	if got[0].Close != 185.5 || got[1].Volume != 45000000 {
		t.Errorf("bar values = %+v, %+v", got[0], got[1])
	}

	// Rewrite replaces rather than appends.
	if err := s.WriteBars(ctx, "AAPL", sampleBars()[:1]); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}
	got, err = s.ReadBars(ctx, "AAPL")
	if err != nil {
		t.Fatalf("ReadBars (second): %v", err)
	}
	if len(got) != 1 {
		t.Errorf("ReadBars after rewrite returned %d bars, want 1", len(got))
	}

	if err := s.WriteBars(ctx, "MSFT", sampleBars()); err != nil {
		t.Fatalf("WriteBars MSFT: %v", err)
	}
	symbols, err := s.ListSymbols(ctx)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if strings.Join(symbols, ",") != "AAPL,MSFT" {
		t.Errorf("ListSymbols = %v, want [AAPL MSFT]", symbols)
	}
}

func TestCSVStoreWriteReadBars(t *testing.T) {
	testArtifactStore(t, NewCSVStore(t.TempDir()))
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	testArtifactStore(t, NewParquetStore(t.TempDir()))
}

func TestCSVStoreFormat(t *testing.T) {
	s := NewCSVStore(t.TempDir())
	if err := s.WriteBars(context.Background(), "2330.TW", sampleBars()); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	data, err := os.ReadFile(s.Path("2330.TW"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != "date,open,high,low,close,volume" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "2024-01-02,185,186.5,184,185.5,50000000" {
		t.Errorf("first row = %q", lines[1])
	}
}

func TestCSVStoreReadsBOMHeader(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVStore(dir)
	content := "\ufeffDate,Open,High,Low,Close,Volume,Dividends\n2024-01-02,1,2,0.5,1.5,100,0\n"
	if err := os.WriteFile(s.Path("7203.T"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	bars, err := s.ReadBars(context.Background(), "7203.T")
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(bars) != 1 || bars[0].Close != 1.5 || bars[0].Volume != 100 {
		t.Errorf("ReadBars = %+v", bars)
	}
}

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s := NewCSVStore(dir)
	for i := 0; i < 3; i++ {
		if err := s.WriteBars(context.Background(), "AAPL", sampleBars()); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir contains %v, want only AAPL.csv", names)
	}
}

func sampleRows() []domain.ManifestRow {
	ts := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	return []domain.ManifestRow{
		{Code: "00005", Name: "HSBC HOLDINGS", FetchSymbol: "0005.HK", Status: domain.StatusDone, UpdatedAt: ts},
		{Code: "00001", Name: "CKH HOLDINGS", FetchSymbol: "0001.HK", Status: domain.StatusPending},
		{Code: "00700", Name: "TENCENT", FetchSymbol: "0700.HK", Status: domain.StatusEmpty, UpdatedAt: ts},
	}
}

func testManifestStore(t *testing.T, m ManifestStore) {
	t.Helper()
	ctx := context.Background()

	rows, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load on empty store: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("Load on empty store returned %d rows", len(rows))
	}

	want := sampleRows()
	if err := m.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Load returned %d rows, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Code != want[i].Code || got[i].Status != want[i].Status || got[i].FetchSymbol != want[i].FetchSymbol {
			t.Errorf("row %d = %+v, want %+v", i, got[i], want[i])
		}
		if !got[i].UpdatedAt.Equal(want[i].UpdatedAt) {
			t.Errorf("row %d UpdatedAt = %v, want %v", i, got[i].UpdatedAt, want[i].UpdatedAt)
		}
	}

	// Status updates persist on the next checkpoint.
	want[1].Status = domain.StatusFailed
	if err := m.Save(ctx, want); err != nil {
		t.Fatalf("Save (second): %v", err)
	}
	got, err = m.Load(ctx)
	if err != nil {
		t.Fatalf("Load (second): %v", err)
	}
	if got[1].Status != domain.StatusFailed {
		t.Errorf("row 1 status = %q, want failed", got[1].Status)
	}
}

func TestCSVManifest(t *testing.T) {
	path := ManifestPath(t.TempDir(), "hk-share")
	testManifestStore(t, NewCSVManifest(path))
}

func TestCSVManifestToleratesExtraColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.csv")
	content := "status,code,name,last_error\ndone,7203,Toyota,\nweird,6758,Sony,timeout\n,9984,SoftBank,\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rows, err := NewCSVManifest(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Load returned %d rows, want 3", len(rows))
	}
	if rows[0].Status != domain.StatusDone || rows[1].Status != domain.StatusPending || rows[2].Status != domain.StatusPending {
		t.Errorf("statuses = %q %q %q, want done pending pending", rows[0].Status, rows[1].Status, rows[2].Status)
	}
}

func TestSQLiteManifest(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sync.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) returned error: %v", dbPath, err)
	}
	defer s.Close()

	testManifestStore(t, s.Manifest("hk-share"))

	// Markets are isolated from one another.
	other, err := s.Manifest("jp-share").Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("jp-share manifest has %d rows, want 0", len(other))
	}
}

func TestSQLiteRunHistory(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "sync.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			t.Errorf("Close() returned error: %v", cerr)
		}
	}()
	ctx := context.Background()

	start := time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)
	first := domain.Report{Market: "hk-share", Total: 10, Success: 8, Failed: 1, Empty: 1, Started: start, Finished: start.Add(time.Minute)}
	second := domain.Report{Market: "hk-share", RunID: "fixed-id", Total: 10, Success: 10, Started: start.Add(time.Hour), Interrupted: true}
	third := domain.Report{Market: "jp-share", Total: 5, Started: start.Add(2 * time.Hour)}

	for _, r := range []domain.Report{first, second, third} {
		if err := s.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}

	runs, err := s.Runs(ctx, "hk-share", 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Runs(hk-share) returned %d runs, want 2", len(runs))
	}
	if runs[0].RunID != "fixed-id" || !runs[0].Interrupted || !runs[0].Finished.IsZero() {
		t.Errorf("newest run = %+v", runs[0])
	}
	if runs[1].RunID == "" || runs[1].Success != 8 || runs[1].Duration() != time.Minute {
		t.Errorf("oldest run = %+v", runs[1])
	}

	all, err := s.Runs(ctx, "", 0)
	if err != nil {
		t.Fatalf("Runs(all): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Runs(all) returned %d runs, want 3", len(all))
	}
}
