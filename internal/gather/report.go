package gather

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"marketsync/internal/domain"
)

// RunReportFile is the name of the last-run report under a market's list
// directory.
const RunReportFile = "lastrun.json"

// RunReport is the JSON document written after every sync.
type RunReport struct {
	Market      string         `json:"market"`
	RunID       string         `json:"run_id"`
	Started     time.Time      `json:"started"`
	Finished    time.Time      `json:"finished"`
	Summary     domain.Summary `json:"summary"`
	Fetched     int            `json:"fetched"`
	Skipped     int            `json:"skipped"`
	Empty       int            `json:"empty"`
	Failed      int            `json:"failed"`
	Interrupted bool           `json:"interrupted"`
	Failures    []Failure      `json:"failures,omitempty"`
}

// WriteRunReport replaces <dir>/lastrun.json with rep and the failures of
// this run.
func WriteRunReport(dir string, rep domain.Report, failures []Failure) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	doc := RunReport{
		Market:      rep.Market,
		RunID:       rep.RunID,
		Started:     rep.Started,
		Finished:    rep.Finished,
		Summary:     rep.Summary(),
		Fetched:     rep.Fetched,
		Skipped:     rep.Skipped,
		Empty:       rep.Empty,
		Failed:      rep.Failed,
		Interrupted: rep.Interrupted,
		Failures:    failures,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	p := filepath.Join(dir, RunReportFile)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// ReadRunReport loads <dir>/lastrun.json.
func ReadRunReport(dir string) (RunReport, error) {
	var doc RunReport
	data, err := os.ReadFile(filepath.Join(dir, RunReportFile))
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decoding %s: %w", RunReportFile, err)
	}
	return doc, nil
}
