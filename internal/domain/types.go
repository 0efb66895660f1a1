// Package domain defines the core types shared by the universe resolver,
// the fetch manifest, and the acquisition scheduler.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedSymbol is returned when a symbol entry cannot be split into a
// code and a display name.
var ErrMalformedSymbol = errors.New("malformed symbol")

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

// Class separates ordinary shares from instruments kept out of the manifest.
type Class string

const (
	ClassCommon   Class = "common"
	ClassExcluded Class = "excluded"
)

// Symbol is one listed security of a market universe.
type Symbol struct {
	Code        string `json:"code"`         // exchange-native code, normalized
	Name        string `json:"name"`         // display name
	FetchSymbol string `json:"fetch_symbol"` // ticker understood by the series source
	Board       string `json:"board,omitempty"`
	Class       Class  `json:"class,omitempty"`
}

// Entry returns the composite "code&name" form.
func (s Symbol) Entry() string { return s.Code + "&" + s.Name }

// Validate reports ErrMalformedSymbol when any identifying field is blank.
func (s Symbol) Validate() error {
	if strings.TrimSpace(s.Code) == "" || strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: %q", ErrMalformedSymbol, s.Entry())
	}
	if strings.TrimSpace(s.FetchSymbol) == "" {
		return fmt.Errorf("%w: %q has no fetch symbol", ErrMalformedSymbol, s.Code)
	}
	return nil
}

// ParseEntry splits a composite "code&name" entry at the first ampersand.
func ParseEntry(entry string) (code, name string, err error) {
	code, name, ok := strings.Cut(entry, "&")
	code, name = strings.TrimSpace(code), strings.TrimSpace(name)
	if !ok || code == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedSymbol, entry)
	}
	return code, name, nil
}

// ---------------------------------------------------------------------------
// Manifest
// ---------------------------------------------------------------------------

// Status is the fetch state of a manifest row.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusEmpty   Status = "empty"
	StatusFailed  Status = "failed"
)

// ParseStatus converts a stored status string. Blank values read as pending.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StatusPending, nil
	case StatusPending, StatusDone, StatusEmpty, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// Settled reports whether a row with this status is skipped by the scheduler.
func (s Status) Settled() bool { return s == StatusDone || s == StatusEmpty }

// ManifestRow is the persisted fetch record of one symbol.
type ManifestRow struct {
	Code        string
	Name        string
	FetchSymbol string
	Board       string
	Status      Status
	UpdatedAt   time.Time
}

// Symbol returns the symbol the row tracks.
func (r ManifestRow) Symbol() Symbol {
	return Symbol{
		Code:        r.Code,
		Name:        r.Name,
		FetchSymbol: r.FetchSymbol,
		Board:       r.Board,
		Class:       ClassCommon,
	}
}

// ---------------------------------------------------------------------------
// Series
// ---------------------------------------------------------------------------

// Bar is one daily OHLCV observation. Date carries no time-of-day or zone:
// it is the exchange-local calendar date at UTC midnight.
type Bar struct {
	Date   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

// Report summarizes one pipeline run for a market.
type Report struct {
	Market      string
	RunID       string
	Total       int // manifest rows considered
	Success     int // rows done at the end of the run, fetched or already fresh
	Failed      int
	Empty       int
	Fetched     int // rows fetched successfully during this run
	Skipped     int // rows fresh before scheduling
	Interrupted bool
	Started     time.Time
	Finished    time.Time
}

// Summary is the {total, success, fail} record handed to downstream
// consumers.
type Summary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Fail    int `json:"fail"`
}

// Summary counts every row that did not end as done as a failure.
func (r Report) Summary() Summary {
	return Summary{Total: r.Total, Success: r.Success, Fail: r.Total - r.Success}
}

// Duration returns the wall-clock length of the run.
func (r Report) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// DateRange is a closed interval of calendar dates to fetch.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Lookback returns the range of the days calendar days ending at end.
func Lookback(end time.Time, days int) DateRange {
	return DateRange{Start: end.AddDate(0, 0, -days), End: end}
}
