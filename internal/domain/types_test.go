package domain

import (
	"errors"
	"testing"
	"time"
)

func TestParseEntry(t *testing.T) {
	tests := []struct {
		entry    string
		wantCode string
		wantName string
		wantErr  bool
	}{
		{"0001&Alpha", "0001", "Alpha", false},
		{"0002&Beta(WARRANT)", "0002", "Beta(WARRANT)", false},
		{"7203&Toyota & Co", "7203", "Toyota & Co", false},
		{" 2330 & TSMC ", "2330", "TSMC", false},
		{"no-separator", "", "", true},
		{"&NameOnly", "", "", true},
		{"0003&", "", "", true},
	}

	for _, tt := range tests {
		code, name, err := ParseEntry(tt.entry)
		if tt.wantErr {
			if !errors.Is(err, ErrMalformedSymbol) {
				t.Errorf("ParseEntry(%q) err = %v, want ErrMalformedSymbol", tt.entry, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseEntry(%q) returned error: %v", tt.entry, err)
			continue
		}
		if code != tt.wantCode || name != tt.wantName {
			t.Errorf("ParseEntry(%q) = (%q, %q), want (%q, %q)", tt.entry, code, name, tt.wantCode, tt.wantName)
		}
	}
}

func TestSymbolValidate(t *testing.T) {
	ok := Symbol{Code: "00005", Name: "HSBC", FetchSymbol: "0005.HK"}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate() on complete symbol: %v", err)
	}
	if ok.Entry() != "00005&HSBC" {
		t.Errorf("Entry() = %q, want %q", ok.Entry(), "00005&HSBC")
	}

	for _, s := range []Symbol{
		{Code: "", Name: "HSBC", FetchSymbol: "0005.HK"},
		{Code: "00005", Name: " ", FetchSymbol: "0005.HK"},
		{Code: "00005", Name: "HSBC"},
	} {
		if err := s.Validate(); !errors.Is(err, ErrMalformedSymbol) {
			t.Errorf("Validate(%+v) = %v, want ErrMalformedSymbol", s, err)
		}
	}
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]Status{
		"":        StatusPending,
		"pending": StatusPending,
		"DONE":    StatusDone,
		" empty ": StatusEmpty,
		"failed":  StatusFailed,
	} {
		got, err := ParseStatus(in)
		if err != nil {
			t.Errorf("ParseStatus(%q) returned error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseStatus(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseStatus("exists"); err == nil {
		t.Error("ParseStatus(\"exists\") should fail")
	}
}

func TestStatusSettled(t *testing.T) {
	if !StatusDone.Settled() || !StatusEmpty.Settled() {
		t.Error("done and empty should be settled")
	}
	if StatusPending.Settled() || StatusFailed.Settled() {
		t.Error("pending and failed should not be settled")
	}
}

func TestReportSummary(t *testing.T) {
	start := time.Date(2025, 3, 3, 18, 0, 0, 0, time.UTC)
	r := Report{
		Total:    10,
		Success:  7,
		Failed:   2,
		Empty:    1,
		Started:  start,
		Finished: start.Add(90 * time.Second),
	}

	s := r.Summary()
	if s.Total != 10 || s.Success != 7 || s.Fail != 3 {
		t.Errorf("Summary() = %+v, want {10 7 3}", s)
	}
	if r.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", r.Duration())
	}
	if (Report{Started: start}).Duration() != 0 {
		t.Error("Duration() of unfinished report should be zero")
	}
}
