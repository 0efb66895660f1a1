// Package market describes the exchanges the pipeline can sync: how their
// codes are normalized, how codes map to fetchable tickers, and which
// instruments stay out of the manifest.
package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
	_ "time/tzdata" // Exchange zones must resolve on minimal images.
	"unicode"

	"marketsync/internal/domain"
)

// DefaultExcludeKeywords marks derivative and fund-like instruments by
// display name.
var DefaultExcludeKeywords = []string{
	"CBBC", "WARRANT", "RIGHTS", "ETF", "ETN", "REIT", "BOND", "TRUST", "FUND",
	"牛熊", "權證", "輪證",
}

// Market is the static description of one exchange.
type Market struct {
	ID        string // e.g. "hk-share"
	Name      string
	TZ        string // IANA zone of the exchange
	Threshold int    // minimum plausible universe size
	CodeWidth int    // zero-pad width for numeric codes, 0 keeps codes as-is
	// DigitsOnly strips every non-digit before padding.
	DigitsOnly bool
	// Suffix is appended to the ticker unless the row carries its own board.
	Suffix string
	// TickerWidth pads the numeric ticker separately from the code when
	// the series source uses a shorter form (HKEX 00005 -> 0005.HK).
	TickerWidth int
	Exclude     []string
}

// Location returns the exchange time zone, falling back to UTC.
func (m Market) Location() *time.Location {
	if m.TZ == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(m.TZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NormalizeCode trims a raw exchange code into the market's canonical form.
// It returns "" when nothing usable remains.
func (m Market) NormalizeCode(raw string) string {
	code := strings.ToUpper(strings.TrimSpace(raw))
	// Spreadsheets hand numeric codes back as floats.
	code = strings.TrimSuffix(code, ".0")
	if m.DigitsOnly {
		code = strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, code)
	}
	if code == "" {
		return ""
	}
	if m.CodeWidth > 0 && isDigits(code) {
		if m.DigitsOnly {
			code = lastDigits(code, m.CodeWidth)
		}
		code = padDigits(code, m.CodeWidth)
	}
	return code
}

// FetchSymbol maps a normalized code to the series-source ticker. A
// non-empty board overrides the market's default suffix.
func (m Market) FetchSymbol(code, board string) string {
	ticker := code
	if m.TickerWidth > 0 && isDigits(code) {
		ticker = padDigits(lastDigits(strings.TrimLeft(code, "0"), m.TickerWidth), m.TickerWidth)
	}
	suffix := m.Suffix
	if board != "" {
		suffix = board
	}
	if suffix == "" {
		return ticker
	}
	return ticker + "." + suffix
}

// Classify tags a display name as excluded when it carries any exclusion
// keyword, compared case-insensitively.
func (m Market) Classify(name string) domain.Class {
	upper := strings.ToUpper(name)
	keywords := m.Exclude
	if keywords == nil {
		keywords = DefaultExcludeKeywords
	}
	for _, kw := range keywords {
		if kw != "" && strings.Contains(upper, strings.ToUpper(kw)) {
			return domain.ClassExcluded
		}
	}
	return domain.ClassCommon
}

// Symbol builds a classified symbol from a raw code and name. ok is false
// when the code normalizes to nothing or the name is blank.
func (m Market) Symbol(rawCode, name, board string) (domain.Symbol, bool) {
	code := m.NormalizeCode(rawCode)
	name = strings.TrimSpace(name)
	if code == "" || name == "" {
		return domain.Symbol{}, false
	}
	return domain.Symbol{
		Code:        code,
		Name:        name,
		FetchSymbol: m.FetchSymbol(code, board),
		Board:       board,
		Class:       m.Classify(name),
	}, true
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// padDigits left-pads s with zeros to width. Longer codes are kept whole.
func padDigits(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// lastDigits keeps the last width characters of s.
func lastDigits(s string, width int) string {
	if len(s) > width {
		return s[len(s)-width:]
	}
	return s
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

var builtin = map[string]Market{
	"tw-share": {
		ID:        "tw-share",
		Name:      "Taiwan (TWSE/TPEx)",
		TZ:        "Asia/Taipei",
		Threshold: 500,
		CodeWidth: 4,
		Suffix:    "TW",
	},
	"hk-share": {
		ID:          "hk-share",
		Name:        "Hong Kong (HKEX)",
		TZ:          "Asia/Hong_Kong",
		Threshold:   2000,
		CodeWidth:   5,
		DigitsOnly:  true,
		Suffix:      "HK",
		TickerWidth: 4,
	},
	"jp-share": {
		ID:        "jp-share",
		Name:      "Japan (JPX)",
		TZ:        "Asia/Tokyo",
		Threshold: 3800,
		CodeWidth: 4,
		Suffix:    "T",
	},
	"us-share": {
		ID:        "us-share",
		Name:      "United States",
		TZ:        "America/New_York",
		Threshold: 5000,
	},
}

// Lookup returns the built-in market with the given id.
func Lookup(id string) (Market, error) {
	m, ok := builtin[id]
	if !ok {
		return Market{}, fmt.Errorf("unknown market %q (known: %s)", id, strings.Join(IDs(), ", "))
	}
	return m, nil
}

// IDs lists the built-in market ids in sorted order.
func IDs() []string {
	ids := make([]string, 0, len(builtin))
	for id := range builtin {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
