package universe

import (
	"errors"
	"strings"
)

// ErrNoHeader is returned when no row of a table looks like a header with
// both a code and a name column.
var ErrNoHeader = errors.New("no code/name header found")

// headerScanRows bounds how far down a sheet the header may sit.
const headerScanRows = 20

// Header candidates in priority order. Exact matches beat substring
// matches, so "Stock Code" wins over a column merely containing "code".
var (
	codeHeaders = []string{
		"stock code", "有價證券代號", "證券代號", "local code", "code",
		"symbol", "ticker", "代號", "代码", "コード",
	}
	nameHeaders = []string{
		"short name", "name of securities", "name", "company name", "issue name",
		"有價證券名稱", "證券名稱", "名稱", "名称", "銘柄名",
	}
)

// Columns is the located position of the code and name columns.
type Columns struct {
	HeaderRow int
	Code      int
	Name      int
}

// LocateColumns finds the header row and the code and name columns of a
// table whose layout may shift between publications.
func LocateColumns(table [][]string) (Columns, error) {
	for i := 0; i < len(table) && i < headerScanRows; i++ {
		code := matchHeader(table[i], codeHeaders, -1)
		if code < 0 {
			continue
		}
		name := matchHeader(table[i], nameHeaders, code)
		if name < 0 && matchHeader(table[i][code:code+1], nameHeaders, -1) == 0 {
			// TWSE pages print "1101　台泥" in a single column.
			name = code
		}
		if name < 0 {
			continue
		}
		return Columns{HeaderRow: i, Code: code, Name: name}, nil
	}
	return Columns{}, ErrNoHeader
}

// matchHeader returns the first cell matching a candidate, skipping the
// column at skip.
func matchHeader(row []string, candidates []string, skip int) int {
	cells := make([]string, len(row))
	for i, c := range row {
		cells[i] = normalizeHeader(c)
	}
	for _, cand := range candidates {
		for i, c := range cells {
			if i != skip && c == cand {
				return i
			}
		}
	}
	for _, cand := range candidates {
		for i, c := range cells {
			if i != skip && c != "" && strings.Contains(c, cand) {
				return i
			}
		}
	}
	return -1
}

func normalizeHeader(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// TableRows extracts (code, name) pairs below the header. Rows that repeat
// the header or act as section titles are skipped.
func TableRows(table [][]string, board string) ([]RawRow, error) {
	cols, err := LocateColumns(table)
	if err != nil {
		return nil, err
	}
	header := table[cols.HeaderRow]
	var rows []RawRow
	for _, rec := range table[cols.HeaderRow+1:] {
		if cols.Code >= len(rec) || cols.Name >= len(rec) {
			continue
		}
		code := strings.TrimSpace(rec[cols.Code])
		name := strings.TrimSpace(rec[cols.Name])
		if cols.Code == cols.Name {
			code, name = splitCombined(code)
			// Section titles ("股票", "上市認購(售)權證") carry no code.
			if !hasDigit(code) {
				continue
			}
		}
		if code == "" || name == "" {
			continue
		}
		if code == strings.TrimSpace(header[cols.Code]) {
			continue
		}
		rows = append(rows, RawRow{Code: code, Name: name, Board: board})
	}
	return rows, nil
}

// splitCombined splits a "code name" cell on the first run of white space,
// ideographic spaces included.
func splitCombined(cell string) (code, name string) {
	f := strings.Fields(cell)
	if len(f) < 2 {
		return "", ""
	}
	return f[0], strings.Join(f[1:], " ")
}

func hasDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
