package universe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/traditionalchinese"

	"marketsync/internal/config"
	"marketsync/internal/domain"
	"marketsync/internal/market"
	"marketsync/internal/util"
)

// fakeSource returns rows or err and counts calls.
type fakeSource struct {
	name  string
	rows  []RawRow
	err   error
	calls atomic.Int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(context.Context) ([]RawRow, error) {
	f.calls.Add(1)
	return f.rows, f.err
}

func hkRows(n int) []RawRow {
	rows := make([]RawRow, n)
	for i := range rows {
		rows[i] = RawRow{Code: fmt.Sprintf("%d", i+1), Name: fmt.Sprintf("CO %d", i+1)}
	}
	return rows
}

func mustMarket(t *testing.T, id string) market.Market {
	t.Helper()
	m, err := market.Lookup(id)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// writeCache stores syms as the cache file and backdates it to mtime.
func writeCache(t *testing.T, c *Cache, syms []domain.Symbol, mtime time.Time) {
	t.Helper()
	if err := c.Save(syms); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(c.Path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func testCache(t *testing.T, m market.Market, now time.Time) *Cache {
	c := NewCache(CachePath(t.TempDir()), m)
	c.Clock = util.FixedClock(now)
	return c
}

var quiet = Options{MaxRetries: 3, RetryDelay: time.Millisecond, Logger: util.Discard()}

// ---------------------------------------------------------------------------
// Resolver
// ---------------------------------------------------------------------------

func TestResolveSmallFreshCacheFallsThrough(t *testing.T) {
	m := mustMarket(t, "hk-share")
	now := time.Now()
	c := testCache(t, m, now)
	small, _ := Build(m, hkRows(10))
	writeCache(t, c, small, now)

	primary := &fakeSource{name: "primary", rows: hkRows(2500)}
	r := NewResolver(m, c, primary, nil, quiet)

	syms, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(syms) != 2500 {
		t.Errorf("len(syms) = %d, want 2500", len(syms))
	}
	if got := primary.calls.Load(); got != 1 {
		t.Errorf("primary calls = %d, want 1", got)
	}

	cached, _, err := c.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 2500 {
		t.Errorf("cache holds %d symbols, want 2500", len(cached))
	}
}

func TestResolveFreshCacheSkipsNetwork(t *testing.T) {
	m := mustMarket(t, "tw-share")
	now := time.Now()
	c := testCache(t, m, now)
	syms, _ := Build(m, []RawRow{{Code: "2330", Name: "TSMC"}, {Code: "1101", Name: "TCC"}})
	writeCache(t, c, syms, now)

	primary := &fakeSource{name: "primary", err: errors.New("should not be called")}
	opts := quiet
	opts.Threshold = 2
	r := NewResolver(m, c, primary, nil, opts)

	got, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
	if primary.calls.Load() != 0 {
		t.Error("primary source queried despite fresh cache")
	}
}

func TestResolveRetriesThenSecondary(t *testing.T) {
	m := mustMarket(t, "hk-share")
	c := testCache(t, m, time.Now())

	primary := &fakeSource{name: "primary", err: errors.New("connection reset")}
	secondary := &fakeSource{name: "secondary", rows: hkRows(2100)}
	r := NewResolver(m, c, primary, secondary, quiet)

	syms, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := primary.calls.Load(); got != 3 {
		t.Errorf("primary calls = %d, want 3", got)
	}
	if got := secondary.calls.Load(); got != 1 {
		t.Errorf("secondary calls = %d, want 1", got)
	}
	if len(syms) != 2100 {
		t.Errorf("len = %d, want 2100", len(syms))
	}
}

func TestResolveInsufficientIsRetried(t *testing.T) {
	m := mustMarket(t, "hk-share")
	c := testCache(t, m, time.Now())

	primary := &fakeSource{name: "primary", rows: hkRows(50)}
	r := NewResolver(m, c, primary, nil, quiet)

	if _, err := r.Resolve(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Resolve err = %v, want ErrUnavailable", err)
	}
	if got := primary.calls.Load(); got != 3 {
		t.Errorf("primary calls = %d, want 3", got)
	}
}

func TestResolveStaleCacheFallback(t *testing.T) {
	m := mustMarket(t, "hk-share")
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := testCache(t, m, now)
	stale, _ := Build(m, hkRows(10))
	yesterday := now.Add(-24 * time.Hour)
	writeCache(t, c, stale, yesterday)

	primary := &fakeSource{name: "primary", err: errors.New("503")}
	secondary := &fakeSource{name: "secondary", err: errors.New("503")}
	r := NewResolver(m, c, primary, secondary, quiet)

	syms, err := r.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(syms) != 10 {
		t.Errorf("len = %d, want 10 from stale cache", len(syms))
	}

	fi, err := os.Stat(c.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !fi.ModTime().Equal(yesterday) {
		t.Errorf("stale cache rewritten: mtime = %v, want %v", fi.ModTime(), yesterday)
	}
}

func TestResolveUnavailable(t *testing.T) {
	m := mustMarket(t, "tw-share")
	c := testCache(t, m, time.Now())
	primary := &fakeSource{name: "primary", err: errors.New("down")}
	r := NewResolver(m, c, primary, nil, quiet)

	_, err := r.Resolve(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Resolve err = %v, want ErrUnavailable", err)
	}
}

func TestResolveCancelled(t *testing.T) {
	m := mustMarket(t, "tw-share")
	c := testCache(t, m, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewResolver(m, c, &fakeSource{name: "p", rows: hkRows(600)}, nil, quiet)
	if _, err := r.Resolve(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Resolve err = %v, want context.Canceled", err)
	}
}

func TestBuildExcludesAndDedupes(t *testing.T) {
	m := mustMarket(t, "tw-share")
	syms, excluded := Build(m, []RawRow{
		{Code: "0001", Name: "Alpha"},
		{Code: "0002", Name: "Beta(WARRANT)"},
		{Code: "1", Name: "Alpha again"},
		{Code: "", Name: "blank"},
	})
	if excluded != 1 {
		t.Errorf("excluded = %d, want 1", excluded)
	}
	if len(syms) != 1 {
		t.Fatalf("len = %d, want 1: %+v", len(syms), syms)
	}
	want := domain.Symbol{Code: "0001", Name: "Alpha", FetchSymbol: "0001.TW", Class: domain.ClassCommon}
	if syms[0] != want {
		t.Errorf("syms[0] = %+v, want %+v", syms[0], want)
	}
}

func TestBuildKeepsLongTWCodes(t *testing.T) {
	m := mustMarket(t, "tw-share")
	syms, _ := Build(m, []RawRow{
		{Code: "910322", Name: "康師傅-DR"},
		{Code: "0322", Name: "Other"},
	})
	if len(syms) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(syms), syms)
	}
	if syms[0].Code != "910322" || syms[0].FetchSymbol != "910322.TW" {
		t.Errorf("syms[0] = %+v, want code 910322 fetching 910322.TW", syms[0])
	}
}

func TestTableRowsCombinedColumn(t *testing.T) {
	table := [][]string{
		{"有價證券代號及名稱", "國際證券辨識號碼(ISIN Code)", "上市日"},
		{"股票"},
		{"股票", "", ""},
		{"1101\u3000台泥", "TW0001101004", "1962/02/09"},
		{"2330 台積電", "TW0002330008", "1994/09/05"},
		{"上市認購(售)權證", "", ""},
	}
	rows, err := TableRows(table, "TW")
	if err != nil {
		t.Fatalf("TableRows: %v", err)
	}
	want := []RawRow{
		{Code: "1101", Name: "台泥", Board: "TW"},
		{Code: "2330", Name: "台積電", Board: "TW"},
	}
	if len(rows) != len(want) {
		t.Fatalf("rows = %+v, want %+v", rows, want)
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Errorf("rows[%d] = %+v, want %+v", i, rows[i], want[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Cache
// ---------------------------------------------------------------------------

func TestCacheLegacyEntries(t *testing.T) {
	m := mustMarket(t, "tw-share")
	c := testCache(t, m, time.Now())
	data, _ := json.Marshal([]string{"0001&Alpha", "0002&Beta(WARRANT)", "garbage"})
	if err := os.WriteFile(c.Path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	syms, err := c.Today()
	if err != nil {
		t.Fatalf("Today: %v", err)
	}
	if len(syms) != 1 || syms[0].Code != "0001" || syms[0].FetchSymbol != "0001.TW" {
		t.Errorf("syms = %+v, want only 0001 Alpha", syms)
	}
}

func TestCacheExpiry(t *testing.T) {
	m := mustMarket(t, "tw-share")
	now := time.Date(2026, 3, 10, 1, 0, 0, 0, m.Location())
	c := testCache(t, m, now)
	writeCache(t, c, []domain.Symbol{{Code: "2330", Name: "TSMC", FetchSymbol: "2330.TW"}}, now.Add(-2*time.Hour))

	if _, err := c.Today(); !errors.Is(err, ErrCacheExpired) {
		t.Errorf("Today err = %v, want ErrCacheExpired", err)
	}
	if syms, _, err := c.Load(); err != nil || len(syms) != 1 {
		t.Errorf("Load = %v, %v; want the stale symbol", syms, err)
	}
}

func TestCacheMissing(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "none.json"), mustMarket(t, "tw-share"))
	if _, _, err := c.Load(); !errors.Is(err, ErrNoCache) {
		t.Errorf("Load err = %v, want ErrNoCache", err)
	}
}

// ---------------------------------------------------------------------------
// Listing formats
// ---------------------------------------------------------------------------

const twsePage = `<html><head><meta http-equiv="Content-Type" content="text/html; charset=big5"></head>
<body><table><tr><td>title</td></tr></table>
<table class="h4">
<tr><td>有價證券代號及名稱</td><td>國際證券辨識號碼(ISIN Code)</td><td>上市日</td><td>市場別</td></tr>
<tr><td colspan="4">股票</td></tr>
<tr><td>1101　台泥</td><td>TW0001101004</td><td>1962/02/09</td><td>上市</td></tr>
<tr><td>2330　台積電</td><td>TW0002330008</td><td>1994/09/05</td><td>上市</td></tr>
<tr><td>03001P　台積電群益購</td><td>TW18Z03001P7</td><td>2024/01/01</td><td>上市</td></tr>
</table></body></html>`

func TestHTMLTableSourceBig5(t *testing.T) {
	page, err := traditionalchinese.Big5.NewEncoder().String(twsePage)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "text/html; charset=big5")
		w.Write([]byte(page))
	}))
	defer srv.Close()

	src := &HTMLTableSource{URL: srv.URL, Board: "TW", Fetcher: NewFetcher("test-agent", time.Second)}
	rows, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3: %+v", len(rows), rows)
	}
	want := RawRow{Code: "2330", Name: "台積電", Board: "TW"}
	if rows[1] != want {
		t.Errorf("rows[1] = %+v, want %+v", rows[1], want)
	}
}

func TestXLSXSource(t *testing.T) {
	f := excelize.NewFile()
	for i, row := range [][]interface{}{
		{"List of Securities"},
		{"Updated as at 10/03/2026"},
		{"Stock Code", "Name of Securities", "Category"},
		{"00005", "HSBC HOLDINGS", "Equity"},
		{"700", "TENCENT", "Equity"},
		{"12345", "HS#CBBC XYZ", "Callable Bull/Bear Contracts"},
	} {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatal(err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "ListOfSecurities.xlsx")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	src := &XLSXSource{URL: path, Fetcher: NewFetcher("", 0)}
	rows, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}

	syms, excluded := Build(mustMarket(t, "hk-share"), rows)
	if excluded != 1 {
		t.Errorf("excluded = %d, want 1", excluded)
	}
	if len(syms) != 2 || syms[1].Code != "00700" || syms[1].FetchSymbol != "0700.HK" {
		t.Errorf("syms = %+v", syms)
	}
}

func TestCSVSource(t *testing.T) {
	var b bytes.Buffer
	b.WriteString("\ufeffDate,Local Code,Name (English),Section\n")
	b.WriteString("20260310,7203,TOYOTA MOTOR,Prime\n")
	b.WriteString("20260310,6758,\"SONY GROUP\",Prime\n")
	path := filepath.Join(t.TempDir(), "jpx.csv")
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	src := &CSVSource{URL: "file://" + path, Fetcher: NewFetcher("", 0)}
	rows, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(rows) != 2 || rows[0].Code != "7203" || rows[1].Name != "SONY GROUP" {
		t.Errorf("rows = %+v", rows)
	}
}

func TestLocateColumnsNoHeader(t *testing.T) {
	_, err := LocateColumns([][]string{{"a", "b"}, {"1", "2"}})
	if !errors.Is(err, ErrNoHeader) {
		t.Errorf("err = %v, want ErrNoHeader", err)
	}
}

type fakeAssets struct{ assets []alpaca.Asset }

func (f fakeAssets) GetAssets(req alpaca.GetAssetsRequest) ([]alpaca.Asset, error) {
	return f.assets, nil
}

func TestAlpacaAssetSourceSkipsUntradable(t *testing.T) {
	src := &AlpacaAssetSource{Client: fakeAssets{assets: []alpaca.Asset{
		{Symbol: "AAPL", Name: "Apple Inc.", Tradable: true},
		{Symbol: "ZZZZ", Name: "Halted Co", Tradable: false},
	}}}
	rows, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Code != "AAPL" {
		t.Errorf("rows = %+v, want AAPL only", rows)
	}
}

func TestMultiSource(t *testing.T) {
	ok := &fakeSource{name: "ok", rows: []RawRow{{Code: "1101", Name: "TCC"}}}
	bad := &fakeSource{name: "bad", err: errors.New("timeout")}

	var failures int
	ms := &MultiSource{Label: "tw", Sources: []Source{bad, ok}, OnError: func(Source, error) { failures++ }}
	rows, err := ms.Fetch(context.Background())
	if err != nil || len(rows) != 1 {
		t.Errorf("Fetch = %v, %v; want one row", rows, err)
	}
	if failures != 1 {
		t.Errorf("failures = %d, want 1", failures)
	}

	ms = &MultiSource{Label: "tw", Sources: []Source{bad, bad}}
	if _, err := ms.Fetch(context.Background()); err == nil {
		t.Error("all parts failing should fail")
	}
}

func TestNewSources(t *testing.T) {
	f := NewFetcher("", 0)
	src, err := NewSources("tw", []config.Source{
		{Kind: "html", URL: "http://a", Board: "TW"},
		{Kind: "html", URL: "http://b", Board: "TWO"},
	}, f, Credentials{}, util.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if ms, ok := src.(*MultiSource); !ok || len(ms.Sources) != 2 {
		t.Errorf("src = %#v, want MultiSource of 2", src)
	}

	if _, err := NewSources("x", []config.Source{{Kind: "ftp"}}, f, Credentials{}, nil); err == nil {
		t.Error("unknown kind accepted")
	}
	if src, _ := NewSources("x", nil, f, Credentials{}, nil); src != nil {
		t.Errorf("empty list = %v, want nil", src)
	}
}
