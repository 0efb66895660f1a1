package universe

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/xuri/excelize/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"

	"marketsync/internal/config"
)

// ---------------------------------------------------------------------------
// Compile-time interface checks
// ---------------------------------------------------------------------------

var (
	_ Source = (*HTMLTableSource)(nil)
	_ Source = (*XLSXSource)(nil)
	_ Source = (*CSVSource)(nil)
	_ Source = (*AlpacaAssetSource)(nil)
	_ Source = (*MultiSource)(nil)
)

// Fetcher retrieves listing documents over HTTP or from local files.
type Fetcher struct {
	Client    *http.Client
	UserAgent string
}

// NewFetcher returns a Fetcher with a bounded request timeout.
func NewFetcher(userAgent string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: userAgent,
	}
}

// Get returns the body and content type of location. Locations without an
// http(s) scheme are read from disk.
func (f *Fetcher) Get(ctx context.Context, location string) ([]byte, string, error) {
	if !strings.HasPrefix(location, "http://") && !strings.HasPrefix(location, "https://") {
		data, err := os.ReadFile(strings.TrimPrefix(location, "file://"))
		return data, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, "", err
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("GET %s: %w", location, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", location, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("GET %s: status %d", location, resp.StatusCode)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// ---------------------------------------------------------------------------
// HTML tables (TWSE ISIN pages)
// ---------------------------------------------------------------------------

// HTMLTableSource reads the first table of a page that has code and name
// columns. Legacy encodings such as Big5 are decoded from the declared
// charset.
type HTMLTableSource struct {
	URL     string
	Board   string
	Fetcher *Fetcher
}

// Name identifies the source in logs.
func (s *HTMLTableSource) Name() string { return "html:" + s.Board + ":" + s.URL }

// Fetch downloads the page and extracts its listing rows.
func (s *HTMLTableSource) Fetch(ctx context.Context) ([]RawRow, error) {
	body, contentType, err := s.Fetcher.Get(ctx, s.URL)
	if err != nil {
		return nil, err
	}
	tables, err := ParseHTMLTables(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		rows, err := TableRows(t, s.Board)
		if err == nil {
			return rows, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", s.URL, ErrNoHeader)
}

// ParseHTMLTables returns every <table> in the document as rows of cell
// text.
func ParseHTMLTables(r io.Reader, contentType string) ([][][]string, error) {
	utf8Reader, err := charset.NewReader(r, contentType)
	if err != nil {
		return nil, fmt.Errorf("detecting charset: %w", err)
	}
	doc, err := html.Parse(utf8Reader)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	var tables [][][]string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Table {
			tables = append(tables, tableRows(n))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return tables, nil
}

// tableRows collects the rows of one table, not descending into nested
// tables.
func tableRows(table *html.Node) [][]string {
	var rows [][]string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			switch c.DataAtom {
			case atom.Table:
				continue
			case atom.Tr:
				var cells []string
				for td := c.FirstChild; td != nil; td = td.NextSibling {
					if td.Type == html.ElementNode && (td.DataAtom == atom.Td || td.DataAtom == atom.Th) {
						cells = append(cells, nodeText(td))
					}
				}
				rows = append(rows, cells)
			default:
				walk(c)
			}
		}
	}
	walk(table)
	return rows
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// ---------------------------------------------------------------------------
// Spreadsheets (HKEX list of securities)
// ---------------------------------------------------------------------------

// XLSXSource reads a listing workbook. Sheet defaults to the first sheet.
type XLSXSource struct {
	URL     string
	Sheet   string
	Board   string
	Fetcher *Fetcher
}

// Name identifies the source in logs.
func (s *XLSXSource) Name() string { return "xlsx:" + s.URL }

// Fetch downloads the workbook and extracts its listing rows.
func (s *XLSXSource) Fetch(ctx context.Context) ([]RawRow, error) {
	body, _, err := s.Fetcher.Get(ctx, s.URL)
	if err != nil {
		return nil, err
	}
	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("opening workbook %s: %w", s.URL, err)
	}
	defer f.Close()

	sheet := s.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("workbook %s has no sheets", s.URL)
		}
		sheet = sheets[0]
	}
	table, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheet, err)
	}
	return TableRows(table, s.Board)
}

// ---------------------------------------------------------------------------
// CSV listings (JPX exports, generic fallbacks)
// ---------------------------------------------------------------------------

// CSVSource reads a comma-separated listing.
type CSVSource struct {
	URL     string
	Board   string
	Fetcher *Fetcher
}

// Name identifies the source in logs.
func (s *CSVSource) Name() string { return "csv:" + s.URL }

// Fetch downloads the file and extracts its listing rows.
func (s *CSVSource) Fetch(ctx context.Context) ([]RawRow, error) {
	body, _, err := s.Fetcher.Get(ctx, s.URL)
	if err != nil {
		return nil, err
	}
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	table, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing csv %s: %w", s.URL, err)
	}
	return TableRows(table, s.Board)
}

// ---------------------------------------------------------------------------
// Alpaca assets (US equities)
// ---------------------------------------------------------------------------

// AssetLister is the part of the Alpaca trading client the source needs.
type AssetLister interface {
	GetAssets(req alpaca.GetAssetsRequest) ([]alpaca.Asset, error)
}

// AlpacaAssetSource lists active, tradable US equities.
type AlpacaAssetSource struct {
	Client AssetLister
}

// NewAlpacaAssetSource creates a source backed by the Alpaca trading API.
func NewAlpacaAssetSource(apiKey, apiSecret, baseURL string) *AlpacaAssetSource {
	return &AlpacaAssetSource{Client: alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})}
}

// Name identifies the source in logs.
func (s *AlpacaAssetSource) Name() string { return "alpaca-assets" }

// Fetch returns one row per active tradable asset.
func (s *AlpacaAssetSource) Fetch(ctx context.Context) ([]RawRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	assets, err := s.Client.GetAssets(alpaca.GetAssetsRequest{
		Status:     "active",
		AssetClass: "us_equity",
	})
	if err != nil {
		return nil, fmt.Errorf("GetAssets: %w", err)
	}
	rows := make([]RawRow, 0, len(assets))
	for _, a := range assets {
		if !a.Tradable {
			continue
		}
		rows = append(rows, RawRow{Code: a.Symbol, Name: a.Name})
	}
	return rows, nil
}

// ---------------------------------------------------------------------------
// Aggregation
// ---------------------------------------------------------------------------

// MultiSource concatenates several listings, such as the per-board pages of
// one exchange. A failing part is skipped; MultiSource fails only when
// every part fails.
type MultiSource struct {
	Label   string
	Sources []Source
	// OnError observes per-part failures.
	OnError func(src Source, err error)
}

// Name identifies the source in logs.
func (s *MultiSource) Name() string { return s.Label }

// Fetch queries every part in order.
func (s *MultiSource) Fetch(ctx context.Context) ([]RawRow, error) {
	var (
		rows []RawRow
		errs []error
	)
	for _, src := range s.Sources {
		part, err := src.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if s.OnError != nil {
				s.OnError(src, err)
			}
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		rows = append(rows, part...)
	}
	if len(errs) == len(s.Sources) && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rows, nil
}

// ---------------------------------------------------------------------------
// Construction from configuration
// ---------------------------------------------------------------------------

// Credentials carries what the alpaca source kind needs.
type Credentials struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// NewSource builds one source from its configuration.
func NewSource(cfg config.Source, f *Fetcher, creds Credentials) (Source, error) {
	switch strings.ToLower(cfg.Kind) {
	case "html":
		return &HTMLTableSource{URL: cfg.URL, Board: cfg.Board, Fetcher: f}, nil
	case "xlsx":
		return &XLSXSource{URL: cfg.URL, Sheet: cfg.Sheet, Board: cfg.Board, Fetcher: f}, nil
	case "csv":
		return &CSVSource{URL: cfg.URL, Board: cfg.Board, Fetcher: f}, nil
	case "alpaca":
		return NewAlpacaAssetSource(creds.APIKey, creds.APISecret, creds.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown universe source kind %q", cfg.Kind)
	}
}

// NewSources builds a single Source out of a configured list. It returns
// nil for an empty list, and the source itself for a list of one.
func NewSources(label string, cfgs []config.Source, f *Fetcher, creds Credentials, log *slog.Logger) (Source, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}
	srcs := make([]Source, 0, len(cfgs))
	for _, c := range cfgs {
		s, err := NewSource(c, f, creds)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, s)
	}
	if len(srcs) == 1 {
		return srcs[0], nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &MultiSource{
		Label:   label,
		Sources: srcs,
		OnError: func(src Source, err error) {
			log.Warn("universe page failed", "source", src.Name(), "err", err)
		},
	}, nil
}
