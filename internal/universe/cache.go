package universe

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/market"
	"marketsync/internal/util"
)

// ErrNoCache is returned when no universe cache file exists.
var ErrNoCache = errors.New("no universe cache")

// ErrCacheExpired is returned by Today for a cache written on another day.
var ErrCacheExpired = errors.New("universe cache not from today")

// Cache persists the last accepted universe as JSON. Its validity is the
// file's modification date in the market's time zone.
type Cache struct {
	Path   string
	Market market.Market
	Clock  util.Clock
}

// NewCache returns a cache at path for market m using the system clock.
func NewCache(path string, m market.Market) *Cache {
	return &Cache{Path: path, Market: m, Clock: util.SystemClock{}}
}

// CachePath is the default cache file for a market under its list dir.
func CachePath(listDir string) string {
	return filepath.Join(listDir, "universe_cache.json")
}

// Load returns the cached symbols and the file's modification time,
// regardless of age.
func (c *Cache) Load() ([]domain.Symbol, time.Time, error) {
	fi, err := os.Stat(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, ErrNoCache
		}
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, time.Time{}, err
	}
	syms, err := c.decode(data)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("decoding %s: %w", c.Path, err)
	}
	return syms, fi.ModTime(), nil
}

// Today returns the cached symbols only when the file was written on the
// current calendar date.
func (c *Cache) Today() ([]domain.Symbol, error) {
	syms, mtime, err := c.Load()
	if err != nil {
		return nil, err
	}
	if !util.SameDay(mtime, c.now(), c.Market.Location()) {
		return nil, fmt.Errorf("%w (written %s)", ErrCacheExpired, mtime.Format(time.DateOnly))
	}
	return syms, nil
}

// Save replaces the cache atomically.
func (c *Cache) Save(syms []domain.Symbol) error {
	data, err := json.MarshalIndent(syms, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
		return err
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.Path)
}

// decode accepts either structured symbols or bare "code&name" strings.
func (c *Cache) decode(data []byte) ([]domain.Symbol, error) {
	var syms []domain.Symbol
	if err := json.Unmarshal(data, &syms); err == nil {
		out := syms[:0]
		for _, s := range syms {
			if s.FetchSymbol == "" {
				s.FetchSymbol = c.Market.FetchSymbol(s.Code, s.Board)
			}
			if s.Class == "" {
				s.Class = c.Market.Classify(s.Name)
			}
			if s.Class == domain.ClassCommon && s.Code != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}

	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	rows := make([]RawRow, 0, len(entries))
	for _, e := range entries {
		code, name, err := domain.ParseEntry(e)
		if err != nil {
			continue
		}
		rows = append(rows, RawRow{Code: code, Name: name})
	}
	syms, _ = Build(c.Market, rows)
	return syms, nil
}

func (c *Cache) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock.Now()
}
