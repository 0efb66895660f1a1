// Package manifest tracks the fetch status of every symbol a market has
// ever listed and decides which of them need fetching.
package manifest

import (
	"time"

	"marketsync/internal/domain"
)

// Manifest is an ordered, code-keyed table of fetch records. It is not safe
// for concurrent use: one goroutine owns it for the length of a run.
type Manifest struct {
	rows  []domain.ManifestRow
	index map[string]int // code -> position in rows
}

// New builds a manifest from persisted rows. Later duplicates of a code are
// dropped.
func New(rows []domain.ManifestRow) *Manifest {
	m := &Manifest{
		rows:  make([]domain.ManifestRow, 0, len(rows)),
		index: make(map[string]int, len(rows)),
	}
	for _, r := range rows {
		if _, dup := m.index[r.Code]; dup || r.Code == "" {
			continue
		}
		if r.Status == "" {
			r.Status = domain.StatusPending
		}
		m.index[r.Code] = len(m.rows)
		m.rows = append(m.rows, r)
	}
	return m
}

// Len returns the number of rows.
func (m *Manifest) Len() int { return len(m.rows) }

// Rows returns a copy of the rows in manifest order.
func (m *Manifest) Rows() []domain.ManifestRow {
	out := make([]domain.ManifestRow, len(m.rows))
	copy(out, m.rows)
	return out
}

// Get returns the row for code.
func (m *Manifest) Get(code string) (domain.ManifestRow, bool) {
	i, ok := m.index[code]
	if !ok {
		return domain.ManifestRow{}, false
	}
	return m.rows[i], true
}

// Merge folds a freshly resolved universe into the manifest and returns the
// number of rows added. Known codes keep their status and pick up the
// latest name and fetch symbol; unknown common symbols are appended as
// pending. Rows missing from the universe are kept. A code repeated within
// universe is taken from its first occurrence.
func (m *Manifest) Merge(universe []domain.Symbol) int {
	added := 0
	seen := make(map[string]bool, len(universe))
	for _, s := range universe {
		if s.Code == "" || s.Class == domain.ClassExcluded || seen[s.Code] {
			continue
		}
		seen[s.Code] = true
		if i, ok := m.index[s.Code]; ok {
			r := &m.rows[i]
			if s.Name != "" {
				r.Name = s.Name
			}
			if s.FetchSymbol != "" {
				r.FetchSymbol = s.FetchSymbol
			}
			r.Board = s.Board
			continue
		}
		m.index[s.Code] = len(m.rows)
		m.rows = append(m.rows, domain.ManifestRow{
			Code:        s.Code,
			Name:        s.Name,
			FetchSymbol: s.FetchSymbol,
			Board:       s.Board,
			Status:      domain.StatusPending,
		})
		added++
	}
	return added
}

// SetStatus records a new status for code. It reports false for unknown
// codes.
func (m *Manifest) SetStatus(code string, status domain.Status, at time.Time) bool {
	i, ok := m.index[code]
	if !ok {
		return false
	}
	m.rows[i].Status = status
	m.rows[i].UpdatedAt = at
	return true
}

// Pending returns the rows the scheduler should fetch, in manifest order.
func (m *Manifest) Pending() []domain.ManifestRow {
	var out []domain.ManifestRow
	for _, r := range m.rows {
		if !r.Status.Settled() {
			out = append(out, r)
		}
	}
	return out
}

// Counts tallies rows by status.
func (m *Manifest) Counts() map[domain.Status]int {
	counts := make(map[domain.Status]int, 4)
	for _, r := range m.rows {
		counts[r.Status]++
	}
	return counts
}
