package manifest

import (
	"fmt"
	"time"

	"marketsync/internal/domain"
	"marketsync/internal/store"
	"marketsync/internal/util"
)

// Evaluator derives a row's status from its artifact on disk. The file
// system is the ground truth: a fresh, large-enough artifact means done,
// anything else means pending.
type Evaluator struct {
	Artifacts store.ArtifactStore
	Clock     util.Clock
	Window    time.Duration // artifacts younger than this are fresh
	MinBytes  int64         // smaller artifacts count as missing
	// RetryEmpty re-evaluates rows stored as empty instead of keeping them
	// settled.
	RetryEmpty bool
}

// Evaluate returns done or pending for the row's artifact.
func (e *Evaluator) Evaluate(row domain.ManifestRow) (domain.Status, error) {
	if row.FetchSymbol == "" {
		return domain.StatusPending, nil
	}
	info, err := e.Artifacts.Stat(row.FetchSymbol)
	if err != nil {
		return domain.StatusPending, fmt.Errorf("stat artifact %s: %w", row.FetchSymbol, err)
	}
	if !info.Exists || info.Size < e.MinBytes {
		return domain.StatusPending, nil
	}
	if e.now().Sub(info.ModTime) < e.Window {
		return domain.StatusDone, nil
	}
	return domain.StatusPending, nil
}

// Annotation counts what Annotate changed.
type Annotation struct {
	Fresh   int // rows marked done
	Stale   int // rows marked pending
	Settled int // empty rows left untouched
	Errors  int // rows whose artifact could not be inspected
}

// Annotate re-evaluates every row of m. Rows stored as empty stay empty
// unless RetryEmpty is set. Stat errors leave the row pending.
func (e *Evaluator) Annotate(m *Manifest) Annotation {
	var a Annotation
	now := e.now()
	for _, r := range m.rows {
		if r.Status == domain.StatusEmpty && !e.RetryEmpty {
			a.Settled++
			continue
		}
		st, err := e.Evaluate(r)
		if err != nil {
			a.Errors++
		}
		if st == domain.StatusDone {
			a.Fresh++
		} else {
			a.Stale++
		}
		if st != r.Status {
			m.SetStatus(r.Code, st, now)
		}
	}
	return a
}

func (e *Evaluator) now() time.Time {
	if e.Clock == nil {
		return time.Now()
	}
	return e.Clock.Now()
}
