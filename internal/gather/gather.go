// Package gather runs acquisition pipelines: resolve a market's universe,
// reconcile its manifest with the artifacts on disk, and fetch whatever is
// pending.
package gather

import (
	"context"

	"marketsync/internal/domain"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one gathering pass. It returns early when ctx is
	// cancelled.
	Run(ctx context.Context) error
}

// DateRange represents a time range for data fetching.
type DateRange = domain.DateRange
