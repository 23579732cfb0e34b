package journal

import (
	"errors"

	"github.com/cuemby/rebalancer/pkg/types"
)

var (
	// ErrNotFound is returned when no tick carries the requested id
	ErrNotFound = errors.New("tick not found")
)

// Store persists tick reports
type Store interface {
	// Record appends a tick report
	Record(report *types.TickReport) error
	// Get returns the report with id
	Get(id string) (*types.TickReport, error)
	// List returns up to limit reports, newest first. 0 lists all.
	List(limit int) ([]*types.TickReport, error)
	// Prune keeps the newest keep reports and returns how many were removed
	Prune(keep int) (int, error)

	Close() error
}
