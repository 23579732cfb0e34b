package journal

import (
	"github.com/cuemby/rebalancer/pkg/log"
	"github.com/cuemby/rebalancer/pkg/types"
)

// Retained prunes the wrapped store down to the newest keep reports after
// every record
type Retained struct {
	Store
	keep int
}

// Retain wraps store. keep 0 keeps everything.
func Retain(store Store, keep int) *Retained {
	return &Retained{Store: store, keep: keep}
}

// Record stores report then prunes. A prune failure is only logged.
func (r *Retained) Record(report *types.TickReport) error {
	if err := r.Store.Record(report); err != nil {
		return err
	}
	if r.keep == 0 {
		return nil
	}
	removed, err := r.Store.Prune(r.keep)
	if err != nil {
		log.Logger.Warn().Err(err).Str("component", "journal").Msg("Failed to prune journal")
		return nil
	}
	if removed > 0 {
		log.Logger.Debug().Str("component", "journal").Int("removed", removed).Msg("Journal pruned")
	}
	return nil
}
