package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/cuemby/rebalancer/pkg/log"
	"github.com/cuemby/rebalancer/pkg/types"
)

// PoolSample is the pool state exported as gauges
type PoolSample struct {
	Clock      types.EpochClock
	Imbalance  types.Delta
	Validators []types.ValidatorRecord
	Positions  []types.PositionRecord
}

// PoolSource reads a fresh pool sample
type PoolSource interface {
	Pool(ctx context.Context) (*PoolSample, error)
}

// ObservePool updates the pool gauges
func ObservePool(s *PoolSample) {
	Epoch.Set(float64(s.Clock.Epoch))
	EpochAdvance.Set(s.Clock.Advance())

	if v, err := strconv.ParseFloat(s.Imbalance.String(), 64); err == nil {
		Imbalance.Set(v)
	}

	var scored, unscored int
	for _, v := range s.Validators {
		if v.Score > 0 {
			scored++
		} else {
			unscored++
		}
	}
	ValidatorsTotal.WithLabelValues("true").Set(float64(scored))
	ValidatorsTotal.WithLabelValues("false").Set(float64(unscored))

	counts := map[types.DelegationState]int{
		types.DelegationActivating:   0,
		types.DelegationActive:       0,
		types.DelegationDeactivating: 0,
		types.DelegationDeactivated:  0,
	}
	for _, p := range s.Positions {
		counts[p.State]++
	}
	for state, n := range counts {
		PositionsTotal.WithLabelValues(state.String()).Set(float64(n))
	}
}

// Collector periodically samples the pool into gauges
type Collector struct {
	source   PoolSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source PoolSource, interval time.Duration) *Collector {
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	health.setMaxAge(staleSamples * c.interval)
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval)
	defer cancel()

	sample, err := c.source.Pool(ctx)
	if err != nil {
		health.recordSampleError(err)
		log.Logger.Warn().Err(err).Str("component", "collector").Msg("Failed to sample pool")
		return
	}
	health.recordSample(sample)
	ObservePool(sample)
}
