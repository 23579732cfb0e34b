package ledger

import (
	"context"
	"fmt"

	"github.com/cuemby/rebalancer/pkg/batch"
	"github.com/cuemby/rebalancer/pkg/log"
	"github.com/cuemby/rebalancer/pkg/metrics"
	"github.com/rs/zerolog"
)

// Submitter signs batches and hands them to the ledger, either executing
// or simulating them
type Submitter struct {
	client   Client
	simulate bool
	logger   zerolog.Logger
}

// NewSubmitter creates a submitter. With simulate set batches are only
// dry-run.
func NewSubmitter(client Client, simulate bool) *Submitter {
	return &Submitter{
		client:   client,
		simulate: simulate,
		logger:   log.WithComponent("submitter"),
	}
}

// Simulating reports whether batches are dry-run only
func (s *Submitter) Simulating() bool {
	return s.simulate
}

// Process signs and submits one batch. The error is the ledger's verdict,
// except ErrSign which means nothing was sent.
func (s *Submitter) Process(ctx context.Context, b *batch.Batch) error {
	signed, err := b.Sign()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSign, err)
	}

	mode := "submit"
	send := s.client.Submit
	if s.simulate {
		mode = "simulate"
		send = s.client.Simulate
	}

	timer := metrics.NewTimer()
	err = send(ctx, signed)
	timer.ObserveDurationVec(metrics.SubmissionDuration, mode)

	event := s.logger.Info()
	if err != nil {
		event = s.logger.Error().Err(err)
		metrics.SubmissionsTotal.WithLabelValues(mode, "error").Inc()
	} else {
		metrics.SubmissionsTotal.WithLabelValues(mode, "ok").Inc()
	}
	event.
		Str("mode", mode).
		Str("digest", signed.Digest()).
		Int("operations", b.Len()).
		Int("size", b.Size()).
		Strs("descriptions", b.Descriptions()).
		Msg("Batch processed")
	return err
}
