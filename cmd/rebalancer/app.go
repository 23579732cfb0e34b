package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/rebalancer/pkg/batch"
	"github.com/cuemby/rebalancer/pkg/clock"
	"github.com/cuemby/rebalancer/pkg/config"
	"github.com/cuemby/rebalancer/pkg/events"
	"github.com/cuemby/rebalancer/pkg/executor"
	"github.com/cuemby/rebalancer/pkg/instruction"
	"github.com/cuemby/rebalancer/pkg/keys"
	"github.com/cuemby/rebalancer/pkg/ledger"
	"github.com/cuemby/rebalancer/pkg/ledger/rpc"
	"github.com/cuemby/rebalancer/pkg/log"
	"github.com/cuemby/rebalancer/pkg/scheduler"
	"github.com/cuemby/rebalancer/pkg/types"
)

// app holds the wired controller
type app struct {
	client    *rpc.Client
	reader    *ledger.Reader
	broker    *events.Broker
	scheduler *scheduler.Scheduler
}

func (a *app) Close() {
	a.broker.Stop()
	a.client.Close()
}

// newApp dials the ledger, loads the signers and builds the scheduler
func newApp(ctx context.Context, c *config.Config) (*app, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	instance, err := c.InstanceKey()
	if err != nil {
		return nil, err
	}

	feePayer, err := keys.LoadFile(c.FeePayer)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee payer: %w", err)
	}
	rentPayer := feePayer
	if c.RentPayer != "" {
		if rentPayer, err = keys.LoadFile(c.RentPayer); err != nil {
			return nil, fmt.Errorf("failed to load rent payer: %w", err)
		}
	}
	var manager *keys.Keypair
	if c.Manager != "" {
		if manager, err = keys.LoadFile(c.Manager); err != nil {
			return nil, fmt.Errorf("failed to load manager: %w", err)
		}
	}

	client, err := rpc.Dial(ctx, c.RPC.URL, c.RPC.Commitment)
	if err != nil {
		return nil, err
	}

	clk := clock.Real()
	reader := ledger.NewReader(client, instance, clk)
	if err := checkRentPayer(ctx, reader, rentPayer.PublicKey()); err != nil {
		client.Close()
		return nil, err
	}

	batcher := batch.New(feePayer, c.BatchSize)
	batcher.AddSigner(rentPayer)
	var managerKey types.Key
	if manager != nil {
		batcher.AddSigner(manager)
		managerKey = manager.PublicKey()
	}

	schedCfg, err := c.SchedulerConfig(managerKey)
	if err != nil {
		client.Close()
		return nil, err
	}

	broker := events.NewBroker()
	env := &executor.Env{
		Reader:    reader,
		Batcher:   batcher,
		Builder:   instruction.NewBuilder(instance, feePayer.PublicKey(), rentPayer.PublicKey()),
		Submitter: ledger.NewSubmitter(client, c.Simulate),
		Clock:     clk,
		Limit:     c.Limit,
		Pause:     c.Pause,
		Events:    broker,
	}
	broker.Start()

	log.Logger.Info().
		Str("rpc", c.RPC.URL).
		Str("commitment", c.RPC.Commitment).
		Str("instance", instance.String()).
		Str("fee_payer", feePayer.PublicKey().String()).
		Str("rent_payer", rentPayer.PublicKey().String()).
		Bool("simulate", c.Simulate).
		Uint32("limit", c.Limit).
		Msg("Controller configured")

	return &app{
		client:    client,
		reader:    reader,
		broker:    broker,
		scheduler: scheduler.NewScheduler(env, schedCfg),
	}, nil
}

// checkRentPayer rejects a rent payer that exists under a program other
// than the system program. An unfunded key is accepted.
func checkRentPayer(ctx context.Context, reader *ledger.Reader, key types.Key) error {
	err := reader.CheckOwner(ctx, key, ledger.SystemProgram)
	if err == nil || errors.Is(err, ledger.ErrAccountNotFound) {
		return nil
	}
	return fmt.Errorf("rent payer must be a system account: %w", err)
}
