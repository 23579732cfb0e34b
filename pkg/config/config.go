package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cuemby/rebalancer/pkg/batch"
	"github.com/cuemby/rebalancer/pkg/executor"
	"github.com/cuemby/rebalancer/pkg/keys"
	"github.com/cuemby/rebalancer/pkg/ledger/rpc"
	"github.com/cuemby/rebalancer/pkg/log"
	"github.com/cuemby/rebalancer/pkg/scheduler"
	"github.com/cuemby/rebalancer/pkg/types"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation problem
var ErrInvalid = errors.New("invalid configuration")

// RPC selects the ledger node
type RPC struct {
	URL        string `yaml:"url"`
	Commitment string `yaml:"commitment"`
}

// Log configures the global logger
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Journal configures the tick journal. An empty Dir disables it.
type Journal struct {
	Dir  string `yaml:"dir"`
	Keep int    `yaml:"keep"`
}

// Config is the rebalancer configuration file
type Config struct {
	RPC      RPC    `yaml:"rpc"`
	Instance string `yaml:"instance"`

	// Keypair file paths. RentPayer defaults to FeePayer, Manager is
	// only needed to request extra runs.
	FeePayer  string `yaml:"fee_payer"`
	RentPayer string `yaml:"rent_payer"`
	Manager   string `yaml:"manager"`

	Limit     uint32        `yaml:"limit"`
	Simulate  bool          `yaml:"simulate"`
	MaxRun    time.Duration `yaml:"max_run"`
	Interval  time.Duration `yaml:"interval"`
	Pause     time.Duration `yaml:"pause"`
	BatchSize int           `yaml:"batch_size"`

	UnsafeMargin   uint64        `yaml:"unsafe_margin"`
	MinMergeBudget time.Duration `yaml:"min_merge_budget"`
	Grace          time.Duration `yaml:"grace"`
	ExtraRuns      string        `yaml:"extra_runs"`

	Journal         Journal       `yaml:"journal"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	Log             Log           `yaml:"log"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	sched := scheduler.DefaultConfig()
	return &Config{
		RPC: RPC{
			URL:        "http://127.0.0.1:8899",
			Commitment: rpc.CommitmentConfirmed,
		},
		FeePayer:        "~/.config/solana/id.json",
		MaxRun:          sched.MaxRun,
		Interval:        sched.Interval,
		Pause:           executor.DefaultPause,
		BatchSize:       batch.DefaultMaxSize,
		UnsafeMargin:    sched.UnsafeMargin,
		MinMergeBudget:  sched.MinMergeBudget,
		Grace:           sched.Grace,
		ExtraRuns:       sched.ExtraRuns.String(),
		Journal:         Journal{Keep: 10000},
		MetricsAddr:     ":9090",
		MetricsInterval: 30 * time.Second,
		Log:             Log{Level: string(log.InfoLevel)},
	}
}

// Load reads path over the defaults. Unknown fields are errors.
func Load(path string) (*Config, error) {
	expanded, err := keys.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", expanded, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", expanded, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem at once
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.RPC.URL == "" {
		add("rpc.url is required")
	}
	switch c.RPC.Commitment {
	case rpc.CommitmentProcessed, rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
	default:
		add("rpc.commitment %q must be one of processed, confirmed, finalized", c.RPC.Commitment)
	}
	if c.Instance == "" {
		add("instance is required")
	} else if _, err := types.ParseKey(c.Instance); err != nil {
		add("instance: %v", err)
	}
	if c.FeePayer == "" {
		add("fee_payer is required")
	}
	if c.MaxRun < 0 {
		add("max_run must not be negative")
	}
	if c.Interval <= 0 {
		add("interval must be positive")
	}
	if c.Pause < 0 {
		add("pause must not be negative")
	}
	if c.BatchSize < 0 {
		add("batch_size must not be negative")
	}
	if c.MinMergeBudget < 0 {
		add("min_merge_budget must not be negative")
	}
	if c.Grace < 0 {
		add("grace must not be negative")
	}
	if _, err := scheduler.ParsePolicy(c.ExtraRuns); err != nil {
		add("extra_runs: %v", err)
	}
	if c.Journal.Keep < 0 {
		add("journal.keep must not be negative")
	}
	if c.MetricsInterval <= 0 {
		add("metrics_interval must be positive")
	}
	switch log.Level(strings.ToLower(c.Log.Level)) {
	case log.DebugLevel, log.InfoLevel, log.WarnLevel, log.ErrorLevel:
	default:
		add("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// InstanceKey parses the pool instance address
func (c *Config) InstanceKey() (types.Key, error) {
	return types.ParseKey(c.Instance)
}

// SchedulerConfig maps the file onto the scheduler settings
func (c *Config) SchedulerConfig(manager types.Key) (scheduler.Config, error) {
	policy, err := scheduler.ParsePolicy(c.ExtraRuns)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		UnsafeMargin:   c.UnsafeMargin,
		MinMergeBudget: c.MinMergeBudget,
		Grace:          c.Grace,
		ExtraRuns:      policy,
		Manager:        manager,
		Interval:       c.Interval,
		MaxRun:         c.MaxRun,
	}, nil
}

// LogConfig maps the file onto the logger settings
func (c *Config) LogConfig() log.Config {
	return log.Config{
		Level:      log.Level(strings.ToLower(c.Log.Level)),
		JSONOutput: c.Log.JSON,
	}
}
