package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the top-level configuration for a fuzzing campaign.
// Values serve as defaults and can be overridden by command line flags.
type Config struct {
	// Target is the name of the parser under test (e.g. "json-decoder",
	// "cidrize-runner"). Must resolve via the corpus alias table.
	Target string `mapstructure:"target"`

	// Scheduler selects the seed scheduler kind: queue | heap | ucb_tree.
	Scheduler string `mapstructure:"scheduler"`

	// Mutator selects the mutation grammar: auto | json | ip.
	// "auto" infers the grammar from the target name.
	Mutator string `mapstructure:"mutator"`

	// Iterations is the maximum number of fuzzing iterations. Zero is a
	// literal budget of zero runs; negative means unset. Mutually exclusive
	// with Hours; at most one may be set.
	Iterations int `mapstructure:"iterations"`

	// Hours is the wall-clock budget for the campaign in hours.
	Hours float64 `mapstructure:"hours"`

	// Timeout is the per-run timeout in seconds.
	Timeout float64 `mapstructure:"timeout"`

	// RNGSeed is the optional RNG seed for reproducibility.
	// Negative means unseeded.
	RNGSeed int64 `mapstructure:"seed"`

	// Workers is the number of target workers. 1 selects the
	// single-worker loop; >1 selects the coordinator/worker path.
	Workers int `mapstructure:"workers"`

	// PromoteThreshold is the interestingness score above which a mutated
	// input is promoted into the scheduler as a discovered seed.
	// Negative means "use the path default" (0.5 single-worker, 0 multi).
	PromoteThreshold float64 `mapstructure:"promote_threshold"`

	// MinEnergy and MaxEnergy bound the power schedule output.
	MinEnergy int `mapstructure:"min_energy"`
	MaxEnergy int `mapstructure:"max_energy"`

	// CorpusDir is the directory holding manifest.json and the per-family
	// seed files.
	CorpusDir string `mapstructure:"corpus_dir"`

	// StorePath is the sqlite database path for the run store.
	StorePath string `mapstructure:"store_path"`

	LogLevel string `mapstructure:"log_level"`
	LogDir   string `mapstructure:"log_dir"`

	// Versions selects the registered implementation for each subsystem.
	Versions VersionConfig `mapstructure:"versions"`
}

// VersionConfig maps each subsystem to a registered implementation name.
// Empty selects the "base" version.
type VersionConfig struct {
	IsInteresting  string `mapstructure:"isinteresting"`
	Mutator        string `mapstructure:"mutator"`
	Parser         string `mapstructure:"parser"`
	PowerScheduler string `mapstructure:"power_scheduler"`
	SeedCorpus     string `mapstructure:"seed_corpus"`
}

// Default returns a Config populated with campaign defaults.
func Default() *Config {
	return &Config{
		Target:           "json-decoder",
		Scheduler:        "heap",
		Mutator:          "auto",
		Iterations:       -1,
		Hours:            0,
		Timeout:          10.0,
		RNGSeed:          -1,
		Workers:          1,
		PromoteThreshold: -1,
		MinEnergy:        1,
		MaxEnergy:        128,
		CorpusDir:        "seed_corpus",
		StorePath:        "fuzz_out/runs.db",
		LogLevel:         "info",
		LogDir:           "fuzz_out/logs",
	}
}

// Load reads configs/config.yaml (if present) over the defaults.
// A missing config file is not an error; flags and defaults still apply.
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath("../configs")
	v.AddConfigPath("../../configs")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate applies the fail-fast input checks from the error taxonomy:
// conflicting budgets and nonsensical numeric knobs are rejected before any
// state is touched.
func (c *Config) Validate() error {
	if c.Iterations >= 0 && c.Hours > 0 {
		return fmt.Errorf("iterations and hours are mutually exclusive; set at most one")
	}
	if c.Iterations < -1 {
		return fmt.Errorf("iterations must be >= 0 when set, got %d", c.Iterations)
	}
	if c.Hours < 0 {
		return fmt.Errorf("hours must be >= 0, got %v", c.Hours)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0, got %v", c.Timeout)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.MinEnergy < 1 {
		return fmt.Errorf("min_energy must be >= 1, got %d", c.MinEnergy)
	}
	if c.MaxEnergy < c.MinEnergy {
		return fmt.Errorf("max_energy must be >= min_energy, got %d < %d", c.MaxEnergy, c.MinEnergy)
	}
	switch c.Scheduler {
	case "queue", "heap", "ucb_tree":
	default:
		return fmt.Errorf("unknown scheduler kind %q (want queue, heap, or ucb_tree)", c.Scheduler)
	}
	switch c.Mutator {
	case "auto", "json", "ip":
	default:
		return fmt.Errorf("unknown mutator kind %q (want auto, json, or ip)", c.Mutator)
	}
	return nil
}

// EffectivePromoteThreshold resolves the promotion threshold for the given
// worker count. The multi-worker path intentionally promotes on any positive
// signal.
func (c *Config) EffectivePromoteThreshold() float64 {
	if c.PromoteThreshold >= 0 {
		return c.PromoteThreshold
	}
	if c.Workers > 1 {
		return 0
	}
	return 0.5
}
