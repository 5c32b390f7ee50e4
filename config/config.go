// Package config holds the tuner configuration and the on-disk layout of a
// page's language models, features and decode results.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned by Validate for unusable configurations.
var ErrInvalid = errors.New("invalid config")

// Scorer backends.
const (
	BackendKaldi  = "kaldi"
	BackendNative = "native"
)

// compute-wer scoring modes.
const (
	ModePresent = "present"
	ModeAll     = "all"
	ModeStrict  = "strict"
)

// Config is the full tuner configuration.
type Config struct {
	LMRoot     string `yaml:"lm_root"`
	WorkPrefix string `yaml:"work_prefix"`
	UtilsDir   string `yaml:"utils_dir"`
	TextDir    string `yaml:"text_dir"`
	TmpDir     string `yaml:"tmp_dir"`

	Decoder DecoderConfig `yaml:"decoder"`
	Scorer  ScorerConfig  `yaml:"scorer"`
	Search  SearchConfig  `yaml:"search"`

	Jobs          int           `yaml:"jobs"`           // orders optimized concurrently
	TrialTimeout  time.Duration `yaml:"trial_timeout"`  // 0 = no limit
	Journal       string        `yaml:"journal"`        // empty = <work>/decode/trials.db
	MetricsFile   string        `yaml:"metrics_file"`   // Prometheus textfile, empty = off
	KeepArtifacts bool          `yaml:"keep_artifacts"` // keep per-trial .hyp/.ali files
}

// DecoderConfig describes the decode-faster-mapped invocation.
type DecoderConfig struct {
	Binary       string   `yaml:"binary"`
	Verbose      int      `yaml:"verbose"`
	AllowPartial bool     `yaml:"allow_partial"`
	ExtraArgs    []string `yaml:"extra_args"`
}

// ScorerConfig selects how a hypothesis is scored against the reference.
type ScorerConfig struct {
	Backend string `yaml:"backend"` // "kaldi" or "native"
	Binary  string `yaml:"binary"`
	Mode    string `yaml:"mode"` // present, all, strict
}

// SearchConfig controls the per-order Nelder-Mead search.
type SearchConfig struct {
	MinOrder       int       `yaml:"min_order"`
	MaxOrder       int       `yaml:"max_order"`
	Initial        []float64 `yaml:"initial"` // [acoustic scale, beam]
	XATol          float64   `yaml:"xatol"`
	FATol          float64   `yaml:"fatol"`
	Window         int       `yaml:"window"`          // major iterations the simplex must stay within tolerance
	MaxEvaluations int       `yaml:"max_evaluations"` // 0 = 200*dim
	MaxIterations  int       `yaml:"max_iterations"`  // 0 = 200*dim
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LMRoot:     "LM",
		WorkPrefix: "work",
		UtilsDir:   "./utils",
		TextDir:    "data/text",
		TmpDir:     "/tmp",
		Decoder: DecoderConfig{
			Binary:       "decode-faster-mapped",
			Verbose:      2,
			AllowPartial: true,
		},
		Scorer: ScorerConfig{
			Backend: BackendKaldi,
			Binary:  "compute-wer",
			Mode:    ModePresent,
		},
		Search: SearchConfig{
			MinOrder: 3,
			MaxOrder: 14,
			Initial:  []float64{2.5, 25},
			XATol:    1e-8,
			FATol:    1e-4,
			Window:   20,
		},
		Jobs: 1,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration can drive a tuning run.
func (c Config) Validate() error {
	s := c.Search
	switch {
	case s.MinOrder < 1:
		return fmt.Errorf("%w: min_order %d < 1", ErrInvalid, s.MinOrder)
	case s.MaxOrder < s.MinOrder:
		return fmt.Errorf("%w: max_order %d < min_order %d", ErrInvalid, s.MaxOrder, s.MinOrder)
	case len(s.Initial) != 2:
		return fmt.Errorf("%w: initial point needs 2 values (acoustic scale, beam), got %d", ErrInvalid, len(s.Initial))
	case s.XATol <= 0 || s.FATol <= 0:
		return fmt.Errorf("%w: tolerances must be positive", ErrInvalid)
	case s.Window < 1:
		return fmt.Errorf("%w: window %d < 1", ErrInvalid, s.Window)
	case s.MaxEvaluations < 0 || s.MaxIterations < 0:
		return fmt.Errorf("%w: negative evaluation or iteration limit", ErrInvalid)
	case c.Jobs < 1:
		return fmt.Errorf("%w: jobs %d < 1", ErrInvalid, c.Jobs)
	case c.TrialTimeout < 0:
		return fmt.Errorf("%w: negative trial_timeout", ErrInvalid)
	case c.Decoder.Binary == "":
		return fmt.Errorf("%w: empty decoder binary", ErrInvalid)
	}

	switch c.Scorer.Backend {
	case BackendKaldi:
		if c.Scorer.Binary == "" {
			return fmt.Errorf("%w: empty scorer binary", ErrInvalid)
		}
	case BackendNative:
	default:
		return fmt.Errorf("%w: unknown scorer backend %q", ErrInvalid, c.Scorer.Backend)
	}

	switch c.Scorer.Mode {
	case ModePresent, ModeAll, ModeStrict:
	default:
		return fmt.Errorf("%w: unknown scoring mode %q", ErrInvalid, c.Scorer.Mode)
	}
	return nil
}

// Orders returns the model orders to tune, in ascending order.
func (c Config) Orders() []int {
	orders := make([]int, 0, c.Search.MaxOrder-c.Search.MinOrder+1)
	for o := c.Search.MinOrder; o <= c.Search.MaxOrder; o++ {
		orders = append(orders, o)
	}
	return orders
}

// Layout returns the path layout for this configuration.
func (c Config) Layout() Layout {
	return Layout{
		LMRoot:     c.LMRoot,
		WorkPrefix: c.WorkPrefix,
		UtilsDir:   c.UtilsDir,
		TextDir:    c.TextDir,
		TmpDir:     c.TmpDir,
	}
}
