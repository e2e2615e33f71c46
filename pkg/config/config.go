package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/gilchrisn/tractmodes/pkg/models"
)

// Config manages run configuration using Viper
type Config struct {
	v *viper.Viper
}

// NewConfig creates a new configuration with defaults
func NewConfig() *Config {
	v := viper.New()

	// Decomposition parameters
	v.SetDefault("decomposition.algorithm", "ica")
	v.SetDefault("decomposition.dim", 0)
	v.SetDefault("decomposition.sign_flip", true)
	v.SetDefault("decomposition.normalise", false)
	v.SetDefault("decomposition.wta", false)
	v.SetDefault("decomposition.wta_threshold", 2.0)

	// Dimensionality reduction (ICA only)
	v.SetDefault("pca.type", "migp")
	v.SetDefault("pca.components", 0)
	v.SetDefault("pca.migp_window", 0)
	v.SetDefault("pca.keep_mean", false)
	v.SetDefault("pca.random_seed", -1)

	// FastICA
	v.SetDefault("ica.max_iter", 200)
	v.SetDefault("ica.tol", 1e-4)
	v.SetDefault("ica.whiten", "unit-variance")
	v.SetDefault("ica.fun", "logcosh")
	v.SetDefault("ica.algorithm", "parallel")
	v.SetDefault("ica.random_state", -1)

	// NMF
	v.SetDefault("nmf.init", "nndsvd")
	v.SetDefault("nmf.alpha_w", 0.1)
	v.SetDefault("nmf.alpha_h", "same")
	v.SetDefault("nmf.l1_ratio", 1.0)
	v.SetDefault("nmf.beta_loss", "frobenius")
	v.SetDefault("nmf.tol", 1e-4)
	v.SetDefault("nmf.max_iter", 200)
	v.SetDefault("nmf.random_state", 1)
	v.SetDefault("nmf.solver", "cd")

	// Dual regression
	v.SetDefault("dualreg.n_cores", 1)

	// Output
	v.SetDefault("output.overwrite", false)

	// Logging parameters
	v.SetDefault("logging.level", "info")

	v.SetDefault("analysis.track_convergence", false)
	v.SetDefault("analysis.output_file", "convergence.jsonl")

	return &Config{v: v}
}

// LoadFromFile merges a hyperparameter file (yaml, json or toml) into the configuration
func (c *Config) LoadFromFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("hyperparameter config %s: %w", path, models.ErrInputMissing)
	}
	c.v.SetConfigFile(path)
	if err := c.v.MergeInConfig(); err != nil {
		return fmt.Errorf("reading hyperparameter config %s: %w", path, err)
	}
	return nil
}

// Set allows dynamic configuration changes
func (c *Config) Set(key string, value interface{}) {
	c.v.Set(key, value)
}

// Getters for decomposition parameters
func (c *Config) Algorithm() string      { return c.v.GetString("decomposition.algorithm") }
func (c *Config) Dim() int               { return c.v.GetInt("decomposition.dim") }
func (c *Config) SignFlip() bool         { return c.v.GetBool("decomposition.sign_flip") }
func (c *Config) Normalise() bool        { return c.v.GetBool("decomposition.normalise") }
func (c *Config) WTA() bool              { return c.v.GetBool("decomposition.wta") }
func (c *Config) WTAThreshold() float64  { return c.v.GetFloat64("decomposition.wta_threshold") }
func (c *Config) PCAType() string        { return strings.ToLower(c.v.GetString("pca.type")) }
func (c *Config) PCAComponents() int     { return c.v.GetInt("pca.components") }
func (c *Config) MIGPWindow() int        { return c.v.GetInt("pca.migp_window") }
func (c *Config) KeepMean() bool         { return c.v.GetBool("pca.keep_mean") }
func (c *Config) PCARandomSeed() int64   { return c.v.GetInt64("pca.random_seed") }
func (c *Config) NumCores() int          { return c.v.GetInt("dualreg.n_cores") }
func (c *Config) Overwrite() bool        { return c.v.GetBool("output.overwrite") }
func (c *Config) LogLevel() string       { return c.v.GetString("logging.level") }
func (c *Config) TrackConvergence() bool { return c.v.GetBool("analysis.track_convergence") }
func (c *Config) TrackingOutputFile() string {
	return c.v.GetString("analysis.output_file")
}

// ICAParams collects the FastICA hyperparameters
func (c *Config) ICAParams() ICAParams {
	return ICAParams{
		MaxIter:     c.v.GetInt("ica.max_iter"),
		Tol:         c.v.GetFloat64("ica.tol"),
		Whiten:      strings.ToLower(c.v.GetString("ica.whiten")),
		Fun:         strings.ToLower(c.v.GetString("ica.fun")),
		Algorithm:   strings.ToLower(c.v.GetString("ica.algorithm")),
		RandomState: c.v.GetInt64("ica.random_state"),
		Components:  c.Dim(),
	}
}

// NMFParams collects the NMF hyperparameters. An alpha_h of "same" mirrors alpha_w.
func (c *Config) NMFParams() (NMFParams, error) {
	p := NMFParams{
		Init:        strings.ToLower(c.v.GetString("nmf.init")),
		AlphaW:      c.v.GetFloat64("nmf.alpha_w"),
		L1Ratio:     c.v.GetFloat64("nmf.l1_ratio"),
		BetaLoss:    strings.ToLower(c.v.GetString("nmf.beta_loss")),
		Tol:         c.v.GetFloat64("nmf.tol"),
		MaxIter:     c.v.GetInt("nmf.max_iter"),
		RandomState: c.v.GetInt64("nmf.random_state"),
		Solver:      strings.ToLower(c.v.GetString("nmf.solver")),
		Components:  c.Dim(),
	}

	raw := c.v.Get("nmf.alpha_h")
	switch h := raw.(type) {
	case string:
		if strings.EqualFold(strings.TrimSpace(h), "same") {
			p.AlphaH = p.AlphaW
			p.AlphaHSame = true
			break
		}
		var f float64
		if _, err := fmt.Sscanf(h, "%g", &f); err != nil {
			return p, fmt.Errorf("nmf.alpha_h must be a number or \"same\", got %q", h)
		}
		p.AlphaH = f
	default:
		p.AlphaH = c.v.GetFloat64("nmf.alpha_h")
	}
	return p, nil
}

// ICAParams are the recognised FastICA options
type ICAParams struct {
	MaxIter     int     `yaml:"max_iter"`
	Tol         float64 `yaml:"tol"`
	Whiten      string  `yaml:"whiten"`
	Fun         string  `yaml:"fun"`
	Algorithm   string  `yaml:"algorithm"`
	RandomState int64   `yaml:"random_state"` // negative means seeded from the clock
	Components  int     `yaml:"n_components"`
}

// NMFParams are the recognised NMF options
type NMFParams struct {
	Init        string  `yaml:"init"`
	AlphaW      float64 `yaml:"alpha_w"`
	AlphaH      float64 `yaml:"alpha_h"`
	AlphaHSame  bool    `yaml:"alpha_h_same"`
	L1Ratio     float64 `yaml:"l1_ratio"`
	BetaLoss    string  `yaml:"beta_loss"`
	Tol         float64 `yaml:"tol"`
	MaxIter     int     `yaml:"max_iter"`
	RandomState int64   `yaml:"random_state"`
	Solver      string  `yaml:"solver"`
	Components  int     `yaml:"n_components"`
}

// DefaultNumCores is the worker count used when n_cores is non-positive
func DefaultNumCores() int { return runtime.NumCPU() }

// CreateLogger creates a zerolog logger based on config. Output goes to
// stderr so that warnings never mix with machine-readable outputs.
func (c *Config) CreateLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}).Level(level).With().Timestamp().Str("service", "tractmodes").Logger()
}
