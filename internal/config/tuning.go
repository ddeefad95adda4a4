package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/keyframe/internal/monitoring"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/keyframe.defaults.json"

// Built-in fallbacks used by the Get* accessors when a field is absent.
const (
	DefaultTolStrict       = 1e-8
	DefaultTolTarget       = 1e-10
	DefaultMaxCycle        = 100
	DefaultCommonRtol      = 1e-5
	DefaultCommonAtol      = 1e-8
	DefaultCIMeaningfulTol = 1e-6
	DefaultVerbose         = "warn"
)

// TuningConfig holds the numerical tolerances of the factorizer and the
// commonality metric. Fields are pointers so that a partial file leaves
// the remaining values at their defaults.
type TuningConfig struct {
	// Factorizer params
	TolStrict *float64 `json:"tol_strict,omitempty"`
	TolTarget *float64 `json:"tol_target,omitempty"`
	MaxCycle  *int     `json:"max_cycle,omitempty"`

	// Metric params
	CommonRtol      *float64 `json:"common_rtol,omitempty"`
	CommonAtol      *float64 `json:"common_atol,omitempty"`
	CIMeaningfulTol *float64 `json:"ci_meaningful_tol,omitempty"`

	// Diagnostics: quiet, error, warn, info or debug.
	Verbose *string `json:"verbose,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field set to its
// built-in default.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		TolStrict:       ptrFloat64(DefaultTolStrict),
		TolTarget:       ptrFloat64(DefaultTolTarget),
		MaxCycle:        ptrInt(DefaultMaxCycle),
		CommonRtol:      ptrFloat64(DefaultCommonRtol),
		CommonAtol:      ptrFloat64(DefaultCommonAtol),
		CIMeaningfulTol: ptrFloat64(DefaultCIMeaningfulTol),
		Verbose:         ptrString(DefaultVerbose),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,    // from cmd/
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	for name, v := range map[string]*float64{
		"tol_strict":        c.TolStrict,
		"tol_target":        c.TolTarget,
		"common_rtol":       c.CommonRtol,
		"common_atol":       c.CommonAtol,
		"ci_meaningful_tol": c.CIMeaningfulTol,
	} {
		if v != nil && !(*v >= 0) {
			return fmt.Errorf("%s must be non-negative, got %g", name, *v)
		}
	}
	if c.TolStrict != nil && *c.TolStrict == 0 {
		return fmt.Errorf("tol_strict must be positive")
	}
	if c.TolStrict != nil && c.TolTarget != nil && *c.TolTarget > *c.TolStrict {
		return fmt.Errorf("tol_target (%g) must not exceed tol_strict (%g)", *c.TolTarget, *c.TolStrict)
	}
	if c.MaxCycle != nil && *c.MaxCycle < 1 {
		return fmt.Errorf("max_cycle must be at least 1, got %d", *c.MaxCycle)
	}
	if c.Verbose != nil {
		if _, err := monitoring.ParseLevel(*c.Verbose); err != nil {
			return fmt.Errorf("invalid verbose: %w", err)
		}
	}
	return nil
}

// GetTolStrict returns the tol_strict value or the default.
func (c *TuningConfig) GetTolStrict() float64 {
	if c.TolStrict == nil {
		return DefaultTolStrict
	}
	return *c.TolStrict
}

// GetTolTarget returns the tol_target value or the default.
func (c *TuningConfig) GetTolTarget() float64 {
	if c.TolTarget == nil {
		return DefaultTolTarget
	}
	return *c.TolTarget
}

// GetMaxCycle returns the max_cycle value or the default.
func (c *TuningConfig) GetMaxCycle() int {
	if c.MaxCycle == nil {
		return DefaultMaxCycle
	}
	return *c.MaxCycle
}

// GetCommonRtol returns the common_rtol value or the default.
func (c *TuningConfig) GetCommonRtol() float64 {
	if c.CommonRtol == nil {
		return DefaultCommonRtol
	}
	return *c.CommonRtol
}

// GetCommonAtol returns the common_atol value or the default.
func (c *TuningConfig) GetCommonAtol() float64 {
	if c.CommonAtol == nil {
		return DefaultCommonAtol
	}
	return *c.CommonAtol
}

// GetCIMeaningfulTol returns the ci_meaningful_tol value or the default.
func (c *TuningConfig) GetCIMeaningfulTol() float64 {
	if c.CIMeaningfulTol == nil {
		return DefaultCIMeaningfulTol
	}
	return *c.CIMeaningfulTol
}

// GetVerbose returns the diagnostics level, falling back to warn on a
// missing or unparsable value.
func (c *TuningConfig) GetVerbose() monitoring.Level {
	if c.Verbose == nil {
		return monitoring.Warn
	}
	l, err := monitoring.ParseLevel(*c.Verbose)
	if err != nil {
		return monitoring.Warn
	}
	return l
}
