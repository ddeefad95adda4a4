package keyframe

import (
	"github.com/banshee-data/keyframe/internal/config"
	"github.com/banshee-data/keyframe/internal/monitoring"
)

// Option adjusts Factorize and CountCommonOrbitals.
type Option func(*settings)

type settings struct {
	tolStrict  float64
	tolTarget  float64
	maxCycle   int
	commonRtol float64
	commonAtol float64
	logger     monitoring.Logger
}

func newSettings(opts []Option) settings {
	s := settings{
		tolStrict:  config.DefaultTolStrict,
		tolTarget:  config.DefaultTolTarget,
		maxCycle:   config.DefaultMaxCycle,
		commonRtol: config.DefaultCommonRtol,
		commonAtol: config.DefaultCommonAtol,
		logger:     monitoring.NewLogger(monitoring.Warn),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithTolStrict sets the loose tolerance used for the skew check, the
// stall rule and the final consistency check.
func WithTolStrict(tol float64) Option { return func(s *settings) { s.tolStrict = tol } }

// WithTolTarget sets the diagonal-block error at which iteration stops.
func WithTolTarget(tol float64) Option { return func(s *settings) { s.tolTarget = tol } }

// WithMaxCycle bounds the number of refinement cycles.
func WithMaxCycle(n int) Option { return func(s *settings) { s.maxCycle = n } }

// WithCommonTolerance sets the isclose tolerances of CountCommonOrbitals.
func WithCommonTolerance(rtol, atol float64) Option {
	return func(s *settings) { s.commonRtol, s.commonAtol = rtol, atol }
}

// WithLogger routes diagnostics to l.
func WithLogger(l monitoring.Logger) Option { return func(s *settings) { s.logger = l } }

// WithTuning applies every value of cfg, including its verbosity.
func WithTuning(cfg *config.TuningConfig) Option {
	return func(s *settings) {
		s.tolStrict = cfg.GetTolStrict()
		s.tolTarget = cfg.GetTolTarget()
		s.maxCycle = cfg.GetMaxCycle()
		s.commonRtol = cfg.GetCommonRtol()
		s.commonAtol = cfg.GetCommonAtol()
		s.logger.Level = cfg.GetVerbose()
	}
}
