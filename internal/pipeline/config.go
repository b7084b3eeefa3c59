package pipeline

import "time"

// Config controls which pipeline stages run and how hard the service may
// be driven. It is runtime-mutable through UpdateConfiguration.
type Config struct {
	EnableConnectionExpansion   bool          `json:"enableConnectionExpansion"`
	EnableRiskScoring           bool          `json:"enableRiskScoring"`
	EnableAutoResponse          bool          `json:"enableAutoResponse"`
	MaxConcurrentProcessing     int           `json:"maxConcurrentProcessing"`
	ProcessingTimeout           time.Duration `json:"-"`
	MinRiskThresholdForResponse float64       `json:"minRiskThresholdForResponse"`
}

// DefaultConfig returns the production processing bounds.
func DefaultConfig() Config {
	return Config{
		EnableConnectionExpansion:   true,
		EnableRiskScoring:           true,
		EnableAutoResponse:          true,
		MaxConcurrentProcessing:     10,
		ProcessingTimeout:           300 * time.Second,
		MinRiskThresholdForResponse: 50.0,
	}
}

// Snapshot renders the configuration for API responses. The timeout is
// reported in seconds to match the update document format.
func (c Config) Snapshot() map[string]any {
	return map[string]any{
		"enableConnectionExpansion":   c.EnableConnectionExpansion,
		"enableRiskScoring":           c.EnableRiskScoring,
		"enableAutoResponse":          c.EnableAutoResponse,
		"maxConcurrentProcessing":     c.MaxConcurrentProcessing,
		"processingTimeout":           c.ProcessingTimeout.Seconds(),
		"minRiskThresholdForResponse": c.MinRiskThresholdForResponse,
	}
}

// asFloat coerces the numeric shapes a configuration value can arrive
// in. JSON decoding yields float64; direct callers may pass ints.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
