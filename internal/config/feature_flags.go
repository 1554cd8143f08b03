package config

import (
	"os"
	"strconv"
)

// FeatureFlags holds optional-behavior flags, merged from a
// config/feature_flags.go and narrowed to sandbox mode, circuit
// breaker and monitoring — no JWT/rate-limiting/file-access-whitelist
// flags, since no authenticated HTTP API is in scope. No component
// branches on these flags; cmd/supervisor loads them but does not act
// on any of them.
type FeatureFlags struct {
	// Trade Engine (C7)
	SandboxMode      bool
	MaxPositionSize  float64

	// Circuit Breaker (C5) / AI Router (C6)
	CircuitBreakerEnabled bool
	MaxRetries            int

	// ambient
	MonitoringEnabled bool
}

// DefaultFeatureFlags returns flags for a single-operator deployment:
// sandboxed trading and circuit breaking on, monitoring on.
func DefaultFeatureFlags() *FeatureFlags {
	return &FeatureFlags{
		SandboxMode:     getEnvBool("SANDBOX_MODE", true),
		MaxPositionSize: getEnvFloat("MAX_POSITION_SIZE", 10000.0),

		CircuitBreakerEnabled: getEnvBool("FEATURE_CIRCUIT_BREAKER", true),
		MaxRetries:            getEnvInt("LLM_MAX_RETRIES", 3),

		MonitoringEnabled: getEnvBool("FEATURE_MONITORING", true),
	}
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// IsFeatureEnabled checks if a specific feature is enabled by name.
func (ff *FeatureFlags) IsFeatureEnabled(feature string) bool {
	switch feature {
	case "sandbox_mode":
		return ff.SandboxMode
	case "circuit_breaker":
		return ff.CircuitBreakerEnabled
	case "monitoring":
		return ff.MonitoringEnabled
	default:
		return false
	}
}
