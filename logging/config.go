package logging

import (
	"os"
	"strings"
)

// Environment names accepted by Config.Environment.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// ConfigFromEnv layers PAD_* environment overrides over base, then fills
// whatever is still unset from the environment's defaults. The override
// order matches the rest of the server configuration: file values first,
// environment variables on top.
func ConfigFromEnv(base Config) Config {
	if v := os.Getenv("PAD_ENVIRONMENT"); v != "" {
		base.Environment = strings.ToLower(v)
	}
	if v := os.Getenv("PAD_LOG_LEVEL"); v != "" {
		base.Level = strings.ToLower(v)
	}
	if v := os.Getenv("PAD_LOG_FORMAT"); v != "" {
		base.Format = strings.ToLower(v)
	}
	if v := os.Getenv("PAD_LOG_ADD_SOURCE"); v != "" {
		base.AddSource = strings.ToLower(v) == "true"
	}

	if base.Environment == "" {
		base.Environment = EnvProduction
	}
	switch base.Environment {
	case EnvDevelopment, EnvTest:
		if base.Format == "" {
			base.Format = "text"
		}
		if base.Level == "" {
			base.Level = "debug"
		}
	default:
		if base.Format == "" {
			base.Format = "json"
		}
		if base.Level == "" {
			base.Level = "info"
		}
	}
	return base
}
