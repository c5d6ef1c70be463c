// Package config loads service configuration from environment variables.
//
// Every runtime config struct in this repo declares `env` tags with
// COPLAY_SPACE_* variable names and applies its own code defaults after
// parsing, so ParseEnv stays a thin seam that tests can bypass entirely.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv populates target from environment variables using `env` tags.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
