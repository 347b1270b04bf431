// File: internal/config/humanoid_config.go
// This file defines the HumanoidConfig struct, which holds the tunable
// parameters for human-like pacing: the pauses between actions, the cadence
// of typed characters and the hold time of simulated clicks.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// HumanoidConfig defines the bounded random delays used between interactions.
type HumanoidConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Pause between two high-level actions (clicks, fills, navigations).
	ActionDelayMin time.Duration `mapstructure:"action_delay_min" yaml:"action_delay_min"`
	ActionDelayMax time.Duration `mapstructure:"action_delay_max" yaml:"action_delay_max"`

	// Per-character typing cadence.
	KeyDelayMin time.Duration `mapstructure:"key_delay_min" yaml:"key_delay_min"`
	KeyDelayMax time.Duration `mapstructure:"key_delay_max" yaml:"key_delay_max"`

	// How long the primary button stays down during a click.
	ClickHoldMin time.Duration `mapstructure:"click_hold_min" yaml:"click_hold_min"`
	ClickHoldMax time.Duration `mapstructure:"click_hold_max" yaml:"click_hold_max"`

	// Number of intermediate pointer moves when approaching a click target.
	ApproachSteps int `mapstructure:"approach_steps" yaml:"approach_steps"`
}

func setHumanoidDefaults(v *viper.Viper) {
	v.SetDefault("humanoid.enabled", true)
	v.SetDefault("humanoid.action_delay_min", "200ms")
	v.SetDefault("humanoid.action_delay_max", "500ms")
	v.SetDefault("humanoid.key_delay_min", "30ms")
	v.SetDefault("humanoid.key_delay_max", "90ms")
	v.SetDefault("humanoid.click_hold_min", "40ms")
	v.SetDefault("humanoid.click_hold_max", "120ms")
	v.SetDefault("humanoid.approach_steps", 8)
}

// Validate checks that every delay range is well formed.
func (h *HumanoidConfig) Validate() error {
	ranges := []struct {
		name     string
		min, max time.Duration
	}{
		{"action_delay", h.ActionDelayMin, h.ActionDelayMax},
		{"key_delay", h.KeyDelayMin, h.KeyDelayMax},
		{"click_hold", h.ClickHoldMin, h.ClickHoldMax},
	}
	for _, r := range ranges {
		if r.min < 0 || r.max < r.min {
			return fmt.Errorf("%s range is invalid: min=%s max=%s", r.name, r.min, r.max)
		}
	}
	if h.ApproachSteps < 0 {
		return fmt.Errorf("approach_steps must not be negative")
	}
	return nil
}
