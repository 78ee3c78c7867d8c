package phases

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load builds the phase configuration from defaults plus any overrides in v.
//
// Recognised keys:
//
//	gates.allow_rollback, gates.max_rollbacks_per_phase, gates.force_forward_threshold
//	phases.<phase>.max_iterations, phases.<phase>.pass_threshold, phases.<phase>.rollback_triggers
//
// Phase keys are matched case-insensitively (viper lowercases them).
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if v == nil {
		return cfg, nil
	}

	if v.IsSet("gates.allow_rollback") {
		cfg.Gates.AllowRollback = v.GetBool("gates.allow_rollback")
	}
	if v.IsSet("gates.max_rollbacks_per_phase") {
		cfg.Gates.MaxRollbacksPerPhase = v.GetInt("gates.max_rollbacks_per_phase")
	}
	if v.IsSet("gates.force_forward_threshold") {
		cfg.Gates.ForceForwardThreshold = v.GetInt("gates.force_forward_threshold")
	}

	for _, p := range cfg.Order {
		spec := cfg.Specs[p]
		prefix := "phases." + strings.ToLower(string(p)) + "."
		if v.IsSet(prefix + "max_iterations") {
			spec.MaxIterations = v.GetInt(prefix + "max_iterations")
		}
		if v.IsSet(prefix + "pass_threshold") {
			spec.PassThreshold = v.GetFloat64(prefix + "pass_threshold")
		}
		if v.IsSet(prefix + "rollback_triggers") {
			spec.RollbackTriggers = v.GetStringSlice(prefix + "rollback_triggers")
		}
	}

	if cfg.Gates.MaxRollbacksPerPhase < 0 {
		return nil, fmt.Errorf("gates.max_rollbacks_per_phase must not be negative")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid phase configuration: %w", err)
	}
	return cfg, nil
}
