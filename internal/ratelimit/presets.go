// presets.go: Named per-endpoint-category default configurations. These are
// data, not behavior; deployments override them through the ConfigManager.
package ratelimit

import "time"

// Preset names for the platform's endpoint categories.
const (
	PresetAPIGeneral = "api_general"
	PresetAuth       = "auth"
	PresetBulkQuery  = "bulk_query"
	PresetAdmin      = "admin"
	PresetWebhook    = "webhook"
)

// DefaultPresets returns the default limiter configuration per endpoint
// category. Callers receive fresh copies; presets are never mutated in place.
func DefaultPresets() map[string]Config {
	return map[string]Config{
		PresetAPIGeneral: {
			Name:        PresetAPIGeneral,
			Algorithm:   AlgorithmSlidingWindow,
			Window:      time.Minute,
			Limit:       120,
			KeyPrefix:   "rl:api:",
			EmitHeaders: true,
		},
		PresetAuth: {
			Name:      PresetAuth,
			Algorithm: AlgorithmFixedWindow,
			Window:    15 * time.Minute,
			Limit:     10,
			KeyPrefix: "rl:auth:",
			// Quota details are withheld on successful auth calls so the
			// limiter reveals nothing to credential-stuffing probes.
			EmitHeaders: false,
		},
		PresetBulkQuery: {
			Name:        PresetBulkQuery,
			Algorithm:   AlgorithmTokenBucket,
			Window:      time.Minute,
			Limit:       30,
			KeyPrefix:   "rl:bulk:",
			EmitHeaders: true,
		},
		PresetAdmin: {
			Name:        PresetAdmin,
			Algorithm:   AlgorithmSlidingWindow,
			Window:      time.Minute,
			Limit:       60,
			KeyPrefix:   "rl:admin:",
			EmitHeaders: true,
		},
		PresetWebhook: {
			Name:        PresetWebhook,
			Algorithm:   AlgorithmTokenBucket,
			Window:      time.Second,
			Limit:       25,
			KeyPrefix:   "rl:hook:",
			EmitHeaders: true,
		},
	}
}
