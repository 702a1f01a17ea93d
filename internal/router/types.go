// Package router selects which model-serving backend executes a unit of
// work, under rolling per-backend hourly quotas and per-task-type
// preference orderings.
package router

import "time"

// availabilityThreshold is the fraction of the hourly ceiling a provider may
// consume and still be considered available. Above it, selection moves to
// the next preference.
const availabilityThreshold = 0.9

// ProviderConfig describes one backend and its rolling ceilings.
type ProviderConfig struct {
	Name string `yaml:"name" json:"name"`

	// HourlyRequests is the rolling request ceiling. Zero means unlimited.
	HourlyRequests int `yaml:"hourly_requests" json:"hourly_requests"`

	// HourlyTokens is the rolling token ceiling. Zero means unlimited.
	HourlyTokens int64 `yaml:"hourly_tokens" json:"hourly_tokens"`

	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
}

// Config is the externally supplied, slowly changing router configuration.
type Config struct {
	Providers []ProviderConfig `yaml:"providers" json:"providers"`

	// Preferences maps a task type to its ordered provider preference.
	// Task types without an entry fall back to declared provider order.
	Preferences map[string][]string `yaml:"preferences" json:"preferences"`
}

// Selection is the outcome of a routing decision.
type Selection struct {
	Provider string `json:"provider"`

	// Reason is a human-readable explanation for the choice.
	Reason string `json:"reason"`

	// Degraded is true when every preferred provider was over quota and the
	// first preference was returned anyway.
	Degraded bool `json:"degraded"`
}

// Status is a point-in-time view of one provider's quota state.
type Status struct {
	Provider          string        `json:"provider"`
	RequestsUsed      int           `json:"requests_used"`
	RequestLimit      int           `json:"request_limit"`
	TokensUsed        int64         `json:"tokens_used"`
	TokenLimit        int64         `json:"token_limit"`
	WindowResetAt     time.Time     `json:"window_reset_at"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	MeanLatency       time.Duration `json:"mean_latency"`
	Dispatches        uint64        `json:"dispatches"`
	Available         bool          `json:"available"`
}

// Prediction names the provider expected to have the most usable headroom
// after a horizon, combined with its reliability and latency score.
type Prediction struct {
	Provider string  `json:"provider"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason"`
}
