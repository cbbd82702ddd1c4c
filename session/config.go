package session

import "time"

// Config holds registry persistence parameters.
type Config struct {
	// Dir is the data directory holding the registry and snapshots.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`

	// SaveDebounce is the minimum interval between registry writes for
	// non-forced saves. Lifecycle changes always write immediately.
	SaveDebounce time.Duration `json:"save_debounce,omitempty" yaml:"save_debounce,omitempty"`

	// ActivityLimit bounds each session's activity log.
	ActivityLimit int `json:"activity_limit,omitempty" yaml:"activity_limit,omitempty"`

	// CompactionThreshold is the per-CLI message count at which a
	// session should be proactively compacted.
	CompactionThreshold int `json:"compaction_threshold,omitempty" yaml:"compaction_threshold,omitempty"`

	// PromptLimit bounds stored prompt copies.
	PromptLimit int `json:"prompt_limit,omitempty" yaml:"prompt_limit,omitempty"`
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		Dir:                 "data",
		SaveDebounce:        5 * time.Second,
		ActivityLimit:       50,
		CompactionThreshold: 30,
		PromptLimit:         200,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Dir != "" {
		c.Dir = source.Dir
	}
	if source.SaveDebounce > 0 {
		c.SaveDebounce = source.SaveDebounce
	}
	if source.ActivityLimit > 0 {
		c.ActivityLimit = source.ActivityLimit
	}
	if source.CompactionThreshold > 0 {
		c.CompactionThreshold = source.CompactionThreshold
	}
	if source.PromptLimit > 0 {
		c.PromptLimit = source.PromptLimit
	}
}
