package dispatch

// Config holds coordinator parameters.
type Config struct {
	// MinFreeMB is the admission floor: new agent processes are
	// refused below this much available memory. Agent CLIs routinely
	// use several hundred MB each.
	MinFreeMB int `json:"min_free_mb,omitempty" yaml:"min_free_mb,omitempty"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		MinFreeMB: 1024,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.MinFreeMB > 0 {
		c.MinFreeMB = source.MinFreeMB
	}
}
