package stream

// Config holds interpreter parsing limits. All sizes are in bytes.
type Config struct {
	// LargeLineThreshold is the line size above which full JSON parsing
	// is bypassed in favor of bounded prefix/suffix scans.
	LargeLineThreshold int `json:"large_line_threshold,omitempty" yaml:"large_line_threshold,omitempty"`

	// ScanWindow bounds how much of an oversized line is inspected at
	// each end during the bypass scan.
	ScanWindow int `json:"scan_window,omitempty" yaml:"scan_window,omitempty"`

	// PreviewLimit caps recovered action argument previews.
	PreviewLimit int `json:"preview_limit,omitempty" yaml:"preview_limit,omitempty"`

	// MaxAccumulated caps the text retained per invocation. Text beyond
	// the cap still streams to the sink but is not accumulated.
	MaxAccumulated int `json:"max_accumulated,omitempty" yaml:"max_accumulated,omitempty"`

	// ToolOutputLimit caps echoed tool output blocks.
	ToolOutputLimit int `json:"tool_output_limit,omitempty" yaml:"tool_output_limit,omitempty"`
}

// DefaultConfig returns the default interpreter limits.
func DefaultConfig() Config {
	return Config{
		LargeLineThreshold: 50_000,
		ScanWindow:         10_000,
		PreviewLimit:       100,
		MaxAccumulated:     1_000_000,
		ToolOutputLimit:    800,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.LargeLineThreshold > 0 {
		c.LargeLineThreshold = source.LargeLineThreshold
	}
	if source.ScanWindow > 0 {
		c.ScanWindow = source.ScanWindow
	}
	if source.PreviewLimit > 0 {
		c.PreviewLimit = source.PreviewLimit
	}
	if source.MaxAccumulated > 0 {
		c.MaxAccumulated = source.MaxAccumulated
	}
	if source.ToolOutputLimit > 0 {
		c.ToolOutputLimit = source.ToolOutputLimit
	}
}
