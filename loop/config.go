package loop

import "time"

// Config tunes loop pacing and bounds.
type Config struct {
	// StepLimit caps work steps per loop run.
	StepLimit int `json:"step_limit,omitempty" yaml:"step_limit,omitempty"`

	// ReviewPause is the pacing pause between the primary's output
	// and the reviewer call.
	ReviewPause time.Duration `json:"review_pause,omitempty" yaml:"review_pause,omitempty"`

	// StepPause is the pacing pause at the end of each iteration.
	StepPause time.Duration `json:"step_pause,omitempty" yaml:"step_pause,omitempty"`

	// RetryPause is the pause before retrying a failed reviewing
	// agent.
	RetryPause time.Duration `json:"retry_pause,omitempty" yaml:"retry_pause,omitempty"`

	// ReviewTimeout bounds one single-reviewer or audit consultation.
	ReviewTimeout time.Duration `json:"review_timeout,omitempty" yaml:"review_timeout,omitempty"`

	// CrossTimeout bounds one cross-review consultation. Cross-review
	// prompts are larger and the secondary edits files directly, so
	// the bound is looser.
	CrossTimeout time.Duration `json:"cross_timeout,omitempty" yaml:"cross_timeout,omitempty"`

	// QuotaSlice is the cancellation re-check interval inside quota
	// waits.
	QuotaSlice time.Duration `json:"quota_slice,omitempty" yaml:"quota_slice,omitempty"`

	// PlanFile is the plan artifact name relative to the work
	// directory.
	PlanFile string `json:"plan_file,omitempty" yaml:"plan_file,omitempty"`

	// PlanLimit caps plan bytes injected into reviewer prompts.
	PlanLimit int `json:"plan_limit,omitempty" yaml:"plan_limit,omitempty"`
}

// DefaultConfig returns the standard loop configuration.
func DefaultConfig() *Config {
	return &Config{
		StepLimit:     20,
		ReviewPause:   3 * time.Second,
		StepPause:     2 * time.Second,
		RetryPause:    5 * time.Second,
		ReviewTimeout: 300 * time.Second,
		CrossTimeout:  600 * time.Second,
		QuotaSlice:    30 * time.Second,
		PlanFile:      "PLAN.md",
		PlanLimit:     5000,
	}
}

// Merge overlays non-zero fields from source.
func (c *Config) Merge(source *Config) {
	if source == nil {
		return
	}
	if source.StepLimit > 0 {
		c.StepLimit = source.StepLimit
	}
	if source.ReviewPause > 0 {
		c.ReviewPause = source.ReviewPause
	}
	if source.StepPause > 0 {
		c.StepPause = source.StepPause
	}
	if source.RetryPause > 0 {
		c.RetryPause = source.RetryPause
	}
	if source.ReviewTimeout > 0 {
		c.ReviewTimeout = source.ReviewTimeout
	}
	if source.CrossTimeout > 0 {
		c.CrossTimeout = source.CrossTimeout
	}
	if source.QuotaSlice > 0 {
		c.QuotaSlice = source.QuotaSlice
	}
	if source.PlanFile != "" {
		c.PlanFile = source.PlanFile
	}
	if source.PlanLimit > 0 {
		c.PlanLimit = source.PlanLimit
	}
}
