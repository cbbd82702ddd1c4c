package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentloop/engine/agent"
	"github.com/agentloop/engine/dispatch"
	"github.com/agentloop/engine/loop"
	"github.com/agentloop/engine/session"
)

const (
	defaultJanitorInterval = 30 * time.Second
	defaultListen          = "localhost:8420"
	defaultObserver        = "slog"
)

// Config holds initialization parameters for all engine subsystems.
// Each subsystem section delegates to that subsystem's config-driven
// constructor. Durations are nanosecond integers in config files.
type Config struct {
	Session  session.Config  `json:"session" yaml:"session"`
	Dispatch dispatch.Config `json:"dispatch" yaml:"dispatch"`
	Loop     loop.Config     `json:"loop" yaml:"loop"`

	// Agents overrides per-kind CLI settings, keyed by kind name.
	// Kinds without an entry run with their defaults.
	Agents map[string]agent.Config `json:"agents,omitempty" yaml:"agents,omitempty"`

	// Observer names the registered observer receiving engine events.
	Observer string `json:"observer,omitempty" yaml:"observer,omitempty"`

	// JanitorInterval is the cadence of the background flush and
	// memory-sampling pass.
	JanitorInterval time.Duration `json:"janitor_interval,omitempty" yaml:"janitor_interval,omitempty"`

	// Listen is the control-plane bind address.
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`

	// AuthToken guards the control plane. Empty leaves it open.
	AuthToken string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults for all
// subsystems.
func DefaultConfig() Config {
	return Config{
		Session:         session.DefaultConfig(),
		Dispatch:        dispatch.DefaultConfig(),
		Loop:            *loop.DefaultConfig(),
		Observer:        defaultObserver,
		JanitorInterval: defaultJanitorInterval,
		Listen:          defaultListen,
	}
}

// Merge applies non-zero values from source into c, delegating to each
// subsystem's Merge method.
func (c *Config) Merge(source *Config) {
	if source == nil {
		return
	}
	c.Session.Merge(&source.Session)
	c.Dispatch.Merge(&source.Dispatch)
	c.Loop.Merge(&source.Loop)

	if source.Observer != "" {
		c.Observer = source.Observer
	}
	if source.JanitorInterval > 0 {
		c.JanitorInterval = source.JanitorInterval
	}
	if source.Listen != "" {
		c.Listen = source.Listen
	}
	if source.AuthToken != "" {
		c.AuthToken = source.AuthToken
	}
	if len(source.Agents) > 0 {
		c.Agents = source.Agents
	}
}

// LoadConfig reads a config file, merges it with defaults, and returns
// the resulting Config. The extension selects the codec: .yaml and
// .yml parse as YAML, everything else as JSON.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &loaded)
	default:
		err = json.Unmarshal(data, &loaded)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}
