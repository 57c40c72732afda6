package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Colors recognized for blue/green queue selection.
const (
	ColorBlue  = "blue"
	ColorGreen = "green"
)

// QueuesConfig declares the default compilation queue per color, with
// optional per-environment overrides.
type QueuesConfig struct {
	Defaults     map[string]string            `yaml:"defaults"`
	Environments map[string]map[string]string `yaml:"environments,omitempty"`
}

// ParseQueuesConfig parses queue config data from YAML bytes.
func ParseQueuesConfig(data []byte) (*QueuesConfig, error) {
	if len(data) == 0 {
		return nil, errors.New("queue config is empty")
	}
	var cfg QueuesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse queue config: %w", err)
	}
	if len(cfg.Defaults) == 0 {
		return nil, errors.New("queue config has no defaults")
	}
	for color := range cfg.Defaults {
		if color != ColorBlue && color != ColorGreen {
			return nil, fmt.Errorf("unknown queue color %q", color)
		}
	}
	for env, colors := range cfg.Environments {
		for color := range colors {
			if color != ColorBlue && color != ColorGreen {
				return nil, fmt.Errorf("unknown queue color %q for environment %s", color, env)
			}
		}
	}
	return &cfg, nil
}

// LoadQueuesConfig reads a YAML file declaring default queues per color.
func LoadQueuesConfig(path string) (*QueuesConfig, error) {
	if path == "" {
		return nil, errors.New("queue config path is empty")
	}
	// #nosec G304 -- queue config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queue config %s: %w", path, err)
	}
	return ParseQueuesConfig(data)
}

// DefaultQueue returns the default queue base name for an environment and
// color. Environment overrides win over the global defaults.
func (c *QueuesConfig) DefaultQueue(environment, color string) string {
	if c == nil {
		return ""
	}
	if colors, ok := c.Environments[environment]; ok {
		if name := colors[color]; name != "" {
			return name
		}
	}
	return c.Defaults[color]
}
