package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models sceneforge.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"project" json:"project"`
	Pipeline Pipeline `yaml:"pipeline" json:"pipeline"`
	Style    Style    `yaml:"style" json:"style"`
	Checks   struct {
		Enabled []string `yaml:"enabled" json:"enabled"`
	} `yaml:"checks" json:"checks"`
}

// Pipeline holds the iteration engine budgets.
type Pipeline struct {
	MaxAttempts   int `yaml:"max_attempts" json:"max_attempts"`
	LeaseSeconds  int `yaml:"lease_seconds" json:"lease_seconds"`
	MaxDeliveries int `yaml:"max_deliveries" json:"max_deliveries"`
}

// Style is the default style bible, overridable per project via the
// style_bibles table.
type Style struct {
	POV            string   `yaml:"pov" json:"pov"`
	MinWordCount   int      `yaml:"min_word_count" json:"min_word_count"`
	MaxWordCount   int      `yaml:"max_word_count" json:"max_word_count"`
	ForbiddenWords []string `yaml:"forbidden_words" json:"forbidden_words"`
}

var knownChecks = map[string]bool{
	"continuity": true,
	"style":      true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "novel" {
		return fmt.Errorf("config.project.kind must be 'novel'")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("config.pipeline.max_attempts must be positive")
	}
	if c.Pipeline.LeaseSeconds <= 0 {
		return fmt.Errorf("config.pipeline.lease_seconds must be positive")
	}
	if c.Pipeline.MaxDeliveries <= 0 {
		return fmt.Errorf("config.pipeline.max_deliveries must be positive")
	}
	if len(c.Checks.Enabled) == 0 {
		return fmt.Errorf("config.checks.enabled is required")
	}
	for _, name := range c.Checks.Enabled {
		if !knownChecks[name] {
			return fmt.Errorf("unknown check %q", name)
		}
	}
	if c.Style.MinWordCount < 0 || c.Style.MaxWordCount < 0 {
		return fmt.Errorf("style word counts must not be negative")
	}
	if c.Style.MaxWordCount > 0 && c.Style.MinWordCount > c.Style.MaxWordCount {
		return fmt.Errorf("style.min_word_count exceeds style.max_word_count")
	}
	switch c.Style.POV {
	case "", "first", "third":
	default:
		return fmt.Errorf("style.pov must be first or third")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sceneforge.yml")
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, projectID)), &cfg)
	cfg.Project.ID = projectID
	cfg.Project.Kind = "novel"
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML serializes the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `project:
  id: %s
  kind: novel

pipeline:
  max_attempts: 3
  lease_seconds: 60
  max_deliveries: 3

style:
  pov: third
  min_word_count: 100
  max_word_count: 5000
  forbidden_words: []

checks:
  enabled: [continuity, style]
`
