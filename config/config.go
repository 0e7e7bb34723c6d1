// Package config handles loading and parsing repository configuration.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is the default path for the repository config file.
	DefaultConfigPath = ".github/recall.yml"

	// TriggerAuto triggers a review automatically on PR events.
	TriggerAuto = "auto"
	// TriggerOnRequest triggers a review only when requested.
	TriggerOnRequest = "on-request"
)

// Defaults for the llm and inline sections.
const (
	DefaultContextTokenBudget  = 100000
	DefaultChunkTokenBudget    = 30000
	DefaultMaxIterations       = 10
	DefaultConfidenceThreshold = 0.7
	DefaultMaxInlineComments   = 10
)

// ConfigParseError indicates a configuration file exists but contains invalid content.
// This is distinct from "file not found" errors, which should use default config.
type ConfigParseError struct {
	Path string
	Err  error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("invalid config at %s: %v", e.Path, e.Err)
}

func (e *ConfigParseError) Unwrap() error {
	return e.Err
}

// Config represents the repository configuration for the reviewer.
type Config struct {
	// Enabled determines if the reviewer is enabled for this repository.
	Enabled bool `yaml:"enabled"`
	// Trigger determines when reviews are triggered.
	// Valid values: "auto", "on-request"
	Trigger string `yaml:"trigger"`
	// Exclude is a list of glob patterns for files to skip during review.
	// Example: ["vendor/**", "*.gen.go", "docs/**"]
	Exclude []string `yaml:"exclude"`
	// Instructions provides custom guidance for the reviewer.
	Instructions string `yaml:"instructions"`
	// Rules toggles built-in rules by id. Rules not listed are enabled.
	Rules map[string]bool `yaml:"rules"`
	// LLM configures the agentic review loop.
	LLM LLMConfig `yaml:"llm"`
	// Inline configures which findings become line comments.
	Inline InlineConfig `yaml:"inline"`
	// Guide holds the repository's CLAUDE.md, if present.
	Guide string `yaml:"-"`
}

// LLMConfig configures the model and its budgets.
type LLMConfig struct {
	Model              string   `yaml:"model"`
	ContextTokenBudget int      `yaml:"context_token_budget"`
	ChunkTokenBudget   int      `yaml:"chunk_token_budget"`
	MaxIterations      int      `yaml:"max_iterations"`
	FocusAreas         []string `yaml:"focus_areas"`
}

// InlineConfig configures finding partitioning.
type InlineConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MaxComments         int     `yaml:"max_comments"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled: true,
		Trigger: TriggerAuto,
		LLM: LLMConfig{
			ContextTokenBudget: DefaultContextTokenBudget,
			ChunkTokenBudget:   DefaultChunkTokenBudget,
			MaxIterations:      DefaultMaxIterations,
		},
		Inline: InlineConfig{
			ConfidenceThreshold: DefaultConfidenceThreshold,
			MaxComments:         DefaultMaxInlineComments,
		},
	}
}

// FileFetcher reads a file from a repository. It returns "" for missing files.
type FileFetcher interface {
	FetchFileContent(ctx context.Context, installationID int64, owner, repo, path, ref string) (string, error)
}

// Loader loads configuration from repositories.
type Loader struct {
	client FileFetcher
}

// NewLoader creates a new config loader.
func NewLoader(client FileFetcher) *Loader {
	return &Loader{client: client}
}

// Load fetches and parses the config from a repository.
// If the config file doesn't exist, returns the default config.
// If the config file exists but is invalid, returns a ConfigParseError.
// Also fetches CLAUDE.md if present (checks root first, then .github/).
func (l *Loader) Load(ctx context.Context, installationID int64, owner, repo, ref string) (*Config, error) {
	content, err := l.client.FetchFileContent(ctx, installationID, owner, repo, DefaultConfigPath, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch config: %w", err)
	}

	var config *Config
	if content == "" {
		config = DefaultConfig()
	} else {
		config, err = Parse([]byte(content))
		if err != nil {
			return nil, &ConfigParseError{Path: DefaultConfigPath, Err: err}
		}
	}

	guide, err := l.client.FetchFileContent(ctx, installationID, owner, repo, "CLAUDE.md", ref)
	if err != nil {
		guide = ""
	}
	if guide == "" {
		guide, _ = l.client.FetchFileContent(ctx, installationID, owner, repo, ".github/CLAUDE.md", ref)
	}
	config.Guide = guide

	return config, nil
}

// Parse parses a config from YAML content.
func Parse(content []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(content, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate validates the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	switch c.Trigger {
	case TriggerAuto, TriggerOnRequest:
	case "":
		c.Trigger = TriggerAuto
	default:
		return fmt.Errorf("invalid trigger value: %s (must be 'auto' or 'on-request')", c.Trigger)
	}

	if c.LLM.ContextTokenBudget < 0 || c.LLM.ChunkTokenBudget < 0 || c.LLM.MaxIterations < 0 {
		return fmt.Errorf("llm budgets and max_iterations must not be negative")
	}
	if c.LLM.ContextTokenBudget == 0 {
		c.LLM.ContextTokenBudget = DefaultContextTokenBudget
	}
	if c.LLM.ChunkTokenBudget == 0 {
		c.LLM.ChunkTokenBudget = DefaultChunkTokenBudget
	}
	if c.LLM.MaxIterations == 0 {
		c.LLM.MaxIterations = DefaultMaxIterations
	}
	if c.LLM.ChunkTokenBudget > c.LLM.ContextTokenBudget {
		return fmt.Errorf("chunk_token_budget (%d) exceeds context_token_budget (%d)", c.LLM.ChunkTokenBudget, c.LLM.ContextTokenBudget)
	}

	if c.Inline.ConfidenceThreshold < 0 || c.Inline.ConfidenceThreshold > 1 {
		return fmt.Errorf("inline.confidence_threshold must be between 0 and 1, got %v", c.Inline.ConfidenceThreshold)
	}
	if c.Inline.MaxComments < 0 {
		return fmt.Errorf("inline.max_comments must not be negative")
	}

	return nil
}

// ShouldReviewOnEvent returns true if a review should be triggered for automatic events.
func (c *Config) ShouldReviewOnEvent() bool {
	return c.Enabled && c.Trigger == TriggerAuto
}

// RuleEnabled reports whether the rule with id is enabled. Unlisted rules are on.
func (c *Config) RuleEnabled(id string) bool {
	enabled, ok := c.Rules[id]
	return !ok || enabled
}

// ShouldExcludeFile returns true if the file path matches any exclude pattern.
func (c *Config) ShouldExcludeFile(path string) bool {
	for _, pattern := range c.Exclude {
		if strings.Contains(pattern, "**") {
			parts := strings.SplitN(pattern, "**", 2)
			prefix, suffix := parts[0], strings.TrimPrefix(parts[1], "/")
			if prefix == "" {
				// "**/*.pb.go" style: match the suffix against the basename.
				if matched, _ := filepath.Match(suffix, filepath.Base(path)); matched {
					return true
				}
			} else if strings.HasPrefix(path, prefix) || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
				if suffix == "" {
					return true
				}
				if matched, _ := filepath.Match(suffix, filepath.Base(path)); matched {
					return true
				}
			}
		}

		if matched, _ := filepath.Match(pattern, path); matched {
			return true
		}

		// Also try matching just the filename for patterns like "*.gen.go"
		if matched, _ := filepath.Match(pattern, filepath.Base(path)); matched {
			return true
		}
	}
	return false
}
