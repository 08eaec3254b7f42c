package config

import (
	"io"

	"github.com/goccy/go-yaml"
)

// PromptOverrides lets operators replace the built-in pipeline prompts
// without rebuilding. Empty fields keep the compiled defaults.
type PromptOverrides struct {
	SystemPrompt  string `yaml:"system_prompt"`
	Intent        string `yaml:"intent"`
	QueryRewriter string `yaml:"query_rewriter"`
	Routing       string `yaml:"routing"`
	Thinking      string `yaml:"thinking"`
	Chat          string `yaml:"chat"`
}

// LoadPromptOverrides decodes a YAML prompt override file.
func LoadPromptOverrides(reader io.Reader, overrides *PromptOverrides) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(overrides); err != nil {
		return err
	}

	return nil
}
