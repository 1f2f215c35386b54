package extract

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config extends the extractor table from a YAML file. Only generic top-level
// field names are configurable; the chat-completion extractors always run
// first.
//
// Example:
//
//	extra_fields:
//	  - response
//	  - output_text
type Config struct {
	ExtraFields []string `yaml:"extra_fields"`
}

// LoadTable builds a table from the default set plus the fields listed in the
// YAML file at path. An empty path returns the default table.
func LoadTable(path string) (*Table, error) {
	t := Default()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("extract: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("extract: parse config: %w", err)
	}
	t.AddFields(cfg.ExtraFields...)
	return t, nil
}
