package am

import (
	"encoding/json"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/conductor/errors"
)

// Render serializes the config in the requested format: toml, yaml or json.
// The LLM API key is masked.
func Render(cfg *Config, format string) ([]byte, error) {
	masked := *cfg
	if masked.LLM.APIKey != "" {
		masked.LLM.APIKey = "********"
	}

	switch format {
	case "", "toml":
		return toml.Marshal(masked)
	case "yaml", "yml":
		return yaml.Marshal(masked)
	case "json":
		return json.MarshalIndent(masked, "", "  ")
	default:
		return nil, errors.NewInvalidRequestError("unsupported format %q (use toml, yaml or json)", format)
	}
}
