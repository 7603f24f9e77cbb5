package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/leonletto/chatlink/internal/config"
)

// ConfigShowResult contains the resolved effective configuration.
type ConfigShowResult struct {
	ConfigFile string         `json:"config_file" yaml:"config_file"`
	Settings   map[string]any `json:"settings" yaml:"settings"`

	// Overrides lists active CHATLINK_* environment variables.
	Overrides []string `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// ConfigShow collects the effective configuration with credentials masked.
// v must already have been passed through config.Load.
func ConfigShow(v *viper.Viper, s *config.Settings) *ConfigShowResult {
	result := &ConfigShowResult{
		ConfigFile: s.ConfigFile,
		Settings:   config.Redacted(v),
	}
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "CHATLINK_") {
			result.Overrides = append(result.Overrides, name)
		}
	}
	sort.Strings(result.Overrides)
	return result
}

// FormatConfigShow renders the result as YAML.
func FormatConfigShow(result *ConfigShowResult) (string, error) {
	var output strings.Builder
	if result.ConfigFile == "" {
		output.WriteString("# no config file, using defaults and environment\n")
	} else {
		output.WriteString(fmt.Sprintf("# config file: %s\n", result.ConfigFile))
	}
	for _, name := range result.Overrides {
		output.WriteString(fmt.Sprintf("# env override: %s\n", name))
	}
	data, err := yaml.Marshal(result.Settings)
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	output.Write(data)
	return output.String(), nil
}
