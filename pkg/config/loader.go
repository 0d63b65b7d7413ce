package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/magnetar-io/magnetar/pkg/magerrors"
)

// Load reads a YAML config file, substitutes ${VAR} environment references,
// unmarshals it over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // G304: path is operator-supplied
	if err != nil {
		return cfg, magerrors.Wrap(err, magerrors.ErrorTypeConfig, "read config file").
			WithDetail("path", path)
	}

	content := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return cfg, magerrors.Wrap(err, magerrors.ErrorTypeConfig, "parse config file").
			WithDetail("path", path)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return magerrors.Wrap(err, magerrors.ErrorTypeConfig, "marshal config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec
		return magerrors.Wrap(err, magerrors.ErrorTypeConfig, "write config file").
			WithDetail("path", path)
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables become the empty string.
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		content = content[:start] + os.Getenv(varName) + content[end+1:]
	}
	return content
}
