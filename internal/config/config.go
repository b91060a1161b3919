// Package config loads stream client configuration from YAML files with environment variable
// substitution.
package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sonirico/streamclient"
)

// envPattern matches ${VAR} and ${VAR:-default}.
var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

// File is the on-disk layout: the client section plus the CLI settings.
type File struct {
	Stream streamclient.Config `yaml:"stream"`
	Token  string              `yaml:"token"`
	Log    LogConfig           `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() File {
	return File{
		Stream: streamclient.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadEnvFiles loads the env files that exist, in order, and returns the loaded ones. Variables
// already set in the environment are not overridden.
func LoadEnvFiles(envFiles []string) []string {
	var loaded []string
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err == nil {
			loaded = append(loaded, envFile)
		}
	}
	return loaded
}

// LoadFromFile reads a YAML file over Default, substituting environment variables first, and
// validates the stream section.
func LoadFromFile(configPath string) (File, error) {
	cleanPath := filepath.Clean(configPath)

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return File{}, errors.Errorf("invalid config file %s: only .yaml and .yml files are allowed", cleanPath)
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 - operator supplied path
	if err != nil {
		return File{}, errors.Wrapf(err, "failed to read config file %s", cleanPath)
	}

	return Parse(data)
}

// Parse decodes YAML content over Default.
func Parse(data []byte) (File, error) {
	cfg := Default()
	content := substituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return File{}, errors.Wrap(err, "failed to parse YAML config")
	}

	if err := cfg.Stream.Validate(); err != nil {
		return File{}, err
	}

	return cfg, nil
}

func substituteEnvVars(content string) string {
	return envPattern.ReplaceAllStringFunc(content, func(match string) string {
		submatches := envPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""
		if len(submatches) > 2 && submatches[2] != "" {
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}
