// Package aliasing maps vendor ticker symbol formats onto canonical tickers.
//
// Exchanges and data vendors render the same listing differently: "BRK.B",
// "BRK-B" and "BRK B" all name Berkshire class B. Canonical tickers are plain
// alphanumeric, so inbound symbols pass through the resolver before
// normalization.
package aliasing

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tickerflow-io/tickerflow/internal/config"
)

type (
	// SymbolPattern maps a vendor symbol shape to a canonical template.
	// Pattern syntax:
	//   - {variable} captures a run of characters up to the next separator
	//   - {variable*} captures the rest of the symbol, separators included
	//   - Literal characters match exactly
	SymbolPattern struct {
		Pattern   string `yaml:"pattern"`
		Canonical string `yaml:"canonical"`
	}

	// Config holds symbol alias configuration loaded from .tickerflow.yaml.
	Config struct {
		// SymbolAliases maps exact vendor symbols to canonical tickers.
		// Checked before patterns; lookup is case-insensitive.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		SymbolAliases map[string]string `yaml:"symbol_aliases"`

		// SymbolPatterns are shape rules applied in order, first match wins.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		SymbolPatterns []SymbolPattern `yaml:"symbol_patterns"`
	}
)

// DefaultConfigPath is the default location for the symbol alias file.
const DefaultConfigPath = ".tickerflow.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "TICKERFLOW_ALIAS_CONFIG_PATH"

// DefaultConfig returns the built-in ruleset: share-class separators collapse
// into the canonical alphanumeric form (BRK.B, BRK-B and "BRK B" all resolve
// to BRKB).
func DefaultConfig() *Config {
	return &Config{
		SymbolPatterns: []SymbolPattern{
			{Pattern: "{base}.{class}", Canonical: "{base}{class}"},
			{Pattern: "{base}-{class}", Canonical: "{base}{class}"},
			{Pattern: "{base} {class}", Canonical: "{base}{class}"},
		},
	}
}

// LoadConfig loads symbol alias configuration from a YAML file.
//
// Behavior:
//   - Missing file returns the built-in default ruleset - a config file is optional
//   - Unreadable or invalid YAML logs a warning and returns the defaults
//   - A present, valid file replaces the defaults entirely
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Symbol alias file not found, using built-in rules",
				slog.String("path", path))

			return DefaultConfig(), nil
		}

		slog.Warn("Failed to read symbol alias file, using built-in rules",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultConfig(), nil
	}

	if len(data) == 0 {
		return DefaultConfig(), nil
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse symbol alias file, using built-in rules",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultConfig(), nil
	}

	if cfg.SymbolAliases == nil {
		cfg.SymbolAliases = make(map[string]string)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path in TICKERFLOW_ALIAS_CONFIG_PATH,
// falling back to ".tickerflow.yaml" in the working directory.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
