package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the engine configuration file looked up in the config
// directory.
const ConfigFileName = "inkwell.yaml"

// ErrConfigNotFound is returned when the configuration file is missing.
var ErrConfigNotFound = errors.New("configuration file not found")

// Initialize loads, merges and validates the engine configuration. A missing
// file yields the built-in defaults; a present file is decoded strictly
// (unknown keys are a startup error) and merged over the defaults.
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg := DefaultConfig()

	loaded, err := load(configDir)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			log.Info("No configuration file, using built-in defaults")
		} else {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
	} else {
		// User values override the defaults; unset keys keep them.
		if err := mergo.Merge(cfg, loaded, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"providers", len(cfg.Providers),
		"agent_overrides", len(cfg.Agents))
	return cfg, nil
}

// load reads and strictly decodes inkwell.yaml.
func load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, err
	}

	data = expandEnv(data)

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return &cfg, nil
}

// expandEnv substitutes {{ .VAR }} references with environment values. On
// template errors the original data passes through so the YAML parser can
// produce a clearer message.
func expandEnv(data []byte) []byte {
	tmpl, err := template.New(ConfigFileName).Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, pair := range os.Environ() {
		if key, value, ok := strings.Cut(pair, "="); ok {
			env[key] = value
		}
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, env); err != nil {
		return data
	}
	return out.Bytes()
}
