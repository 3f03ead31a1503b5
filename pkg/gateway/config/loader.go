package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	yaml "go.yaml.in/yaml/v2"
)

// loadFile reads the base config layer from a YAML or JSON file. If
// path is empty, VOICE_AGENT_CONFIG is consulted; if still empty,
// defaults are returned.
func loadFile(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("VOICE_AGENT_CONFIG")
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	ext := filepath.Ext(path)
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse json config: %w", err)
		}
		return cfg, nil
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml config: %w", err)
		}
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, &cfg); err == nil {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err == nil {
		return cfg, nil
	}
	return Config{}, fmt.Errorf("unsupported config format: %s", ext)
}
