package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration file for a workspace and resolves it.
// Lookup order: the explicit path when given, then
// {workspace}/.shogun/config/config.yaml. A missing file yields the
// defaults.
func Load(workspaceRoot, explicitPath string) (Config, error) {
	v := viper.New()

	defaults := Defaults()
	v.SetDefault("baseDir", defaults.BaseDir)
	v.SetDefault("historyDir", "")
	v.SetDefault("ashigaruCount", defaults.AshigaruCount)
	v.SetDefault("provider", defaults.Provider)
	v.SetDefault("models.default", defaults.Models.Default)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	v.SetDefault("tracing.sampleRate", defaults.Tracing.SampleRate)
	v.SetDefault("poll", false)

	path := explicitPath
	if path == "" {
		path = filepath.Join(workspaceRoot, ".shogun", "config", "config.yaml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
		if !missing {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		// No config file: run on defaults.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	// viper lowercases map keys; environment variable names are
	// case-sensitive, so the env map is decoded again from the raw file.
	if raw, readErr := os.ReadFile(path); readErr == nil { //nolint:gosec // G304: operator-supplied config path
		var doc struct {
			ProviderSpecific struct {
				Env map[string]string `yaml:"env"`
			} `yaml:"providerSpecific"`
		}
		if yaml.Unmarshal(raw, &doc) == nil && doc.ProviderSpecific.Env != nil {
			cfg.ProviderSpecific.Env = doc.ProviderSpecific.Env
		}
	}
	if err := cfg.Resolve(workspaceRoot); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
