// Package config provides configuration types and defaults for the
// shogun coordinator.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultAshigaruCount is the fleet width when none is configured.
const DefaultAshigaruCount = 5

// Models selects the model per role; Default applies when a role has no
// override.
type Models struct {
	Default  string `mapstructure:"default" json:"default"`
	Shogun   string `mapstructure:"shogun" json:"shogun,omitempty"`
	Karou    string `mapstructure:"karou" json:"karou,omitempty"`
	Ashigaru string `mapstructure:"ashigaru" json:"ashigaru,omitempty"`
}

// ForRole resolves the model for a role name.
func (m Models) ForRole(role string) string {
	switch role {
	case "shogun":
		if m.Shogun != "" {
			return m.Shogun
		}
	case "karou":
		if m.Karou != "" {
			return m.Karou
		}
	case "ashigaru":
		if m.Ashigaru != "" {
			return m.Ashigaru
		}
	}
	return m.Default
}

// ProviderSpecific carries provider pass-through options.
type ProviderSpecific struct {
	Config                string            `mapstructure:"config" json:"config,omitempty"`
	Env                   map[string]string `mapstructure:"env" json:"env,omitempty"`
	ReasoningEffort       string            `mapstructure:"reasoningEffort" json:"reasoningEffort,omitempty"`
	AdditionalDirectories []string          `mapstructure:"additionalDirectories" json:"additionalDirectories,omitempty"`
}

// Server holds the transport surface options.
type Server struct {
	Port int `mapstructure:"port" json:"port"`
}

// Tracing configures the OpenTelemetry subsystem.
type Tracing struct {
	Enabled      bool    `mapstructure:"enabled" json:"enabled"`
	Exporter     string  `mapstructure:"exporter" json:"exporter,omitempty"`
	FilePath     string  `mapstructure:"filePath" json:"filePath,omitempty"`
	OTLPEndpoint string  `mapstructure:"otlpEndpoint" json:"otlpEndpoint,omitempty"`
	SampleRate   float64 `mapstructure:"sampleRate" json:"sampleRate,omitempty"`
}

// Config holds every option of the coordinator.
type Config struct {
	BaseDir          string            `mapstructure:"baseDir" json:"baseDir"`
	HistoryDir       string            `mapstructure:"historyDir" json:"historyDir"`
	AshigaruCount    int               `mapstructure:"ashigaruCount" json:"ashigaruCount"`
	Provider         string            `mapstructure:"provider" json:"provider"`
	Models           Models            `mapstructure:"models" json:"models"`
	ProviderSpecific ProviderSpecific  `mapstructure:"providerSpecific" json:"providerSpecific"`
	AshigaruProfiles map[string]string `mapstructure:"ashigaruProfiles" json:"ashigaruProfiles,omitempty"`
	Server           Server            `mapstructure:"server" json:"server"`
	Tracing          Tracing           `mapstructure:"tracing" json:"tracing"`
	Poll             bool              `mapstructure:"poll" json:"poll"`

	// WorkspaceRoot anchors relative directories; set by the loader,
	// never from the file.
	WorkspaceRoot string `mapstructure:"-" json:"-"`
}

// Defaults returns the baseline configuration.
func Defaults() Config {
	return Config{
		BaseDir:       ".shogun",
		HistoryDir:    ".shogun/history",
		AshigaruCount: DefaultAshigaruCount,
		Provider:      "mock",
		Models:        Models{Default: "sonnet"},
		Server:        Server{Port: 3000},
		Tracing:       Tracing{Exporter: "stdout", SampleRate: 1.0},
	}
}

// Resolve normalizes the configuration against the workspace root and
// validates it.
func (c *Config) Resolve(workspaceRoot string) error {
	if workspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving workspace root: %w", err)
		}
		workspaceRoot = wd
	}
	c.WorkspaceRoot = workspaceRoot

	if c.BaseDir == "" {
		c.BaseDir = ".shogun"
	}
	if !filepath.IsAbs(c.BaseDir) {
		c.BaseDir = filepath.Join(workspaceRoot, c.BaseDir)
	}
	if c.HistoryDir == "" {
		c.HistoryDir = filepath.Join(c.BaseDir, "history")
	} else if !filepath.IsAbs(c.HistoryDir) {
		c.HistoryDir = filepath.Join(workspaceRoot, c.HistoryDir)
	}

	if c.AshigaruCount <= 0 {
		c.AshigaruCount = DefaultAshigaruCount
	}
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}

// StatePath is the state store snapshot.
func (c Config) StatePath() string {
	return filepath.Join(c.BaseDir, "state.json")
}

// LogPath is the JSON-lines server log.
func (c Config) LogPath() string {
	return filepath.Join(c.BaseDir, "logs", "server.log")
}

// WaitsDir holds durable wait records.
func (c Config) WaitsDir() string {
	return filepath.Join(c.BaseDir, "waits", "pending")
}

// TmpDir is the per-agent scratch root.
func (c Config) TmpDir(agentID string) string {
	return filepath.Join(c.BaseDir, "tmp", agentID)
}

// RestartDir is the restart request queue root.
func (c Config) RestartDir() string {
	return filepath.Join(c.BaseDir, "tmp", "restart")
}
