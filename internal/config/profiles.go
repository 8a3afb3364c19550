package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadProfiles merges per-ashigaru profile strings from
// {baseDir}/config/profiles.yaml into the configuration. Profiles from
// the main config file win over the standalone file, so operators can
// override a shared profile set per workspace. A missing file is not an
// error.
func (c *Config) LoadProfiles() error {
	path := filepath.Join(c.BaseDir, "config", "profiles.yaml")
	data, err := os.ReadFile(path) //nolint:gosec // G304: path derived from config
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading profiles: %w", err)
	}

	var profiles map[string]string
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("decoding profiles %s: %w", path, err)
	}

	if c.AshigaruProfiles == nil {
		c.AshigaruProfiles = make(map[string]string, len(profiles))
	}
	for id, profile := range profiles {
		if _, overridden := c.AshigaruProfiles[id]; !overridden {
			c.AshigaruProfiles[id] = profile
		}
	}
	return nil
}
