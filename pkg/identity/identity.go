// Package identity persists the small JSON configuration file that gives
// this node a stable identifier across restarts: {"version":1,"uuid":...}.
// The uuid is the node's ownership identity — it is what HandoffDataset's
// peer acquisition and storage-pool owner markers compare against to
// decide whether a manifestation is locally or remotely owned. Grounded on
// the lazy-create-on-first-start behavior of the source material's
// VolumeService.startService, using google/uuid in place of the Python
// standard library's uuid4.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const configVersion = 1

// Config is the on-disk identity file contents.
type Config struct {
	Version int    `json:"version"`
	UUID    string `json:"uuid"`
}

// Load reads the identity file at path, creating it with a freshly
// generated uuid if it does not yet exist. This mirrors startService's
// "if the config file is missing, write one before reading it back"
// sequence rather than generating an identity purely in memory, so the
// node's identity survives a restart.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("identity: read %s: %w", path, err)
		}
		cfg := Config{Version: configVersion, UUID: uuid.NewString()}
		if err := write(path, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("identity: parse %s: %w", path, err)
	}
	if cfg.UUID == "" {
		return Config{}, fmt.Errorf("identity: %s has no uuid", path)
	}
	return cfg, nil
}

func write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("identity: create config directory: %w", err)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("identity: encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return nil
}
