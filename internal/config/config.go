// Package config loads the server command's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the litecore-server configuration file.
type Config struct {
	// ListenAddr is the address the replication endpoint binds to.
	ListenAddr string `yaml:"listenAddr"`
	// DataPath is the database directory.
	DataPath string `yaml:"dataPath"`
	// MinimumFreeGB refuses to start below this free-space threshold.
	MinimumFreeGB int `yaml:"minimumFreeGB"`
	// MaxRevTreeDepth bounds document histories.
	MaxRevTreeDepth int `yaml:"maxRevTreeDepth"`
	// LogLevel is a logrus level name ("info", "debug", ...).
	LogLevel string `yaml:"logLevel"`
}

// Load reads a YAML config file and applies defaults.
func Load(path string) (Config, error) {
	var conf Config
	data, err := os.ReadFile(path)
	if err != nil {
		return conf, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("error parsing config file %s: %w", path, err)
	}

	if conf.ListenAddr == "" {
		conf.ListenAddr = ":4984"
	}
	if conf.DataPath == "" {
		conf.DataPath = "./data"
	}
	if conf.MaxRevTreeDepth == 0 {
		conf.MaxRevTreeDepth = 20
	}
	if conf.LogLevel == "" {
		conf.LogLevel = "info"
	}
	return conf, nil
}
