// Package config loads yangd's YAML configuration file; cmd/yangd then
// applies its cobra flag overrides on top of the result, following the teacher's
// flags-plus-init-logging convention in cmd/warren/main.go, generalized
// from flags-only to a YAML file with flag overrides since a
// subscription engine daemon carries more settings than warren's CLI
// flags alone comfortably express.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LogConfig mirrors pkg/log.Config's fields for YAML loading.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is yangd's full daemon configuration.
type Config struct {
	DataDir             string   `yaml:"data_dir"`
	AdminAddr           string   `yaml:"admin_addr"`
	GRPCAddr            string   `yaml:"grpc_addr"`
	ObserverAddr        string   `yaml:"observer_addr"`
	EventStoreCapacity  int      `yaml:"event_store_capacity"`
	ReplayModules       []string `yaml:"replay_modules"`
	RetentionSchedule   string   `yaml:"retention_schedule"`
	RetentionPeriodText string   `yaml:"retention_period"`
	Log                 LogConfig `yaml:"log"`
}

// Default returns the configuration used when no file is given and no
// flag overrides apply.
func Default() Config {
	return Config{
		DataDir:             "./data",
		AdminAddr:           ":8080",
		GRPCAddr:            ":9090",
		ObserverAddr:        ":8081",
		EventStoreCapacity:  0,
		RetentionSchedule:   "0 3 * * *",
		RetentionPeriodText: "168h",
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// Load reads path as YAML over Default(); an empty path returns Default()
// unchanged. Unknown fields are ignored rather than rejected, since
// operators commonly carry forward a config file across versions.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// RetentionPeriod parses RetentionPeriodText, defaulting to 7 days if it
// is empty or malformed.
func (c Config) RetentionPeriod() time.Duration {
	if c.RetentionPeriodText == "" {
		return 7 * 24 * time.Hour
	}
	d, err := time.ParseDuration(c.RetentionPeriodText)
	if err != nil {
		return 7 * 24 * time.Hour
	}
	return d
}
