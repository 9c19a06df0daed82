package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v2"
)

// Config is the process configuration, loaded from YAML with environment
// overrides.
type Config struct {
	Storage struct {
		Path     string `yaml:"path"`
		Database string `yaml:"database"`
	} `yaml:"storage"`
	API struct {
		Port string `yaml:"port"`
		Key  string `yaml:"key"`
	} `yaml:"api"`
	Limits struct {
		MaxUploadSize     int64 `yaml:"max_upload_size"`
		MaxFilenameLength int   `yaml:"max_filename_length"`
	} `yaml:"limits"`
}

// Load reads the config file named by CONFIG_PATH (default config.yaml) and
// falls back to defaults when it is missing. DEDUPSTORE_API_KEY always wins
// over the file.
func Load() *Config {
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}

	config := defaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		log.Printf("Failed to read config file, using defaults: %v", err)
	} else if err := yaml.Unmarshal(data, config); err != nil {
		log.Printf("Failed to parse config file, using defaults: %v", err)
		config = defaultConfig()
	}

	if envAPIKey := os.Getenv("DEDUPSTORE_API_KEY"); envAPIKey != "" {
		config.API.Key = envAPIKey
	}

	applyDefaults(config)
	return config
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.API.Key == "" {
		return fmt.Errorf("API key must be set via DEDUPSTORE_API_KEY or the config file")
	}
	if c.Limits.MaxUploadSize <= 0 {
		return fmt.Errorf("max_upload_size must be positive")
	}
	return nil
}

func defaultConfig() *Config {
	c := &Config{}
	applyDefaults(c)
	return c
}

func applyDefaults(c *Config) {
	if c.Storage.Path == "" {
		c.Storage.Path = "./storage"
	}
	if c.Storage.Database == "" {
		c.Storage.Database = "./catalog.db"
	}
	if c.API.Port == "" {
		c.API.Port = "8080"
	}
	if c.Limits.MaxUploadSize == 0 {
		c.Limits.MaxUploadSize = 1 << 30
	}
	if c.Limits.MaxFilenameLength == 0 {
		c.Limits.MaxFilenameLength = 255
	}
}
