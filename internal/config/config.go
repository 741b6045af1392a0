// Package config loads pipeline settings from a JSON file with embedded
// defaults, an environment path override, and optional hot reload.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"relay-compass/internal/nostr"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "COMPASS_CONFIG"

const defaultConfigPath = "config/compass.json"

// Config is the resolved runtime configuration. Durations and policy
// fields are already validated and defaulted; consumers never see the
// raw file shape.
type Config struct {
	BootstrapRelays    []string
	Timeout            time.Duration
	LimitPerConnection int
	TopN               int
	CacheTTL           time.Duration
	CachePath          string
	VerifySignatures   bool
}

// fileConfig is the JSON shape on disk. Pointers distinguish "absent"
// from zero so, for example, verifySignatures only turns off when the
// file says so explicitly.
type fileConfig struct {
	BootstrapRelays    []string `json:"bootstrapRelays"`
	TimeoutSeconds     *int     `json:"timeoutSeconds"`
	LimitPerConnection *int     `json:"limitPerConnection"`
	TopN               *int     `json:"topN"`
	CacheTTLMinutes    *int     `json:"cacheTTLMinutes"`
	CachePath          string   `json:"cachePath"`
	VerifySignatures   *bool    `json:"verifySignatures"`
}

var (
	current *Config
	mu      sync.RWMutex
	once    sync.Once
)

// Get returns the current configuration (thread-safe).
func Get() *Config {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if current == nil {
			current = loadFromFile()
		}
	})

	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Reload re-reads the configuration from file.
func Reload() error {
	newConfig := loadFromFile()
	mu.Lock()
	defer mu.Unlock()
	current = newConfig
	slog.Info("configuration reloaded",
		"bootstrap", len(newConfig.BootstrapRelays),
		"timeout", newConfig.Timeout,
		"topN", newConfig.TopN)
	return nil
}

func configPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	return defaultConfigPath
}

func loadFromFile() *Config {
	path := configPath()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", path)
		} else {
			slog.Warn("could not read config, using defaults", "path", path, "error", err)
		}
		return Default()
	}

	var file fileConfig
	if err := json.Unmarshal(data, &file); err != nil {
		slog.Error("invalid JSON in config, using defaults", "path", path, "error", err)
		return Default()
	}

	cfg := resolve(&file)
	slog.Info("loaded configuration",
		"path", path,
		"bootstrap", len(cfg.BootstrapRelays),
		"timeout", cfg.Timeout,
		"limit", cfg.LimitPerConnection,
		"topN", cfg.TopN)
	return cfg
}

// resolve turns the file shape into a Config, normalizing relay URLs
// and falling back to defaults for absent or out-of-range fields.
func resolve(file *fileConfig) *Config {
	cfg := Default()

	if len(file.BootstrapRelays) > 0 {
		var relays []string
		for _, raw := range file.BootstrapRelays {
			normalized := nostr.NormalizeRelayURL(raw)
			if normalized == "" {
				slog.Warn("dropping invalid bootstrap relay", "url", raw)
				continue
			}
			relays = append(relays, normalized)
		}
		cfg.BootstrapRelays = relays
	}
	if file.TimeoutSeconds != nil && *file.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(*file.TimeoutSeconds) * time.Second
	}
	if file.LimitPerConnection != nil && *file.LimitPerConnection > 0 {
		cfg.LimitPerConnection = *file.LimitPerConnection
	}
	if file.TopN != nil && *file.TopN > 0 {
		cfg.TopN = *file.TopN
	}
	if file.CacheTTLMinutes != nil && *file.CacheTTLMinutes > 0 {
		cfg.CacheTTL = time.Duration(*file.CacheTTLMinutes) * time.Minute
	}
	if file.CachePath != "" {
		cfg.CachePath = file.CachePath
	}
	if file.VerifySignatures != nil {
		cfg.VerifySignatures = *file.VerifySignatures
	}
	return cfg
}

// Default returns the embedded default configuration.
func Default() *Config {
	return &Config{
		BootstrapRelays: []string{
			"wss://purplepag.es",
			"wss://relay.nostr.band",
			"wss://relay.damus.io",
			"wss://relay.primal.net",
			"wss://nos.lol",
		},
		Timeout:            10 * time.Second,
		LimitPerConnection: 1000,
		TopN:               8,
		CacheTTL:           15 * time.Minute,
		VerifySignatures:   true,
	}
}
