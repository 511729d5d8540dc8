package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	// HistoryWindow caps how many recent messages the prompt builder includes.
	HistoryWindow int `json:"history_window"`
	// SnapshotLimit caps reference entities (customers, products, accounts)
	// embedded in the prompt, per entity kind.
	SnapshotLimit int `json:"snapshot_limit"`
	// ModelTimeout bounds a single model call, in seconds.
	ModelTimeout int `json:"model_timeout"`
	// SnapshotCacheTTL is the reference snapshot cache lifetime, in minutes.
	SnapshotCacheTTL int `json:"snapshot_cache_ttl"`
}

const (
	DefaultHistoryWindow = 10
	DefaultSnapshotLimit = 25
	DefaultModelTimeout  = 60
)

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	for name, db := range cfg.Databases {
		if db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}

	if cfg.BasicConfig.HistoryWindow <= 0 {
		cfg.BasicConfig.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.BasicConfig.SnapshotLimit <= 0 {
		cfg.BasicConfig.SnapshotLimit = DefaultSnapshotLimit
	}
	if cfg.BasicConfig.ModelTimeout <= 0 {
		cfg.BasicConfig.ModelTimeout = DefaultModelTimeout
	}

	return &cfg, nil
}
