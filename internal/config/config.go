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
	Identity    IdentityConfig            `json:"identity"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Backend     BackendConfig             `json:"backend"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	UserAgent     string `json:"user_agent"`
}

// IdentityConfig carries the doctor/business identity every session and
// mirror document is attributed to.
type IdentityConfig struct {
	DoctorOID   string `json:"doctor_oid"`
	BusinessOID string `json:"business_oid"`
	OwnerID     string `json:"owner_id"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
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

// BackendConfig points at the DocAssist completion service.
type BackendConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	// TimeoutMinutes bounds connecting and waiting for response headers.
	// It never cuts a streamed reply body.
	TimeoutMinutes int `json:"timeout_minutes"`
}

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

	if cfg.Backend.BaseURL == "" {
		return nil, fmt.Errorf("backend.base_url must be configured")
	}
	if cfg.Identity.DoctorOID == "" || cfg.Identity.BusinessOID == "" {
		return nil, fmt.Errorf("identity.doctor_oid and identity.business_oid must be configured")
	}

	return &cfg, nil
}
