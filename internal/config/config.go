package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendAuto     = "auto"
	BackendMemory   = "memory"
	BackendValkey   = "valkey"
	BackendPostgres = "postgres"
)

// Config holds runtime configuration.
type Config struct {
	Port     string `json:"port" yaml:"port"`
	Env      string `json:"env" yaml:"env"`
	LogLevel string `json:"log_level" yaml:"log_level"`

	StoreBackend   string `json:"store_backend" yaml:"store_backend"`
	ValkeyAddr     string `json:"valkey_addr" yaml:"valkey_addr"`
	ValkeyPassword string `json:"valkey_password" yaml:"valkey_password"`
	DatabaseURL    string `json:"database_url" yaml:"database_url"`

	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins"`

	AppSecret               string `json:"app_secret" yaml:"app_secret"`
	RequireParticipantToken bool   `json:"require_participant_token" yaml:"require_participant_token"`

	ProfileLookup     bool          `json:"profile_lookup" yaml:"profile_lookup"`
	LetterboxdBaseURL string        `json:"letterboxd_base_url" yaml:"letterboxd_base_url"`
	ProfileTimeout    time.Duration `json:"profile_timeout" yaml:"profile_timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:              "8080",
		Env:               "development",
		LogLevel:          "info",
		StoreBackend:      BackendAuto,
		ValkeyAddr:        "localhost:6379",
		ProfileLookup:     true,
		LetterboxdBaseURL: "https://letterboxd.com",
		ProfileTimeout:    5 * time.Second,
	}
}

// Load builds the configuration from defaults, then the optional file at path
// (YAML or JSON by extension), then environment variables.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		if err := loadFile(path, &c); err != nil {
			return Config{}, err
		}
	}
	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	if c.AppSecret == "" {
		c.AppSecret = ephemeralSecret()
		log.Warn().Msg("APP_SECRET not set, participant tokens will not survive a restart")
	}
	return c, nil
}

// Validate checks enumerated settings.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendAuto, BackendMemory, BackendValkey, BackendPostgres:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.StoreBackend == BackendPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("store backend postgres needs DATABASE_URL")
	}
	if c.Port == "" {
		return fmt.Errorf("port must be set")
	}
	return nil
}

// IsDevelopment reports whether console-friendly output should be used.
func (c Config) IsDevelopment() bool {
	return c.Env == "" || c.Env == "development"
}

// Addr is the listen address.
func (c Config) Addr() string {
	return ":" + c.Port
}

func loadFile(path string, c *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.NewDecoder(file).Decode(c); err != nil {
			return fmt.Errorf("failed to decode YAML config file %s: %w", path, err)
		}
		return nil
	}
	if err := json.NewDecoder(file).Decode(c); err != nil {
		return fmt.Errorf("failed to decode JSON config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.Env, "ENV")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.StoreBackend, "STORE_BACKEND")
	setString(&c.ValkeyAddr, "VALKEY_ADDR")
	setString(&c.ValkeyPassword, "VALKEY_PASSWORD")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.AppSecret, "APP_SECRET")
	setString(&c.LetterboxdBaseURL, "LETTERBOXD_BASE_URL")

	if s := os.Getenv("CORS_ALLOWED_ORIGINS"); s != "" {
		c.CORSAllowedOrigins = nil
		for _, p := range strings.Split(s, ",") {
			if v := strings.TrimSpace(p); v != "" {
				c.CORSAllowedOrigins = append(c.CORSAllowedOrigins, v)
			}
		}
	}
	if err := setBool(&c.RequireParticipantToken, "REQUIRE_PARTICIPANT_TOKEN"); err != nil {
		return err
	}
	if err := setBool(&c.ProfileLookup, "PROFILE_LOOKUP"); err != nil {
		return err
	}
	if s := os.Getenv("PROFILE_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("PROFILE_TIMEOUT: %w", err)
		}
		c.ProfileTimeout = d
	}
	c.StoreBackend = strings.ToLower(c.StoreBackend)
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = v
	return nil
}

func ephemeralSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		log.Warn().Err(err).Msg("failed to generate app secret")
		return "insecure-default"
	}
	return hex.EncodeToString(buf)
}
