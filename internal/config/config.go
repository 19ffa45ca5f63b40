// Package config loads the circulation service configuration from the environment,
// an optional .env file and an optional YAML policy file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Backends selectable with BACKEND.
const (
	BackendSupabase = "supabase"
	BackendPostgres = "postgres"
)

// Config is the process configuration.
type Config struct {
	SupabaseURL       string `env:"SUPABASE_URL"`
	SupabaseAnonKey   string `env:"SUPABASE_ANON_KEY"`
	SupabaseJWTSecret string `env:"SUPABASE_JWT_SECRET"`

	Backend     string `env:"BACKEND,default=supabase"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	HTTPAddr        string        `env:"HTTP_ADDR,default=:8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	LogFormat       string        `env:"LOG_FORMAT,default=json"`

	CORSAllowedOrigins string  `env:"CORS_ALLOWED_ORIGINS"`
	StaffUserIDs       string  `env:"STAFF_USER_IDS"`
	RateLimitRPS       float64 `env:"RATE_LIMIT_RPS,default=20"`
	RateLimitBurst     int     `env:"RATE_LIMIT_BURST,default=40"`
	RealtimeEnabled    bool    `env:"REALTIME_ENABLED,default=false"`

	PolicyFile string `env:"POLICY_FILE"`
	// Home is where the CLI keeps its session file.
	Home string `env:"LIBRARIAN_HOME"`

	Policy Policy
}

// Load reads .env (when present), decodes the environment and applies the policy
// file named by POLICY_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// LoadFile is Load with an explicit env file, which must exist.
func LoadFile(envFile string) (*Config, error) {
	if err := godotenv.Load(envFile); err != nil {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}
	return FromEnv()
}

// FromEnv decodes the current environment without touching .env files.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == "" {
		cfg.Backend = BackendSupabase
	}
	cfg.SupabaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.SupabaseURL), "/")

	cfg.Policy = DefaultPolicy()
	if cfg.PolicyFile != "" {
		policy, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Policy = *policy
	}

	return &cfg, nil
}

// Validate checks the settings every entry point needs.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSupabase:
		if c.SupabaseURL == "" {
			return errors.New("SUPABASE_URL is required")
		}
		if c.SupabaseAnonKey == "" {
			return errors.New("SUPABASE_ANON_KEY is required")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when BACKEND=postgres")
		}
	default:
		return fmt.Errorf("BACKEND must be %q or %q, got %q", BackendSupabase, BackendPostgres, c.Backend)
	}
	return c.Policy.Validate()
}

// ValidateGateway additionally checks what the HTTP gateway needs to verify
// Supabase access tokens and sign staff in.
func (c *Config) ValidateGateway() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.SupabaseJWTSecret == "" {
		return errors.New("SUPABASE_JWT_SECRET is required")
	}
	if c.SupabaseURL == "" || c.SupabaseAnonKey == "" {
		return errors.New("SUPABASE_URL and SUPABASE_ANON_KEY are required for staff sign-in")
	}
	return nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS.
func (c *Config) AllowedOrigins() []string {
	return splitCSV(c.CORSAllowedOrigins)
}

// StaffAllowlist merges STAFF_USER_IDS with the policy's staff user IDs.
func (c *Config) StaffAllowlist() []string {
	ids := splitCSV(c.StaffUserIDs)
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	for _, id := range c.Policy.StaffUserIDs {
		if _, ok := seen[id]; !ok {
			ids = append(ids, id)
			seen[id] = struct{}{}
		}
	}
	return ids
}

// SessionFile is where the CLI persists the staff session.
func (c *Config) SessionFile() (string, error) {
	home := c.Home
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, ".librarian")
	}
	return filepath.Join(home, "session.json"), nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
