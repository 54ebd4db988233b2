package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	Gemini        GeminiConfig
	Query         QueryConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig describes the built-in default connection. Custom connections
// supplied per request override these values.
type DatabaseConfig struct {
	Server         string
	Port           int
	User           string
	Password       string
	DefaultSchema  string
	CACertPath     string
	ConnectTimeout time.Duration
}

type GeminiConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type QueryConfig struct {
	MaxRowsReturn int
	Timeout       time.Duration
	ExplainRows   int
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("SQLBRIDGE_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid SQLBRIDGE_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "SQLBRIDGE_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	// The deployment passes PORT (Cloud Run convention); SQLBRIDGE_HTTP_ADDR
	// wins when both are set.
	if raw, ok := lookup("PORT"); ok {
		port := strings.TrimSpace(raw)
		if _, err := strconv.Atoi(port); err != nil {
			return Config{}, fmt.Errorf("invalid PORT: %q", raw)
		}
		cfg.HTTP.Address = ":" + port
	}
	if err := applyString(lookup, "SQLBRIDGE_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SQLBRIDGE_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DB_SERVER", &cfg.Database.Server); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DB_PORT", &cfg.Database.Port); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DB_USER", &cfg.Database.User); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DB_PASSWORD", &cfg.Database.Password); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DB_NAME", &cfg.Database.DefaultSchema); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DB_CA_CERT", &cfg.Database.CACertPath); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "DB_CONNECT_TIMEOUT", &cfg.Database.ConnectTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "GEMINI_BASE_URL", &cfg.Gemini.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "GEMINI_API_KEY", &cfg.Gemini.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "GEMINI_MODEL", &cfg.Gemini.Model); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "GEMINI_TEMPERATURE", &cfg.Gemini.Temperature); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "GEMINI_TIMEOUT", &cfg.Gemini.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "MAX_ROWS_RETURN", &cfg.Query.MaxRowsReturn); err != nil {
		return Config{}, err
	}
	if err := applySeconds(lookup, "QUERY_TIMEOUT", &cfg.Query.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SQLBRIDGE_EXPLAIN_ROWS", &cfg.Query.ExplainRows); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "SQLBRIDGE_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "SQLBRIDGE_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Query.MaxRowsReturn <= 0 {
		return Config{}, fmt.Errorf("MAX_ROWS_RETURN must be positive")
	}
	if cfg.Query.Timeout <= 0 {
		return Config{}, fmt.Errorf("QUERY_TIMEOUT must be positive")
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "sqlbridge-api"},
		HTTP: HTTPConfig{
			Address:      ":8000",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Port:           3306,
			DefaultSchema:  "defaultdb",
			CACertPath:     "/app/ca.pem",
			ConnectTimeout: 10 * time.Second,
		},
		Gemini: GeminiConfig{
			BaseURL:     "https://generativelanguage.googleapis.com",
			Model:       "gemini-2.5-flash",
			Temperature: 0.1,
			Timeout:     30 * time.Second,
		},
		Query: QueryConfig{
			MaxRowsReturn: 1000,
			Timeout:       30 * time.Second,
			ExplainRows:   20,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18000"
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

// applySeconds parses a bare integer second count. The deployment supplies
// QUERY_TIMEOUT as "30", not "30s".
func applySeconds(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = time.Duration(value) * time.Second
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
