package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/hylla/trellis/internal/telemetry"
)

// Environment variables that override file values.
const (
	EnvConfigPath = "TRELLIS_CONFIG"
	EnvDBPath     = "TRELLIS_DB_PATH"
	EnvHTTPAddr   = "TRELLIS_HTTP_ADDR"
	EnvLogLevel   = "TRELLIS_LOG_LEVEL"
	EnvJWTSecret  = "TRELLIS_JWT_SECRET"
	EnvTracing    = "TRELLIS_TRACING"
)

// Config is the full runtime configuration.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Server   ServerConfig   `toml:"server"`
	Logging  LoggingConfig  `toml:"logging"`
	Auth     AuthConfig     `toml:"auth"`
	Views    ViewsConfig    `toml:"views"`
	Cache    CacheConfig    `toml:"cache"`
	Tracing  TracingConfig  `toml:"tracing"`
	Stages   StagesConfig   `toml:"stages"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// ServerConfig holds HTTP listener settings. Durations use time.ParseDuration syntax.
type ServerConfig struct {
	Addr            string `toml:"addr"`
	APIPrefix       string `toml:"api_prefix"`
	MCPPath         string `toml:"mcp_path"`
	ReadTimeout     string `toml:"read_timeout"`
	WriteTimeout    string `toml:"write_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	EnableMCP       bool   `toml:"enable_mcp"`
}

type LoggingConfig struct {
	Level   string        `toml:"level"`
	DevFile DevFileConfig `toml:"dev_file"`
}

type DevFileConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// AuthConfig selects how request callers are identified.
type AuthConfig struct {
	JWTSecret           string `toml:"jwt_secret"`
	JWTIssuer           string `toml:"jwt_issuer"`
	AllowHeaderIdentity bool   `toml:"allow_header_identity"`
}

type ViewsConfig struct {
	DefaultPageSize int `toml:"default_page_size"`
	MaxPageSize     int `toml:"max_page_size"`
}

type CacheConfig struct {
	StageTTL string `toml:"stage_ttl"`
}

type TracingConfig struct {
	Enabled      bool    `toml:"enabled"`
	Exporter     string  `toml:"exporter"` // none | stdout | otlp
	OTLPEndpoint string  `toml:"otlp_endpoint"`
	SampleRate   float64 `toml:"sample_rate"`
}

// StagesConfig lists the system stages seeded at startup.
type StagesConfig struct {
	System []string `toml:"system"`
}

// Default returns the built-in configuration for a database path.
func Default(dbPath string) Config {
	return Config{
		Database: DatabaseConfig{
			Path: dbPath,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:7420",
			APIPrefix:       "/api/v1",
			MCPPath:         "/mcp",
			ReadTimeout:     "15s",
			WriteTimeout:    "30s",
			ShutdownTimeout: "10s",
			EnableMCP:       true,
		},
		Logging: LoggingConfig{
			Level: "info",
			DevFile: DevFileConfig{
				Enabled: true,
				Dir:     ".trellis/log",
			},
		},
		Views: ViewsConfig{
			DefaultPageSize: 50,
			MaxPageSize:     500,
		},
		Cache: CacheConfig{
			StageTTL: "5m",
		},
		Tracing: TracingConfig{
			Exporter:   "none",
			SampleRate: 1,
		},
		Stages: StagesConfig{
			System: []string{"Open", "InProgress", "Completed"},
		},
	}
}

// Load reads a TOML file over defaults. A missing or empty file yields the defaults.
func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(content) == 0 {
		return cfg, cfg.Validate()
	}

	if err := toml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode toml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment overrides. lookup defaults to os.LookupEnv.
func (c Config) ApplyEnv(lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvDBPath); ok && strings.TrimSpace(v) != "" {
		c.Database.Path = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvHTTPAddr); ok && strings.TrimSpace(v) != "" {
		c.Server.Addr = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		c.Logging.Level = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvJWTSecret); ok && v != "" {
		c.Auth.JWTSecret = v
	}
	if v, ok := lookup(EnvTracing); ok && strings.TrimSpace(v) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", EnvTracing, err)
		}
		c.Tracing.Enabled = enabled
	}
	return c, c.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database path is required")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.APIPrefix, "/") {
		return fmt.Errorf("server.api_prefix must start with /: %q", c.Server.APIPrefix)
	}
	if !strings.HasPrefix(c.Server.MCPPath, "/") {
		return fmt.Errorf("server.mcp_path must start with /: %q", c.Server.MCPPath)
	}
	for name, raw := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"cache.stage_ttl":         c.Cache.StageTTL,
	} {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if _, err := charmLog.ParseLevel(strings.TrimSpace(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid logging.level: %q", c.Logging.Level)
	}
	if c.Views.DefaultPageSize <= 0 {
		return errors.New("views.default_page_size must be > 0")
	}
	if c.Views.MaxPageSize < c.Views.DefaultPageSize {
		return errors.New("views.max_page_size must be >= views.default_page_size")
	}
	switch strings.ToLower(strings.TrimSpace(c.Tracing.Exporter)) {
	case "", "none", "stdout":
	case "otlp":
		if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.OTLPEndpoint) == "" {
			return errors.New("tracing.otlp_endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("invalid tracing.exporter: %q", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0,1]: %v", c.Tracing.SampleRate)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 bytes")
	}
	seen := map[string]struct{}{}
	for idx, code := range c.Stages.System {
		code = strings.TrimSpace(code)
		if code == "" {
			return fmt.Errorf("stages.system[%d] is empty", idx)
		}
		if _, ok := seen[code]; ok {
			return fmt.Errorf("stages.system[%d] is duplicated: %s", idx, code)
		}
		seen[code] = struct{}{}
	}
	return nil
}

// ReadTimeoutDuration returns the parsed server read timeout.
func (c ServerConfig) ReadTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.ReadTimeout)
	return d
}

func (c ServerConfig) WriteTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.WriteTimeout)
	return d
}

func (c ServerConfig) ShutdownTimeoutDuration() time.Duration {
	d, _ := parseDuration(c.ShutdownTimeout)
	return d
}

// TTL returns the stage catalog cache lifetime; zero disables caching.
func (c CacheConfig) TTL() time.Duration {
	d, _ := parseDuration(c.StageTTL)
	return d
}

// Telemetry maps the tracing section onto the telemetry provider config.
func (c TracingConfig) Telemetry(serviceName string) telemetry.TracingConfig {
	return telemetry.TracingConfig{
		Enabled:      c.Enabled,
		Exporter:     strings.ToLower(strings.TrimSpace(c.Exporter)),
		OTLPEndpoint: strings.TrimSpace(c.OTLPEndpoint),
		SampleRate:   c.SampleRate,
		ServiceName:  serviceName,
	}
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", raw)
	}
	return d, nil
}

// EnsureConfigDir creates the parent directory of a config path.
func EnsureConfigDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
