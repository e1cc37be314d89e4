// Package config provides the runtime defaults, validation, file loading and
// environment overrides for the chatrelay service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// AuthConfig controls token verification at WebSocket upgrade. An empty
// secret disables verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RedisConfig points the presence mirror at a Redis server. An empty Addr
// disables the mirror.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// NATSConfig points the relay event publisher at a NATS server. An empty URL
// disables publishing.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Name          string `yaml:"name"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// LogConfig selects logger level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds the complete service configuration.
type Config struct {
	Port            string          `yaml:"port"`
	NodeID          string          `yaml:"node_id"`
	AllowedOrigins  []string        `yaml:"allowed_origins"`
	MaxMessageSize  int64           `yaml:"max_message_size"`
	SendBufferSize  int             `yaml:"send_buffer_size"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Auth            AuthConfig      `yaml:"auth"`
	Redis           RedisConfig     `yaml:"redis"`
	NATS            NATSConfig      `yaml:"nats"`
	Log             LogConfig       `yaml:"log"`
}

const (
	defaultPort            = ":3001"
	defaultOrigin          = "http://localhost:5173"
	defaultMaxMessageSize  = 4096
	defaultSendBufferSize  = 256
	defaultBurst           = 10
	defaultShutdownTimeout = 10 * time.Second
	defaultPresenceTTL     = 60 * time.Second
	defaultKeyPrefix       = "chatrelay:"
	defaultSubjectPrefix   = "chatrelay"
)

// Default returns a Config populated with default values for all settings.
func Default() *Config {
	return &Config{
		Port:            defaultPort,
		AllowedOrigins:  []string{defaultOrigin},
		MaxMessageSize:  defaultMaxMessageSize,
		SendBufferSize:  defaultSendBufferSize,
		ShutdownTimeout: defaultShutdownTimeout,
		RateLimit: RateLimitConfig{
			Burst:          defaultBurst,
			RefillInterval: time.Second,
		},
		Redis: RedisConfig{
			KeyPrefix: defaultKeyPrefix,
			TTL:       defaultPresenceTTL,
		},
		NATS: NATSConfig{
			Name:          "chatrelay",
			SubjectPrefix: defaultSubjectPrefix,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}
	ApplyEnv(cfg)
	Sanitize(cfg)
	return cfg, nil
}

// Sanitize replaces zero or invalid values with defaults.
func Sanitize(cfg *Config) {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.NodeID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.NodeID = host
		} else {
			cfg.NodeID = "local"
		}
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = defaultKeyPrefix
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = defaultPresenceTTL
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = defaultSubjectPrefix
	}
	cfg.AllowedOrigins = trimOrigins(cfg.AllowedOrigins)
}

// ApplyEnv overrides cfg with any environment variables that are set.
func ApplyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
	if node := os.Getenv("NODE_ID"); node != "" {
		cfg.NodeID = node
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}
	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseInt64Value(maxSize, cfg.MaxMessageSize)
	}
	if size := os.Getenv("SEND_BUFFER_SIZE"); size != "" {
		cfg.SendBufferSize = parseIntValue(size, cfg.SendBufferSize)
	}
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseDuration(interval, cfg.RateLimit.RefillInterval)
	}
	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseDuration(timeout, cfg.ShutdownTimeout)
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if parsed, err := strconv.Atoi(db); err == nil && parsed >= 0 {
			cfg.Redis.DB = parsed
		}
	}
	if ttl := os.Getenv("PRESENCE_TTL"); ttl != "" {
		cfg.Redis.TTL = parseDuration(ttl, cfg.Redis.TTL)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if prefix := os.Getenv("NATS_SUBJECT_PREFIX"); prefix != "" {
		cfg.NATS.SubjectPrefix = prefix
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
}

func parseOrigins(origins string) []string {
	return trimOrigins(strings.Split(origins, ","))
}

func trimOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseInt64Value(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration strings ("500ms", "2m") and, for
// compatibility with the older integer form, a bare number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
