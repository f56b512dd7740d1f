package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath        = "CONFIG_PATH"
	EnvEnvironment       = "ENV"
	EnvPort              = "PORT"
	EnvLogFormat         = "LOG_FORMAT"
	EnvLogLevel          = "LOG_LEVEL"
	EnvDBConnection      = "DB_CONNECTION"
	EnvEncryptionKey     = "ENCRYPTION_KEY"
	EnvEncryptionKeys    = "ENCRYPTION_KEYS"
	EnvEncryptionCurrent = "ENCRYPTION_KEY_CURRENT"
	EnvIdentityURL       = "IDENTITY_URL"
	EnvIdentityService   = "IDENTITY_SERVICE_KEY"
	EnvIdentityAnon      = "IDENTITY_ANON_KEY"
	EnvIdentityJWTSecret = "IDENTITY_JWT_SECRET"
	EnvDataplaneURL      = "DATAPLANE_URL"
	EnvRedisAddr         = "REDIS_ADDR"
	EnvRedisPassword     = "REDIS_PASSWORD"
)

const (
	defaultPort         = 8080
	defaultEmailDomain  = "agents.internal"
	defaultAuthTimeout  = 10 * time.Second
	defaultSafetyMargin = 60 * time.Second
	defaultTokenTTL     = time.Hour
)

// ErrMissingDatabaseDSN indicates no database DSN is present in the config.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// Config holds resolved application configuration values.
type Config struct {
	Env        string           `yaml:"env"`
	Port       int              `yaml:"port"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Identity   IdentityConfig   `yaml:"identity"`
	Dataplane  DataplaneConfig  `yaml:"dataplane"`
	Agent      AgentConfig      `yaml:"agent"`
	Redis      RedisConfig      `yaml:"redis"`
}

// LoggingConfig selects the log format and level.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// DatabaseConfig holds the service-level database connection string.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// EncryptionConfig holds the credential encryption keyring: base64 keys
// indexed by version tag, plus the version new ciphertexts use.
type EncryptionConfig struct {
	Keys    map[string]string `yaml:"keys"`
	Current string            `yaml:"current"`
}

// IdentityConfig points at the GoTrue-compatible identity provider.
type IdentityConfig struct {
	URL        string        `yaml:"url"`
	ServiceKey string        `yaml:"service-key"`
	AnonKey    string        `yaml:"anon-key"`
	JWTSecret  string        `yaml:"jwt-secret"`
	TokenTTL   time.Duration `yaml:"token-ttl"`
}

// DataplaneConfig points at the PostgREST-compatible data API.
type DataplaneConfig struct {
	URL string `yaml:"url"`
}

// AgentConfig tunes agent identity derivation and session handling.
type AgentConfig struct {
	EmailDomain  string        `yaml:"email-domain"`
	AuthTimeout  time.Duration `yaml:"auth-timeout"`
	SafetyMargin time.Duration `yaml:"safety-margin"`
}

// RedisConfig enables the shared session cache backend when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// LoadDotEnv loads a .env file from the working directory when present.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil {
		log.Debug("config: no .env file found, using environment variables")
	}
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// Load reads the YAML config file, applies environment overrides, then
// defaults. A missing file is not an error; env vars alone can carry a
// complete configuration.
func Load(configPath string) (*Config, error) {
	// fileConfig adds the legacy top-level `database-dsn` alias.
	type fileConfig struct {
		Config      `yaml:",inline"`
		DatabaseDSN string `yaml:"database-dsn"`
	}

	var parsed fileConfig
	data, errRead := os.ReadFile(configPath)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &parsed); errUnmarshal != nil {
			return nil, fmt.Errorf("parse config file: %w", errUnmarshal)
		}
	case os.IsNotExist(errRead):
	default:
		return nil, fmt.Errorf("read config file: %w", errRead)
	}

	cfg := parsed.Config
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		cfg.Database.DSN = strings.TrimSpace(parsed.DatabaseDSN)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv(EnvEnvironment)); v != "" {
		c.Env = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPort)); v != "" {
		if port, errParse := strconv.Atoi(v); errParse == nil {
			c.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		c.Logging.Format = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBConnection)); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEncryptionKeys)); v != "" {
		if keys := parseKeyList(v); len(keys) > 0 {
			c.Encryption.Keys = keys
		}
	} else if v := strings.TrimSpace(os.Getenv(EnvEncryptionKey)); v != "" {
		c.Encryption.Keys = map[string]string{"v1": v}
		c.Encryption.Current = "v1"
	}
	if v := strings.TrimSpace(os.Getenv(EnvEncryptionCurrent)); v != "" {
		c.Encryption.Current = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvIdentityURL)); v != "" {
		c.Identity.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvIdentityService)); v != "" {
		c.Identity.ServiceKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvIdentityAnon)); v != "" {
		c.Identity.AnonKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvIdentityJWTSecret)); v != "" {
		c.Identity.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDataplaneURL)); v != "" {
		c.Dataplane.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisAddr)); v != "" {
		c.Redis.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisPassword)); v != "" {
		c.Redis.Password = v
	}
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Env) == "" {
		c.Env = "development"
	}
	if c.Port <= 0 || c.Port > 65535 {
		c.Port = defaultPort
	}
	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = "text"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Agent.EmailDomain) == "" {
		c.Agent.EmailDomain = defaultEmailDomain
	}
	if c.Agent.AuthTimeout <= 0 {
		c.Agent.AuthTimeout = defaultAuthTimeout
	}
	if c.Agent.SafetyMargin <= 0 {
		c.Agent.SafetyMargin = defaultSafetyMargin
	}
	if c.Identity.TokenTTL <= 0 {
		c.Identity.TokenTTL = defaultTokenTTL
	}
	if strings.TrimSpace(c.Redis.Prefix) == "" {
		c.Redis.Prefix = "agentgate"
	}
	if c.Redis.DB < 0 {
		c.Redis.DB = 0
	}
}

// Validate checks the fields the serve path cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return ErrMissingDatabaseDSN
	}
	if len(c.Encryption.Keys) == 0 {
		return fmt.Errorf("config: no encryption keys (set `encryption.keys` or %s)", EnvEncryptionKey)
	}
	if strings.TrimSpace(c.Identity.URL) == "" {
		return fmt.Errorf("config: missing identity provider url (set `identity.url` or %s)", EnvIdentityURL)
	}
	if strings.TrimSpace(c.Identity.ServiceKey) == "" {
		return fmt.Errorf("config: missing identity service key (set `identity.service-key` or %s)", EnvIdentityService)
	}
	if strings.TrimSpace(c.Identity.AnonKey) == "" {
		return fmt.Errorf("config: missing identity anon key (set `identity.anon-key` or %s)", EnvIdentityAnon)
	}
	if strings.TrimSpace(c.Identity.JWTSecret) == "" {
		return fmt.Errorf("config: missing identity jwt secret (set `identity.jwt-secret` or %s)", EnvIdentityJWTSecret)
	}
	if strings.TrimSpace(c.Dataplane.URL) == "" {
		return fmt.Errorf("config: missing dataplane url (set `dataplane.url` or %s)", EnvDataplaneURL)
	}
	return nil
}

// IsProduction reports whether the production cookie policy applies.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// parseKeyList parses "v1:<base64>,v2:<base64>" into a version-to-key map.
func parseKeyList(raw string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		version, value, found := strings.Cut(strings.TrimSpace(pair), ":")
		if !found {
			continue
		}
		version = strings.TrimSpace(version)
		value = strings.TrimSpace(value)
		if version == "" || value == "" {
			continue
		}
		keys[version] = value
	}
	return keys
}
