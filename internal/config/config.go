// Package config loads runtime settings from the environment, an optional
// .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. TOKENGATE_HTTP_ADDR.
const EnvPrefix = "TOKENGATE"

// Storage and revocation drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Env        string           `mapstructure:"env"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Revocation RevocationConfig `mapstructure:"revocation"`
	Log        LogConfig        `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	// RateLimitPerSecond of zero disables per-client rate limiting.
	RateLimitPerSecond float64  `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int      `mapstructure:"rate_limit_burst"`
	CORSOrigins        []string `mapstructure:"cors_origins"`
}

type GRPCConfig struct {
	// Addr empty disables the gRPC listener.
	Addr string `mapstructure:"addr"`
}

type AuthConfig struct {
	Issuer        string        `mapstructure:"issuer"`
	SigningSecret string        `mapstructure:"signing_secret"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	HashAlgorithm string        `mapstructure:"hash_algorithm"`
	BcryptCost    int           `mapstructure:"bcrypt_cost"`
	// RegistrableRoles bounds the roles a public registration may request.
	RegistrableRoles []string `mapstructure:"registrable_roles"`
	// BootstrapAdmin, when both fields are set, is registered with the admin
	// role at startup unless the identity already exists.
	BootstrapAdminIdentity string `mapstructure:"bootstrap_admin_identity"`
	BootstrapAdminSecret   string `mapstructure:"bootstrap_admin_secret"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type RevocationConfig struct {
	Driver        string        `mapstructure:"driver"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UsesPostgres reports whether any store needs the PostgreSQL connection.
func (c Config) UsesPostgres() bool {
	return c.Storage.Driver == DriverPostgres || c.Revocation.Driver == DriverPostgres
}

// IsProduction reports whether Env names a production deployment.
func (c Config) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(c.Env)) {
	case "production", "prod":
		return true
	}
	return false
}

type loadOptions struct {
	envFile    string
	configFile string
}

// Option customizes Load.
type Option func(*loadOptions)

// WithEnvFile reads additional variables from path. Variables already set in
// the process environment win.
func WithEnvFile(path string) Option {
	return func(o *loadOptions) { o.envFile = path }
}

// WithConfigFile reads a YAML (or any viper-supported) file as the base layer.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) { o.configFile = path }
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.max_body_bytes", int64(1<<20))
	v.SetDefault("http.rate_limit_per_second", 0)
	v.SetDefault("http.rate_limit_burst", 20)
	v.SetDefault("http.cors_origins", []string{})

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("auth.issuer", "tokengate")
	v.SetDefault("auth.signing_secret", "")
	v.SetDefault("auth.token_ttl", time.Duration(0))
	v.SetDefault("auth.hash_algorithm", "bcrypt")
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.registrable_roles", []string{"user"})
	v.SetDefault("auth.bootstrap_admin_identity", "")
	v.SetDefault("auth.bootstrap_admin_secret", "")

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.auto_migrate", false)

	v.SetDefault("revocation.driver", DriverMemory)
	v.SetDefault("revocation.redis_addr", "localhost:6379")
	v.SetDefault("revocation.redis_password", "")
	v.SetDefault("revocation.redis_db", 0)
	v.SetDefault("revocation.redis_prefix", "tokengate:revoked:")
	v.SetDefault("revocation.prune_interval", 10*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load builds a Config from defaults, the optional config file, the optional
// .env file and TOKENGATE_* environment variables, in increasing precedence.
func Load(opts ...Option) (Config, error) {
	var lo loadOptions
	for _, opt := range opts {
		opt(&lo)
	}

	if lo.envFile != "" {
		if err := godotenv.Load(lo.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", lo.envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	if lo.configFile != "" {
		v.SetConfigFile(lo.configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", lo.configFile, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Revocation.Driver = strings.ToLower(strings.TrimSpace(c.Revocation.Driver))
	c.Auth.HashAlgorithm = strings.ToLower(strings.TrimSpace(c.Auth.HashAlgorithm))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	c.HTTP.CORSOrigins = splitList(c.HTTP.CORSOrigins)
	c.Auth.RegistrableRoles = splitList(c.Auth.RegistrableRoles)
}

// splitList flattens env values, which arrive as one comma separated string.
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if c.Env == "" {
		return errors.New("config: env must not be empty")
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("config: http.addr must not be empty")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return errors.New("config: http.max_body_bytes must be positive")
	}
	if c.HTTP.RateLimitPerSecond < 0 {
		return errors.New("config: http.rate_limit_per_second must not be negative")
	}
	if c.HTTP.RateLimitPerSecond > 0 && c.HTTP.RateLimitBurst <= 0 {
		return errors.New("config: http.rate_limit_burst must be positive when rate limiting is enabled")
	}
	if c.Auth.TokenTTL < 0 {
		return errors.New("config: auth.token_ttl must not be negative")
	}
	switch c.Auth.HashAlgorithm {
	case "bcrypt", "argon2id":
	default:
		return fmt.Errorf("config: unsupported auth.hash_algorithm %q", c.Auth.HashAlgorithm)
	}

	if (c.Auth.BootstrapAdminIdentity == "") != (c.Auth.BootstrapAdminSecret == "") {
		return errors.New("config: auth.bootstrap_admin_identity and auth.bootstrap_admin_secret must be set together")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("config: storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unsupported storage.driver %q", c.Storage.Driver)
	}

	switch c.Revocation.Driver {
	case DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("config: storage.dsn is required for postgres revocations")
		}
	case DriverRedis:
		if strings.TrimSpace(c.Revocation.RedisAddr) == "" {
			return errors.New("config: revocation.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("config: unsupported revocation.driver %q", c.Revocation.Driver)
	}
	if c.Revocation.PruneInterval < 0 {
		return errors.New("config: revocation.prune_interval must not be negative")
	}

	switch c.Log.Format {
	case "json", "console", "pretty":
	default:
		return fmt.Errorf("config: unsupported log.format %q", c.Log.Format)
	}
	return nil
}
