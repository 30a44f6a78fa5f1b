// Package config loads the awsideman configuration file and applies
// environment overrides. Every key in the file has an AWSIDEMAN_* override
// that takes precedence, e.g. AWSIDEMAN_CACHE_BACKEND=redis.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Profile is the default AWS credential profile.
	Profile string `mapstructure:"profile"`

	SSO        SSOConfig        `mapstructure:"sso"`
	Core       CoreConfig       `mapstructure:"core"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Operations OperationsConfig `mapstructure:"operations"`
	Log        LogConfig        `mapstructure:"log"`
}

// SSOConfig identifies the Identity Center instance.
type SSOConfig struct {
	InstanceArn     string `mapstructure:"instance_arn"`
	IdentityStoreID string `mapstructure:"identity_store_id"`
	Region          string `mapstructure:"region"`
}

// CoreConfig holds the execution tunables shared by the engines.
type CoreConfig struct {
	// MaxConcurrentAccounts bounds the executor worker pool. 0 means
	// auto-scale by organization size.
	MaxConcurrentAccounts int           `mapstructure:"max_concurrent_accounts"`
	BatchSize             int           `mapstructure:"batch_size"`
	RateLimitDelay        time.Duration `mapstructure:"rate_limit_delay"`
	AccountTimeout        time.Duration `mapstructure:"account_timeout"`
	MaxRetries            int           `mapstructure:"max_retries"`
	ContinueOnError       bool          `mapstructure:"continue_on_error"`
}

// CacheBackend selects the cache implementation.
type CacheBackend string

const (
	CacheBackendFile   CacheBackend = "file"
	CacheBackendRedis  CacheBackend = "redis"
	CacheBackendHybrid CacheBackend = "hybrid"
)

// CacheConfig holds cache backend configuration.
type CacheConfig struct {
	Backend   CacheBackend  `mapstructure:"backend"`
	RootDir   string        `mapstructure:"root_dir"`
	Encrypted bool          `mapstructure:"encrypted"`
	LocalTTL  time.Duration `mapstructure:"local_ttl"`

	// TTL table per entry family. Zero values fall back to defaults.
	ResolverUserTTL    time.Duration `mapstructure:"resolver_user_ttl"`
	ResolverPermSetTTL time.Duration `mapstructure:"resolver_permission_set_ttl"`
	SnapshotTTL        time.Duration `mapstructure:"snapshot_ttl"`
	SentinelTTL        time.Duration `mapstructure:"sentinel_ttl"`

	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds remote cache connection settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Compress     bool          `mapstructure:"compress"`
}

// OperationsConfig holds operation journal settings.
type OperationsConfig struct {
	// Backend is "file" or "redis".
	Backend       string `mapstructure:"backend"`
	Dir           string `mapstructure:"dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DefaultHomeDir returns ~/.awsideman, overridable with AWSIDEMAN_HOME.
func DefaultHomeDir() string {
	if dir := os.Getenv("AWSIDEMAN_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".awsideman"
	}
	return filepath.Join(home, ".awsideman")
}

// Load reads the configuration file (if present), applies defaults and
// environment overrides, and validates the result. path may be empty to use
// the default location.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AWSIDEMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultHomeDir())
		if err := v.ReadInConfig(); err != nil {
			// A missing default file is fine; defaults and env apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				if !os.IsNotExist(err) {
					return nil, fmt.Errorf("reading config: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home := DefaultHomeDir()

	v.SetDefault("profile", "")

	v.SetDefault("sso.instance_arn", "")
	v.SetDefault("sso.identity_store_id", "")
	v.SetDefault("sso.region", "")

	v.SetDefault("core.max_concurrent_accounts", 0) // auto-scale
	v.SetDefault("core.batch_size", 50)
	v.SetDefault("core.rate_limit_delay", "50ms")
	v.SetDefault("core.account_timeout", "60s")
	v.SetDefault("core.max_retries", 3)
	v.SetDefault("core.continue_on_error", true)

	v.SetDefault("cache.backend", "file")
	v.SetDefault("cache.root_dir", filepath.Join(home, "cache"))
	v.SetDefault("cache.encrypted", false)
	v.SetDefault("cache.local_ttl", "15m")
	v.SetDefault("cache.resolver_user_ttl", "30m")
	v.SetDefault("cache.resolver_permission_set_ttl", "2h")
	v.SetDefault("cache.snapshot_ttl", "24h")
	v.SetDefault("cache.sentinel_ttl", "1h")

	v.SetDefault("cache.redis.addr", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.pool_size", 10)
	v.SetDefault("cache.redis.dial_timeout", "5s")
	v.SetDefault("cache.redis.read_timeout", "3s")
	v.SetDefault("cache.redis.write_timeout", "3s")
	v.SetDefault("cache.redis.compress", true)

	v.SetDefault("operations.backend", "file")
	v.SetDefault("operations.dir", filepath.Join(home, "operations"))
	v.SetDefault("operations.retention_days", 90)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.filename", "")
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)
}

// Validate rejects inconsistent configuration before any engine starts.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case CacheBackendFile, CacheBackendRedis, CacheBackendHybrid:
	default:
		return fmt.Errorf("invalid cache backend %q (expected file, redis, or hybrid)", c.Cache.Backend)
	}
	if c.Cache.Backend != CacheBackendFile && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache backend %q requires cache.redis.addr", c.Cache.Backend)
	}
	switch c.Operations.Backend {
	case "file", "redis":
	default:
		return fmt.Errorf("invalid operations backend %q (expected file or redis)", c.Operations.Backend)
	}
	if c.Operations.Backend == "redis" && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("operations backend redis requires cache.redis.addr")
	}
	if c.Core.BatchSize <= 0 {
		return fmt.Errorf("core.batch_size must be positive")
	}
	if c.Core.MaxRetries < 0 {
		return fmt.Errorf("core.max_retries must be >= 0")
	}
	if c.Core.AccountTimeout <= 0 {
		return fmt.Errorf("core.account_timeout must be positive")
	}
	if c.Operations.RetentionDays <= 0 {
		return fmt.Errorf("operations.retention_days must be positive")
	}
	return nil
}

// WorkerCount returns the effective executor concurrency for an organization
// of the given size, honoring an explicit override.
func (c *CoreConfig) WorkerCount(accountCount int) int {
	if c.MaxConcurrentAccounts > 0 {
		return c.MaxConcurrentAccounts
	}
	switch {
	case accountCount <= 10:
		return 15
	case accountCount <= 50:
		return 25
	default:
		return 30
	}
}
