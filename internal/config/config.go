package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig
	Log        LogConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	RateLimit  RateLimitConfig
	Supervisor SupervisorConfig
	Scheduler  SchedulerConfig
	Plans      map[string]int
	Browser    BrowserConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name     string
	Env      string
	Port     string
	Timezone string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// DatabaseConfig holds durable storage settings
type DatabaseConfig struct {
	Driver          string // sqlite or postgres
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string // silent, error, warn, info
	SlowThreshold   time.Duration
}

// RedisConfig holds the optional shared rate limit backend
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// RateLimitConfig holds HTTP throttling settings
type RateLimitConfig struct {
	Enabled         bool
	IPRequests      int
	TenantRequests  int
	Window          time.Duration
	CleanupInterval time.Duration

	// TrustedProxies are addresses or CIDR ranges whose X-Forwarded-For
	// header is believed. Empty means the socket address is always used.
	TrustedProxies []string
}

// TrustedPrefixes parses TrustedProxies. A bare address becomes a single host prefix.
func (c RateLimitConfig) TrustedPrefixes() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		if p, err := netip.ParsePrefix(entry); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", entry)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return prefixes, nil
}

// SupervisorConfig holds worker lifecycle settings
type SupervisorConfig struct {
	HeartbeatInterval   time.Duration
	StopTimeout         time.Duration
	SettleDelay         time.Duration
	MaxConcurrentStarts int
	MaxStatusFailures   int
	WriteRetries        int
	RetryBackoff        time.Duration
	RecoveryParallelism int
}

// SchedulerConfig holds the daily restart trigger settings
type SchedulerConfig struct {
	Enabled          bool
	DailyHour        int
	DailyMinute      int
	CheckInterval    time.Duration
	CatchUpWindow    time.Duration
	InterTenantDelay time.Duration
	RunTimeout       time.Duration
}

// BrowserConfig holds the docker-backed browser pool settings
type BrowserConfig struct {
	Image        string
	Label        string
	ReadyTimeout time.Duration
	StartURL     string
}

// Load reads configuration from an optional .env file, an optional
// config.toml and APPLYX_ prefixed environment variables.
// Priority (highest to lowest):
// 1. Environment variables (e.g. APPLYX_DATABASE_DSN)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	// .env only seeds the environment; it is fine for it to be missing
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/applyx")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("APPLYX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Name:     v.GetString("app.name"),
			Env:      v.GetString("app.env"),
			Port:     v.GetString("app.port"),
			Timezone: v.GetString("app.timezone"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			LogLevel:        v.GetString("database.log_level"),
			SlowThreshold:   v.GetDuration("database.slow_threshold"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		RateLimit: RateLimitConfig{
			Enabled:         v.GetBool("rate_limit.enabled"),
			IPRequests:      v.GetInt("rate_limit.ip_requests"),
			TenantRequests:  v.GetInt("rate_limit.tenant_requests"),
			Window:          v.GetDuration("rate_limit.window"),
			CleanupInterval: v.GetDuration("rate_limit.cleanup_interval"),
			TrustedProxies:  v.GetStringSlice("rate_limit.trusted_proxies"),
		},
		Supervisor: SupervisorConfig{
			HeartbeatInterval:   v.GetDuration("supervisor.heartbeat_interval"),
			StopTimeout:         v.GetDuration("supervisor.stop_timeout"),
			SettleDelay:         v.GetDuration("supervisor.settle_delay"),
			MaxConcurrentStarts: v.GetInt("supervisor.max_concurrent_starts"),
			MaxStatusFailures:   v.GetInt("supervisor.max_status_failures"),
			WriteRetries:        v.GetInt("supervisor.write_retries"),
			RetryBackoff:        v.GetDuration("supervisor.retry_backoff"),
			RecoveryParallelism: v.GetInt("supervisor.recovery_parallelism"),
		},
		Scheduler: SchedulerConfig{
			Enabled:          v.GetBool("scheduler.enabled"),
			DailyHour:        v.GetInt("scheduler.daily_hour"),
			DailyMinute:      v.GetInt("scheduler.daily_minute"),
			CheckInterval:    v.GetDuration("scheduler.check_interval"),
			CatchUpWindow:    v.GetDuration("scheduler.catch_up_window"),
			InterTenantDelay: v.GetDuration("scheduler.inter_tenant_delay"),
			RunTimeout:       v.GetDuration("scheduler.run_timeout"),
		},
		Plans: map[string]int{
			"free":      v.GetInt("plans.free"),
			"basic":     v.GetInt("plans.basic"),
			"pro":       v.GetInt("plans.pro"),
			"unlimited": v.GetInt("plans.unlimited"),
		},
		Browser: BrowserConfig{
			Image:        v.GetString("browser.image"),
			Label:        v.GetString("browser.label"),
			ReadyTimeout: v.GetDuration("browser.ready_timeout"),
			StartURL:     v.GetString("browser.start_url"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers built-in values. Registering every key also lets
// AutomaticEnv resolve nested keys that never appear in a config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "applyx")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.timezone", "UTC")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:applyx.db?_busy_timeout=5000&_journal_mode=WAL")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.slow_threshold", 200*time.Millisecond)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.ip_requests", 120)
	v.SetDefault("rate_limit.tenant_requests", 60)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.cleanup_interval", 5*time.Minute)
	v.SetDefault("rate_limit.trusted_proxies", []string{})

	v.SetDefault("supervisor.heartbeat_interval", 30*time.Second)
	v.SetDefault("supervisor.stop_timeout", 30*time.Second)
	v.SetDefault("supervisor.settle_delay", 5*time.Second)
	v.SetDefault("supervisor.max_concurrent_starts", 10)
	v.SetDefault("supervisor.max_status_failures", 3)
	v.SetDefault("supervisor.write_retries", 3)
	v.SetDefault("supervisor.retry_backoff", 100*time.Millisecond)
	v.SetDefault("supervisor.recovery_parallelism", 4)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.daily_hour", 2)
	v.SetDefault("scheduler.daily_minute", 0)
	v.SetDefault("scheduler.check_interval", time.Minute)
	v.SetDefault("scheduler.catch_up_window", time.Hour)
	v.SetDefault("scheduler.inter_tenant_delay", 10*time.Second)
	v.SetDefault("scheduler.run_timeout", 2*time.Hour)

	v.SetDefault("plans.free", 10)
	v.SetDefault("plans.basic", 50)
	v.SetDefault("plans.pro", 200)
	v.SetDefault("plans.unlimited", 1000)

	v.SetDefault("browser.image", "browserless/chrome:latest")
	v.SetDefault("browser.label", "applyx")
	v.SetDefault("browser.ready_timeout", 10*time.Second)
	v.SetDefault("browser.start_url", "about:blank")
}

// Location resolves the configured timezone used for calendar days
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.App.Timezone, err)
	}
	return loc, nil
}

// IsProduction reports whether the app runs in production mode
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.Scheduler.DailyHour < 0 || c.Scheduler.DailyHour > 23 {
		return fmt.Errorf("scheduler daily hour must be 0-23, got %d", c.Scheduler.DailyHour)
	}
	if c.Scheduler.DailyMinute < 0 || c.Scheduler.DailyMinute > 59 {
		return fmt.Errorf("scheduler daily minute must be 0-59, got %d", c.Scheduler.DailyMinute)
	}
	if c.Scheduler.CheckInterval <= 0 {
		return errors.New("scheduler check interval must be positive")
	}
	if c.Supervisor.HeartbeatInterval <= 0 {
		return errors.New("supervisor heartbeat interval must be positive")
	}
	if _, err := c.RateLimit.TrustedPrefixes(); err != nil {
		return err
	}
	for tier, quota := range c.Plans {
		if quota <= 0 {
			return fmt.Errorf("plan %s must have a positive daily quota, got %d", tier, quota)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
