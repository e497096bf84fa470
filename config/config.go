package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"vigilant/core"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (VIGILANT_SCHEDULER_POLL_INTERVAL, ...)
const EnvPrefix = "VIGILANT"

// SchedulerConfig controls the collection cadence
type SchedulerConfig struct {
	PollInterval  time.Duration `mapstructure:"poll_interval" validate:"gte=1s"`
	BackoffBase   time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax    time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffBase"`
	CycleTimeout  time.Duration `mapstructure:"cycle_timeout" validate:"gt=0"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace" validate:"gte=0"`
	// LeaseTTL of 0 derives the TTL from cycle_timeout
	LeaseTTL time.Duration `mapstructure:"lease_ttl" validate:"gte=0"`
}

// SSHConfig controls the remote log client
type SSHConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	TailLines      int           `mapstructure:"tail_lines" validate:"gt=0"`
	MaxLines       int           `mapstructure:"max_lines" validate:"gtefield=TailLines"`
	// KnownHostsPath empty accepts any host key (with a warning at startup)
	KnownHostsPath string        `mapstructure:"known_hosts_path"`
	AutoResolveTTL time.Duration `mapstructure:"auto_resolve_ttl" validate:"gt=0"`
}

// LeaseConfig selects the lease backend
type LeaseConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=local redis"`
	Redis   struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db" validate:"gte=0"`
		PoolSize int    `mapstructure:"pool_size" validate:"gte=0"`
	} `mapstructure:"redis"`
}

// NotifyConfig controls notification batching and sinks
type NotifyConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ImmediateSeverity string        `mapstructure:"immediate_severity" validate:"oneof=info medium high"`
	FlushInterval     time.Duration `mapstructure:"flush_interval" validate:"gt=0"`
	MaxBatch          int           `mapstructure:"max_batch" validate:"gt=0"`
	QueueSize         int           `mapstructure:"queue_size" validate:"gt=0"`
	CircuitBreaker    struct {
		MaxFailures         uint32        `mapstructure:"max_failures" validate:"gt=0"`
		Timeout             time.Duration `mapstructure:"timeout" validate:"gt=0"`
	} `mapstructure:"circuit_breaker"`
	Log struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"log"`
	Email EmailConfig `mapstructure:"email"`
}

// EmailConfig configures the SMTP sink. Password accepts a credential reference.
type EmailConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port" validate:"min=0,max=65535"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	From               string        `mapstructure:"from" validate:"omitempty,email"`
	To                 []string      `mapstructure:"to" validate:"dive,email"`
	RequireTLS         bool          `mapstructure:"require_tls"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	MinInterval        time.Duration `mapstructure:"min_interval" validate:"gte=0"`
}

// SecretsConfig configures the backends behind vault: and aws: references
type SecretsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	Vault    struct {
		Address string        `mapstructure:"address"`
		Token   string        `mapstructure:"token"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"vault"`
	AWS struct {
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
	} `mapstructure:"aws"`
}

// Config holds all configuration for vigilant
type Config struct {
	Logging struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=console json"`
	} `mapstructure:"logging"`

	Storage struct {
		SQLitePath      string        `mapstructure:"sqlite_path" validate:"required"`
		MetricsInterval time.Duration `mapstructure:"metrics_interval" validate:"gte=0"`
	} `mapstructure:"storage"`

	Retention struct {
		// AlertDays of 0 keeps alerts forever
		AlertDays int    `mapstructure:"alert_days" validate:"gte=0"`
		Schedule  string `mapstructure:"schedule"`
	} `mapstructure:"retention"`

	API struct {
		Enabled         bool          `mapstructure:"enabled"`
		ListenAddr      string        `mapstructure:"listen_addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
		RateLimit       struct {
			RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
			Burst             int     `mapstructure:"burst" validate:"gte=0"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"api"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`

	Exceptions struct {
		// IgnoreSourceIPs become implicit ip exceptions
		IgnoreSourceIPs []string `mapstructure:"ignore_source_ips"`
		// ImportFile is loaded into the exception repository at startup
		ImportFile string `mapstructure:"import_file"`
	} `mapstructure:"exceptions"`

	// Servers seed the server repository when it is empty
	Servers []core.Server `mapstructure:"servers" validate:"-"`

	// ConfigFile is the file the configuration was read from, empty when none was found
	ConfigFile string `mapstructure:"-"`
}

// setDefaults registers a default for every key so that environment
// overrides work for keys absent from the file
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("storage.sqlite_path", filepath.Join("data", "vigilant.db"))
	v.SetDefault("storage.metrics_interval", 30*time.Second)

	v.SetDefault("retention.alert_days", 90)
	v.SetDefault("retention.schedule", "@daily")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen_addr", "127.0.0.1:8080")
	v.SetDefault("api.read_timeout", 15*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.shutdown_timeout", 10*time.Second)
	v.SetDefault("api.rate_limit.requests_per_second", 20)
	v.SetDefault("api.rate_limit.burst", 40)

	v.SetDefault("scheduler.poll_interval", 60*time.Second)
	v.SetDefault("scheduler.backoff_base", 30*time.Second)
	v.SetDefault("scheduler.backoff_max", 30*time.Minute)
	v.SetDefault("scheduler.cycle_timeout", 5*time.Minute)
	v.SetDefault("scheduler.shutdown_grace", 15*time.Second)
	v.SetDefault("scheduler.lease_ttl", 0)

	v.SetDefault("ssh.connect_timeout", 10*time.Second)
	v.SetDefault("ssh.read_timeout", 60*time.Second)
	v.SetDefault("ssh.tail_lines", 2000)
	v.SetDefault("ssh.max_lines", 5000)
	v.SetDefault("ssh.known_hosts_path", "")
	v.SetDefault("ssh.auto_resolve_ttl", time.Hour)

	v.SetDefault("lease.backend", "local")
	v.SetDefault("lease.redis.addr", "127.0.0.1:6379")
	v.SetDefault("lease.redis.password", "")
	v.SetDefault("lease.redis.db", 0)
	v.SetDefault("lease.redis.pool_size", 10)

	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.immediate_severity", "high")
	v.SetDefault("notify.flush_interval", 5*time.Minute)
	v.SetDefault("notify.max_batch", 50)
	v.SetDefault("notify.queue_size", 1000)
	v.SetDefault("notify.circuit_breaker.max_failures", 5)
	v.SetDefault("notify.circuit_breaker.timeout", time.Minute)
	v.SetDefault("notify.log.enabled", true)
	v.SetDefault("notify.email.enabled", false)
	v.SetDefault("notify.email.host", "")
	v.SetDefault("notify.email.port", 587)
	v.SetDefault("notify.email.username", "")
	v.SetDefault("notify.email.password", "")
	v.SetDefault("notify.email.from", "")
	v.SetDefault("notify.email.to", []string{})
	v.SetDefault("notify.email.require_tls", true)
	v.SetDefault("notify.email.insecure_skip_verify", false)
	v.SetDefault("notify.email.min_interval", time.Minute)

	v.SetDefault("secrets.cache_ttl", 5*time.Minute)
	v.SetDefault("secrets.vault.address", "")
	v.SetDefault("secrets.vault.token", "")
	v.SetDefault("secrets.vault.timeout", 10*time.Second)
	v.SetDefault("secrets.aws.region", "us-east-1")
	v.SetDefault("secrets.aws.access_key", "")
	v.SetDefault("secrets.aws.secret_key", "")

	v.SetDefault("exceptions.ignore_source_ips", []string{})
	v.SetDefault("exceptions.import_file", "")
}

// loadFromEnv sets up environment variable loading
func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorter names for the settings most often overridden in containers
	_ = v.BindEnv("storage.sqlite_path", "VIGILANT_SQLITE_PATH", "VIGILANT_STORAGE_SQLITE_PATH")
	_ = v.BindEnv("logging.level", "VIGILANT_LOG_LEVEL", "VIGILANT_LOGGING_LEVEL")
	_ = v.BindEnv("secrets.vault.address", "VAULT_ADDR", "VIGILANT_SECRETS_VAULT_ADDRESS")
	_ = v.BindEnv("secrets.vault.token", "VAULT_TOKEN", "VIGILANT_SECRETS_VAULT_TOKEN")
}

// LoadConfig reads configuration from path, or from config.yaml in . and
// ./config when path is empty. A missing file falls back to defaults and
// environment; an explicitly named file must exist.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	loadFromEnv(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config: %v", core.ErrConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unable to decode config: %v", core.ErrConfig, err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks the configuration. Server definitions are checked
// individually at scheduling time so one bad server does not stop the rest;
// here only duplicate names are rejected.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", core.ErrConfig, err)
	}
	if c.API.Enabled && c.API.ListenAddr == "" {
		return fmt.Errorf("%w: api.listen_addr is required when the API is enabled", core.ErrConfig)
	}
	if c.Notify.Email.Enabled && (c.Notify.Email.Host == "" || c.Notify.Email.From == "" || len(c.Notify.Email.To) == 0) {
		return fmt.Errorf("%w: notify.email requires host, from and to when enabled", core.ErrConfig)
	}
	if c.Lease.Backend == "redis" && c.Lease.Redis.Addr == "" {
		return fmt.Errorf("%w: lease.redis.addr is required for the redis backend", core.ErrConfig)
	}
	seen := make(map[string]bool, len(c.Servers))
	for _, srv := range c.Servers {
		if seen[srv.Name] {
			return fmt.Errorf("%w: duplicate server name %q", core.ErrConfig, srv.Name)
		}
		seen[srv.Name] = true
	}
	return nil
}

// Severity returns the parsed notify.immediate_severity
func (n *NotifyConfig) Severity() core.Severity {
	sev, err := core.ParseSeverity(n.ImmediateSeverity)
	if err != nil {
		return core.SeverityHigh
	}
	return sev
}
