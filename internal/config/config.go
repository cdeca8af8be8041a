package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
	"gitlab.com/dirk.krummacker/giftagent/internal/birthday"
)

// ErrMissing is wrapped by every error about a required setting that is absent.
var ErrMissing = errors.New("missing required configuration")

// Config holds the complete service configuration.
type Config struct {
	App       AppConfig
	Log       LogConfig
	Database  DatabaseConfig
	Payman    PaymanConfig
	Gifting   GiftingConfig
	Delivery  DeliveryConfig
	Scheduler SchedulerConfig
}

// AppConfig holds the HTTP settings and the shared secret of the cron endpoints.
type AppConfig struct {
	Port       string
	CronSecret string
	GinLogging bool
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// DatabaseConfig holds the MySQL connection settings.
type DatabaseConfig struct {
	Host     string
	User     string
	Password string
	Name     string
}

// PaymanConfig holds the payments API settings.
type PaymanConfig struct {
	BaseURL           string
	TokenURL          string
	ClientID          string
	ClientSecret      string
	RequestsPerSecond float64
	Burst             int
}

// GiftingConfig holds the birthday dispatch settings.
type GiftingConfig struct {
	MaxConcurrency int
	CallTimeout    time.Duration
	RunTimeout     time.Duration
	Location       *time.Location
	LeapDay        birthday.LeapDayPolicy
}

// DeliveryConfig holds the thresholds of the delivery status progression.
type DeliveryConfig struct {
	ShipAfter    time.Duration
	DeliverAfter time.Duration
}

// SchedulerConfig holds the in-process scheduling used by the serve command.
type SchedulerConfig struct {
	Enabled       bool
	Times         []string
	SweepInterval time.Duration
}

// Load reads the configuration.
//
// Priority (highest to lowest):
// 1. Environment variables with GIFTAGENT_ prefix (e.g., GIFTAGENT_PAYMAN_CLIENT_ID)
// 2. config.toml in the working directory or /etc/giftagent
// 3. Built-in defaults
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// LoadDatabase reads only the database settings. It is used by tools that never
// talk to the payments API and therefore have no credentials for it.
func LoadDatabase() (*DatabaseConfig, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}
	setDefaults(v)
	return &DatabaseConfig{
		Host:     v.GetString("database.host"),
		User:     v.GetString("database.user"),
		Password: v.GetString("database.password"),
		Name:     v.GetString("database.name"),
	}, nil
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/giftagent")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	v.SetEnvPrefix("GIFTAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// FromViper builds and validates the configuration from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	location, err := time.LoadLocation(v.GetString("gifting.location"))
	if err != nil {
		return nil, fmt.Errorf("invalid gifting.location: %w", err)
	}
	leapDay, err := birthday.ParseLeapDayPolicy(v.GetString("gifting.leap_day"))
	if err != nil {
		return nil, fmt.Errorf("invalid gifting.leap_day: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Port:       v.GetString("app.port"),
			CronSecret: v.GetString("app.cron_secret"),
			GinLogging: v.GetBool("app.gin_logging"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("database.host"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			Name:     v.GetString("database.name"),
		},
		Payman: PaymanConfig{
			BaseURL:           strings.TrimRight(v.GetString("payman.base_url"), "/"),
			TokenURL:          v.GetString("payman.token_url"),
			ClientID:          v.GetString("payman.client_id"),
			ClientSecret:      v.GetString("payman.client_secret"),
			RequestsPerSecond: v.GetFloat64("payman.requests_per_second"),
			Burst:             v.GetInt("payman.burst"),
		},
		Gifting: GiftingConfig{
			MaxConcurrency: v.GetInt("gifting.max_concurrency"),
			CallTimeout:    v.GetDuration("gifting.call_timeout"),
			RunTimeout:     v.GetDuration("gifting.run_timeout"),
			Location:       location,
			LeapDay:        leapDay,
		},
		Delivery: DeliveryConfig{
			ShipAfter:    v.GetDuration("delivery.ship_after"),
			DeliverAfter: v.GetDuration("delivery.deliver_after"),
		},
		Scheduler: SchedulerConfig{
			Enabled:       v.GetBool("scheduler.enabled"),
			Times:         splitTimes(v.GetStringSlice("scheduler.times")),
			SweepInterval: v.GetDuration("scheduler.sweep_interval"),
		},
	}
	if cfg.Payman.TokenURL == "" {
		cfg.Payman.TokenURL = cfg.Payman.BaseURL + "/api/oauth2/token"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitTimes accepts both a list and a single comma separated value, which is what
// an environment variable delivers.
func splitTimes(values []string) []string {
	var times []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				times = append(times, part)
			}
		}
	}
	return times
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.gin_logging", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "root")
	v.SetDefault("database.name", "giftagent")
	v.SetDefault("payman.base_url", "https://agent.payman.ai")
	v.SetDefault("payman.requests_per_second", 2.0)
	v.SetDefault("payman.burst", 1)
	v.SetDefault("gifting.max_concurrency", 4)
	v.SetDefault("gifting.call_timeout", 15*time.Second)
	v.SetDefault("gifting.run_timeout", 5*time.Minute)
	v.SetDefault("gifting.location", "UTC")
	v.SetDefault("gifting.leap_day", string(birthday.LeapDaySkip))
	v.SetDefault("delivery.ship_after", 10*time.Second)
	v.SetDefault("delivery.deliver_after", 10*time.Second)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.times", []string{"09:00"})
	v.SetDefault("scheduler.sweep_interval", time.Minute)
}

// validate fails fast on missing credentials and non-positive limits.
func (c *Config) validate() error {
	if c.App.CronSecret == "" {
		return fmt.Errorf("%w: app.cron_secret", ErrMissing)
	}
	if c.Payman.ClientID == "" {
		return fmt.Errorf("%w: payman.client_id", ErrMissing)
	}
	if c.Payman.ClientSecret == "" {
		return fmt.Errorf("%w: payman.client_secret", ErrMissing)
	}
	if c.Payman.RequestsPerSecond <= 0 || c.Payman.Burst < 1 {
		return fmt.Errorf("payman rate limit must be positive")
	}
	if c.Gifting.MaxConcurrency < 1 {
		return fmt.Errorf("gifting.max_concurrency must be at least 1")
	}
	if c.Gifting.CallTimeout <= 0 || c.Gifting.RunTimeout <= 0 {
		return fmt.Errorf("gifting timeouts must be positive")
	}
	if c.Delivery.ShipAfter <= 0 || c.Delivery.DeliverAfter <= 0 {
		return fmt.Errorf("delivery thresholds must be positive")
	}
	if c.Scheduler.Enabled && c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("scheduler.sweep_interval must be positive")
	}
	return nil
}

// DSN returns the MySQL data source name. parseTime makes DATETIME columns scan
// into time.Time.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&loc=UTC",
		c.User, c.Password, c.Host, c.Name)
}
