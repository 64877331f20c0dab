/*
Package config loads the engine configuration.

SOURCES (later wins):
  1. Defaults below
  2. config.yaml in the working directory, or the file passed to Load
  3. .env in the working directory (loaded into the process environment)
  4. Environment variables prefixed COMMISSION_, with "." replaced by "_"
     (COMMISSION_DATABASE_PATH overrides database.path)

KEYS:
  server.port, server.allowed_origins
  database.path
  rules.path                      Optional JSON rule book imported at startup
  redis.addr, redis.password, redis.db
  automation.enabled, automation.interval, automation.max_batch_size,
  automation.max_duration, automation.concurrency, automation.lock_ttl
  log.level, log.format           text | json
  calendar.cvd_day, calendar.cca_day
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/warp/commission-engine/automation"
	"github.com/warp/commission-engine/payment"
	"github.com/warp/commission-engine/rules"
)

const envPrefix = "COMMISSION"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Automation AutomationConfig `mapstructure:"automation"`
	Log        LogConfig        `mapstructure:"log"`
	Calendar   CalendarConfig   `mapstructure:"calendar"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RulesConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig enables the distributed partition lock when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type AutomationConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	MaxBatchSize int           `mapstructure:"max_batch_size"`
	MaxDuration  time.Duration `mapstructure:"max_duration"`
	Concurrency  int           `mapstructure:"concurrency"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CalendarConfig struct {
	CVDDay int `mapstructure:"cvd_day"`
	CCADay int `mapstructure:"cca_day"`
}

func setDefaults(v *viper.Viper) {
	runner := automation.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("database.path", "commissions.db")
	v.SetDefault("rules.path", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("automation.enabled", true)
	v.SetDefault("automation.interval", 15*time.Minute)
	v.SetDefault("automation.max_batch_size", runner.MaxBatchSize)
	v.SetDefault("automation.max_duration", runner.MaxDuration)
	v.SetDefault("automation.concurrency", runner.Concurrency)
	v.SetDefault("automation.lock_ttl", runner.LockTTL)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("calendar.cvd_day", 15)
	v.SetDefault("calendar.cca_day", 22)
}

// Load reads the configuration. An empty path looks for an optional
// config.yaml in the working directory; a non-empty path must exist.
func Load(path string) (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Automation.Interval <= 0 {
		errs = append(errs, fmt.Errorf("automation.interval must be positive, got %s", c.Automation.Interval))
	}
	if c.Automation.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("automation.max_batch_size must be positive, got %d", c.Automation.MaxBatchSize))
	}
	if c.Automation.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("automation.concurrency must be positive, got %d", c.Automation.Concurrency))
	}
	if c.Automation.MaxDuration <= 0 || c.Automation.LockTTL <= 0 {
		errs = append(errs, errors.New("automation.max_duration and automation.lock_ttl must be positive"))
	} else if c.Automation.LockTTL < c.Automation.MaxDuration {
		errs = append(errs, fmt.Errorf("automation.lock_ttl %s shorter than automation.max_duration %s",
			c.Automation.LockTTL, c.Automation.MaxDuration))
	}
	for name, day := range map[string]int{"calendar.cvd_day": c.Calendar.CVDDay, "calendar.cca_day": c.Calendar.CCADay} {
		if day < 1 || day > 31 {
			errs = append(errs, fmt.Errorf("%s %d out of range", name, day))
		}
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// RunnerConfig converts the automation section.
func (c Config) RunnerConfig() automation.Config {
	return automation.Config{
		MaxBatchSize: c.Automation.MaxBatchSize,
		MaxDuration:  c.Automation.MaxDuration,
		Concurrency:  c.Automation.Concurrency,
		LockTTL:      c.Automation.LockTTL,
	}
}

// PaymentCalendar applies the configured payment days to the default calendar.
func (c Config) PaymentCalendar() payment.Calendar {
	cal := payment.DefaultCalendar()
	cal[rules.TypeCVD] = payment.DayOfNextMonth{Day: c.Calendar.CVDDay}
	cal[rules.TypeCCA] = payment.DayOfNextMonth{Day: c.Calendar.CCADay}
	return cal
}

// NewLogger builds the process logger writing to out.
func NewLogger(cfg LogConfig, out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
