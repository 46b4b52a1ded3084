package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"
)

// Config lists the tunable parameters for the feeder server.
type Config struct {
	HTTPPort        int           `yaml:"http_port"`
	MQTTEnabled     bool          `yaml:"mqtt_enabled"`
	MQTTBindAddress string        `yaml:"mqtt_bind"`
	DBDriver        string        `yaml:"db_driver"`
	DatabasePath    string        `yaml:"database_path"`
	DatabaseDSN     string        `yaml:"database_dsn"`
	StoreTimeout    time.Duration `yaml:"store_timeout"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	Timezone        string        `yaml:"timezone"`
	DisplayTimezone string        `yaml:"display_timezone"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	RedisStream     string        `yaml:"redis_stream"`
	MDNSEnabled     bool          `yaml:"mdns_enabled"`
	AuditSchedule   string        `yaml:"audit_schedule"`
	DeviceRPS       float64       `yaml:"device_rps"`
	DeviceBurst     int           `yaml:"device_burst"`

	// Location is the operating zone used for schedule matching.
	Location *time.Location `yaml:"-"`
	// DisplayLocation is the zone history timestamps are rendered in.
	DisplayLocation *time.Location `yaml:"-"`
}

const (
	envPrefix = "FEEDER_"

	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultDBDriver        = "sqlite"
	defaultDatabasePath    = "data/animal_feeder.db"
	defaultStoreTimeout    = 2 * time.Second
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultTimezone        = "Local"
	defaultDisplayTimezone = "Asia/Manila"
	defaultRedisStream     = "feeder:events"
	defaultAuditSchedule   = "5 0 * * *"
	defaultDeviceRPS       = 5
	defaultDeviceBurst     = 10
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPPort:        defaultHTTPPort,
		MQTTEnabled:     true,
		MQTTBindAddress: defaultMQTTBindAddress,
		DBDriver:        defaultDBDriver,
		DatabasePath:    defaultDatabasePath,
		StoreTimeout:    defaultStoreTimeout,
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
		Timezone:        defaultTimezone,
		DisplayTimezone: defaultDisplayTimezone,
		RedisStream:     defaultRedisStream,
		MDNSEnabled:     true,
		AuditSchedule:   defaultAuditSchedule,
		DeviceRPS:       defaultDeviceRPS,
		DeviceBurst:     defaultDeviceBurst,
	}
}

// Load derives configuration from defaults, an optional YAML file named by
// FEEDER_CONFIG_FILE, and FEEDER_* environment variables, in increasing precedence.
// A .env file in the working directory is loaded first without overriding the real environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path := os.Getenv(envPrefix + "CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error

	str := func(key string, dst *string) {
		if v := os.Getenv(envPrefix + key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(envPrefix + key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v := os.Getenv(envPrefix + key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	num("HTTP_PORT", &c.HTTPPort)
	flag("MQTT_ENABLED", &c.MQTTEnabled)
	str("MQTT_BIND", &c.MQTTBindAddress)
	str("DB_DRIVER", &c.DBDriver)
	str("DATABASE_PATH", &c.DatabasePath)
	str("DATABASE_DSN", &c.DatabaseDSN)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("TIMEZONE", &c.Timezone)
	str("DISPLAY_TIMEZONE", &c.DisplayTimezone)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	num("REDIS_DB", &c.RedisDB)
	str("REDIS_STREAM", &c.RedisStream)
	flag("MDNS_ENABLED", &c.MDNSEnabled)
	num("DEVICE_BURST", &c.DeviceBurst)

	// An explicitly empty schedule disables the audit job.
	if v, ok := os.LookupEnv(envPrefix + "AUDIT_SCHEDULE"); ok {
		c.AuditSchedule = strings.TrimSpace(v)
	}

	if v := os.Getenv(envPrefix + "STORE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %sSTORE_TIMEOUT: %w", envPrefix, err))
		} else {
			c.StoreTimeout = d
		}
	}
	if v := os.Getenv(envPrefix + "DEVICE_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %sDEVICE_RPS: %w", envPrefix, err))
		} else {
			c.DeviceRPS = f
		}
	}

	return errors.Join(errs...)
}

func (c *Config) validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.HTTPPort)
	}

	switch strings.ToLower(c.DBDriver) {
	case "sqlite":
		if c.DatabasePath == "" {
			return errors.New("database path is required for sqlite")
		}
	case "postgres":
		if c.DatabaseDSN == "" {
			return errors.New("database DSN is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}

	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive, got %s", c.StoreTimeout)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	c.Location = loc

	display, err := time.LoadLocation(c.DisplayTimezone)
	if err != nil {
		return fmt.Errorf("invalid display timezone %q: %w", c.DisplayTimezone, err)
	}
	c.DisplayLocation = display

	if c.AuditSchedule != "" {
		if _, err := cron.ParseStandard(c.AuditSchedule); err != nil {
			return fmt.Errorf("invalid audit schedule %q: %w", c.AuditSchedule, err)
		}
	}

	if c.DeviceRPS <= 0 {
		return fmt.Errorf("device rps must be positive, got %v", c.DeviceRPS)
	}
	if c.DeviceBurst < 1 {
		return fmt.Errorf("device burst must be at least 1, got %d", c.DeviceBurst)
	}
	if c.RedisAddr != "" && c.RedisStream == "" {
		return errors.New("redis stream name is required when redis is enabled")
	}

	return nil
}

// Public is the configuration as reported by the API, with secrets removed.
type Public struct {
	HTTPPort        int     `json:"http_port"`
	MQTTEnabled     bool    `json:"mqtt_enabled"`
	MQTTBindAddress string  `json:"mqtt_bind"`
	DBDriver        string  `json:"db_driver"`
	DatabasePath    string  `json:"database_path,omitempty"`
	DatabaseDSN     string  `json:"database_dsn,omitempty"`
	StoreTimeout    string  `json:"store_timeout"`
	LogLevel        string  `json:"log_level"`
	Timezone        string  `json:"timezone"`
	DisplayTimezone string  `json:"display_timezone"`
	RedisEnabled    bool    `json:"redis_enabled"`
	RedisStream     string  `json:"redis_stream,omitempty"`
	MDNSEnabled     bool    `json:"mdns_enabled"`
	AuditSchedule   string  `json:"audit_schedule"`
	DeviceRPS       float64 `json:"device_rps"`
	DeviceBurst     int     `json:"device_burst"`
}

const redacted = "[redacted]"

// Redacted returns the reportable view of c.
func (c Config) Redacted() Public {
	p := Public{
		HTTPPort:        c.HTTPPort,
		MQTTEnabled:     c.MQTTEnabled,
		MQTTBindAddress: c.MQTTBindAddress,
		DBDriver:        c.DBDriver,
		DatabasePath:    c.DatabasePath,
		StoreTimeout:    c.StoreTimeout.String(),
		LogLevel:        c.LogLevel,
		Timezone:        c.Timezone,
		DisplayTimezone: c.DisplayTimezone,
		RedisEnabled:    c.RedisAddr != "",
		MDNSEnabled:     c.MDNSEnabled,
		AuditSchedule:   c.AuditSchedule,
		DeviceRPS:       c.DeviceRPS,
		DeviceBurst:     c.DeviceBurst,
	}
	if c.DatabaseDSN != "" {
		p.DatabaseDSN = redacted
	}
	if p.RedisEnabled {
		p.RedisStream = c.RedisStream
	}
	return p
}
