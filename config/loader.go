// Package config provides unified configuration loading for crewflow.
//
// Values are resolved in priority order: defaults, then YAML file, then
// environment variables.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CREWFLOW").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete crewflow configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Execution ExecutionConfig `yaml:"execution" env:"EXECUTION"`
	Events    EventsConfig    `yaml:"events" env:"EVENTS"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// APIKeys enables X-API-Key auth when non-empty. Health, version and
	// metrics endpoints are always open.
	APIKeys            []string `yaml:"api_keys" env:"API_KEYS"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	RateLimitRPS       float64  `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst     int      `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// Driver selects the dialect: postgres, mysql, sqlite.
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// RedisConfig configures the optional status cache. Leave Addr empty to
// disable.
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	StatusTTL    time.Duration `yaml:"status_ttl" env:"STATUS_TTL"`
}

// ExecutionConfig tunes the execution lifecycle controller.
type ExecutionConfig struct {
	// MaxConcurrent caps the number of runs in flight at once.
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// DefaultRetryLimit is the transient-failure retry budget when no
	// agent raises it.
	DefaultRetryLimit int `yaml:"default_retry_limit" env:"DEFAULT_RETRY_LIMIT"`
	// MaxRetryDelay bounds the exponential backoff between attempts.
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" env:"MAX_RETRY_DELAY"`
	// CancelAckWait bounds how long Cancel waits for the runner to
	// acknowledge before the status is forced to CANCELLED.
	CancelAckWait time.Duration `yaml:"cancel_ack_wait" env:"CANCEL_ACK_WAIT"`
	// FinalStatusRetries is how many times the terminal status write is
	// retried before the failure is logged and dropped.
	FinalStatusRetries int           `yaml:"final_status_retries" env:"FINAL_STATUS_RETRIES"`
	RunTimeout         time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
}

// EventsConfig tunes the trace and log pipelines.
type EventsConfig struct {
	// QueueCapacity is the bounded buffer size of each pipeline.
	// Producers never block: events beyond capacity are dropped and
	// counted.
	QueueCapacity int `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	// BatchSize is the maximum number of events written per flush.
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// DequeueTimeout is how long a writer waits for the next event
	// before flushing a partial batch.
	DequeueTimeout time.Duration `yaml:"dequeue_timeout" env:"DEQUEUE_TIMEOUT"`
	// IdleSleep is the pause after an empty poll cycle.
	IdleSleep time.Duration `yaml:"idle_sleep" env:"IDLE_SLEEP"`
	// StopTimeout bounds graceful writer shutdown before the drain is
	// abandoned.
	StopTimeout time.Duration `yaml:"stop_timeout" env:"STOP_TIMEOUT"`
	// LogRateLimit throttles log enqueues per execution, entries/sec.
	// Zero disables throttling.
	LogRateLimit float64 `yaml:"log_rate_limit" env:"LOG_RATE_LIMIT"`
	LogRateBurst int     `yaml:"log_rate_burst" env:"LOG_RATE_BURST"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader loads configuration with the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the CREWFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CREWFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file path. A missing file is not an error;
// defaults and environment variables still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then file, then environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the configuration or panics. Intended for main().
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks structural invariants of the loaded configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Execution.MaxConcurrent <= 0 {
		errs = append(errs, "execution.max_concurrent must be positive")
	}
	if c.Execution.DefaultRetryLimit < 0 {
		errs = append(errs, "execution.default_retry_limit must not be negative")
	}
	if c.Events.QueueCapacity <= 0 {
		errs = append(errs, "events.queue_capacity must be positive")
	}
	if c.Events.BatchSize <= 0 {
		errs = append(errs, "events.batch_size must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DSN returns the driver-appropriate connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
