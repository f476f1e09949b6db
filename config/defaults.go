package config

import "time"

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Execution: DefaultExecutionConfig(),
		Events:    DefaultEventsConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultDatabaseConfig returns the default database configuration.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "crewflow",
		Password:        "",
		Name:            "crewflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig returns the default Redis configuration. The status
// cache is disabled until an address is configured.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		StatusTTL:    time.Hour,
	}
}

// DefaultExecutionConfig returns the default lifecycle controller tuning.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		MaxConcurrent:      50,
		DefaultRetryLimit:  2,
		MaxRetryDelay:      60 * time.Second,
		CancelAckWait:      5 * time.Second,
		FinalStatusRetries: 3,
		RunTimeout:         30 * time.Minute,
	}
}

// DefaultEventsConfig returns the default event pipeline tuning.
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		QueueCapacity:  1000,
		BatchSize:      10,
		DequeueTimeout: 100 * time.Millisecond,
		IdleSleep:      500 * time.Millisecond,
		StopTimeout:    5 * time.Second,
		LogRateLimit:   0,
		LogRateBurst:   100,
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "crewflow",
		SampleRate:   0.1,
	}
}
