package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string           `mapstructure:"environment" validate:"required"`
	LogLevel    string           `mapstructure:"log_level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Telemetry   TelemetryConfig  `mapstructure:"telemetry"`
	Forecast    ForecastConfig   `mapstructure:"forecast"`
	Foundation  FoundationConfig `mapstructure:"foundation"`
	Hybrid      HybridConfig     `mapstructure:"hybrid"`
	Workers     WorkersConfig    `mapstructure:"workers"`
}

type ServerConfig struct {
	Port           int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst" validate:"gte=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gte=0"`
	AdminAPIKey    string        `mapstructure:"admin_api_key"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	DatabaseURL     string        `mapstructure:"database_url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Exporter       string `mapstructure:"exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name" validate:"required"`
	ServiceVersion string `mapstructure:"service_version"`
	Logs           bool   `mapstructure:"logs"`
}

type ForecastConfig struct {
	DefaultHorizon    int           `mapstructure:"default_horizon" validate:"gte=1,lte=52"`
	DefaultConfidence float64       `mapstructure:"default_confidence" validate:"gte=0.5,lte=0.99"`
	LookbackWindow    int           `mapstructure:"lookback_window" validate:"gte=5,lte=60"`
	Epochs            int           `mapstructure:"epochs" validate:"gte=10,lte=200"`
	BacktestEpochs    int           `mapstructure:"backtest_epochs" validate:"gte=1,lte=200"`
	BatchSize         int           `mapstructure:"batch_size" validate:"gte=1"`
	ValidationSplit   float64       `mapstructure:"validation_split" validate:"gte=0,lt=0.5"`
	Seed              uint64        `mapstructure:"seed"`
	Smoothing         string        `mapstructure:"smoothing" validate:"oneof=ewm ema"`
	WindowSize        int           `mapstructure:"window_size" validate:"gte=5,lte=200"`
	MinSteps          int           `mapstructure:"min_steps" validate:"gte=1"`
	ResultCacheTTL    time.Duration `mapstructure:"result_cache_ttl"`
}

type FoundationConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	ModelID       string        `mapstructure:"model_id" validate:"required"`
	Device        string        `mapstructure:"device" validate:"required"`
	ContextLength int           `mapstructure:"context_length" validate:"gte=1"`
	BatchSize     int           `mapstructure:"batch_size" validate:"gte=1"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=1"`
	SuccessThreshold int           `mapstructure:"success_threshold" validate:"gte=1"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRequests      int           `mapstructure:"max_requests" validate:"gte=1"`
}

type HybridConfig struct {
	ArtifactPath string `mapstructure:"artifact_path"`
}

type WorkersConfig struct {
	Min       int `mapstructure:"min" validate:"gte=1"`
	Max       int `mapstructure:"max" validate:"gtefield=Min"`
	QueueSize int `mapstructure:"queue_size" validate:"gte=0"`
}

var validate = validator.New()

// Load reads config.yaml from ./configs or the working directory, then
// applies environment overrides (FORECAST_EPOCHS for forecast.epochs).
// A missing file is not an error.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path falls
// back to the search locations.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Set default values
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("database.database_url", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind DATABASE_URL environment variable: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Normalize for consistent comparison
	config.Environment = strings.ToLower(config.Environment)
	config.LogLevel = strings.ToLower(config.LogLevel)
	config.Telemetry.Exporter = strings.ToLower(config.Telemetry.Exporter)

	if err := validate.Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// IsDevelopment reports whether the service runs with development defaults.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// DSN returns the connection string for the configured database.
func (c DatabaseConfig) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// Addr returns the host:port of the Redis server.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setDefaults(v *viper.Viper) {
	// Environment
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 10.0)
	v.SetDefault("server.rate_limit_burst", 20)
	v.SetDefault("server.request_timeout", "5m")
	v.SetDefault("server.admin_api_key", "")

	// Database
	v.SetDefault("database.enabled", true)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "celebrum_forecast")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.database_url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "300s")
	v.SetDefault("database.conn_max_idle_time", "60s")
	v.SetDefault("database.auto_migrate", false)

	// Redis
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.exporter", "none")
	v.SetDefault("telemetry.otlp_endpoint", "http://localhost:4318")
	v.SetDefault("telemetry.service_name", "celebrum-forecast")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.logs", false)

	// Forecast
	v.SetDefault("forecast.default_horizon", 4)
	v.SetDefault("forecast.default_confidence", 0.95)
	v.SetDefault("forecast.lookback_window", 20)
	v.SetDefault("forecast.epochs", 50)
	v.SetDefault("forecast.backtest_epochs", 30)
	v.SetDefault("forecast.batch_size", 16)
	v.SetDefault("forecast.validation_split", 0.2)
	v.SetDefault("forecast.seed", 42)
	v.SetDefault("forecast.smoothing", "ewm")
	v.SetDefault("forecast.window_size", 20)
	v.SetDefault("forecast.min_steps", 5)
	v.SetDefault("forecast.result_cache_ttl", "10m")

	// Foundation pipeline
	v.SetDefault("foundation.endpoint", "")
	v.SetDefault("foundation.model_id", "amazon/chronos-2")
	v.SetDefault("foundation.device", "cpu")
	v.SetDefault("foundation.context_length", 1024)
	v.SetDefault("foundation.batch_size", 256)
	v.SetDefault("foundation.timeout", "60s")
	v.SetDefault("foundation.breaker.failure_threshold", 5)
	v.SetDefault("foundation.breaker.success_threshold", 2)
	v.SetDefault("foundation.breaker.timeout", "30s")
	v.SetDefault("foundation.breaker.max_requests", 3)

	// Hybrid residual model
	v.SetDefault("hybrid.artifact_path", "")

	// Workers
	v.SetDefault("workers.min", 2)
	v.SetDefault("workers.max", 20)
	v.SetDefault("workers.queue_size", 0)
}
