package config

import (
    "fmt"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
    App        AppConfig        `mapstructure:"app"`
    Database   DatabaseConfig   `mapstructure:"database"`
    Redis      RedisConfig      `mapstructure:"redis"`
    Queue      QueueConfig      `mapstructure:"queue"`
    RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
    Telephony  TelephonyConfig  `mapstructure:"telephony"`
    Agent      AgentConfig      `mapstructure:"agent"`
    Backend    BackendConfig    `mapstructure:"backend"`
    Supervisor SupervisorConfig `mapstructure:"supervisor"`
    Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig holds application-level configuration.
type AppConfig struct {
    Name        string `mapstructure:"name"`
    Version     string `mapstructure:"version"`
    Environment string `mapstructure:"environment"`
    Debug       bool   `mapstructure:"debug"`
}

func (c *AppConfig) IsProduction() bool {
    return strings.ToLower(c.Environment) == "production"
}

func (c *AppConfig) IsDevelopment() bool {
    return strings.ToLower(c.Environment) == "development"
}

func (c *AppConfig) IsDebug() bool {
    return c.Debug
}

// DatabaseConfig holds the State Store's durable-journal MySQL connection.
type DatabaseConfig struct {
    Driver          string        `mapstructure:"driver"`
    Host            string        `mapstructure:"host"`
    Port            int           `mapstructure:"port"`
    Username        string        `mapstructure:"username"`
    Password        string        `mapstructure:"password"`
    Database        string        `mapstructure:"database"`
    MaxOpenConns    int           `mapstructure:"max_open_conns"`
    MaxIdleConns    int           `mapstructure:"max_idle_conns"`
    ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
    RetryAttempts   int           `mapstructure:"retry_attempts"`
    RetryDelay      time.Duration `mapstructure:"retry_delay"`
    Charset         string        `mapstructure:"charset"`
}

func (c *DatabaseConfig) GetDSN() string {
    charset := c.Charset
    if charset == "" {
        charset = "utf8mb4"
    }
    return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=Local",
        c.Username, c.Password, c.Host, c.Port, c.Database, charset)
}

// RedisConfig holds the read-through status mirror / distributed-mode cache.
type RedisConfig struct {
    Enabled      bool          `mapstructure:"enabled"`
    Host         string        `mapstructure:"host"`
    Port         int           `mapstructure:"port"`
    Password     string        `mapstructure:"password"`
    DB           int           `mapstructure:"db"`
    PoolSize     int           `mapstructure:"pool_size"`
    MinIdleConns int           `mapstructure:"min_idle_conns"`
    MaxRetries   int           `mapstructure:"max_retries"`
    DialTimeout  time.Duration `mapstructure:"dial_timeout"`
    ReadTimeout  time.Duration `mapstructure:"read_timeout"`
    WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (c *RedisConfig) GetAddr() string {
    return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// QueueConfig binds the Dispatcher (C6) options from spec §6.
type QueueConfig struct {
    Workers             int           `mapstructure:"workers"`
    MaxConcurrentCalls  int           `mapstructure:"max_concurrent_calls"`
    PromoteInterval     time.Duration `mapstructure:"promote_interval"`
    SweepInterval       time.Duration `mapstructure:"sweep_interval"`
    HardDeadline        time.Duration `mapstructure:"hard_deadline"`
    StuckThreshold      time.Duration `mapstructure:"stuck_threshold"`
    TerminalRetention   time.Duration `mapstructure:"terminal_retention"`
    Distributed         bool          `mapstructure:"distributed"`
}

// RateLimitConfig binds the Rate Limiter (C2) options.
type RateLimitConfig struct {
    PerSecond float64 `mapstructure:"per_second"`
    Burst     int     `mapstructure:"burst"`
}

// TelephonyConfig binds the Telephony Client (C3) options.
type TelephonyConfig struct {
    BaseURL           string        `mapstructure:"base_url"`
    AuthID            string        `mapstructure:"auth_id"`
    AuthToken         string        `mapstructure:"auth_token"`
    FromNumber        string        `mapstructure:"from_number"`
    RequestTimeout    time.Duration `mapstructure:"request_timeout"`
    MinConnectedSecs  int           `mapstructure:"min_connected_seconds"`
    AnswerURLBase     string        `mapstructure:"answer_url_base"`
}

// AgentConfig binds the Agent Client (C4) options.
type AgentConfig struct {
    BaseURL        string        `mapstructure:"base_url"`
    RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// BackendConfig binds the backend result-sink options.
type BackendConfig struct {
    SinkURL        string        `mapstructure:"sink_url"`
    RequestTimeout time.Duration `mapstructure:"request_timeout"`
    MaxAttempts    int           `mapstructure:"max_attempts"`
}

// SupervisorConfig binds the Call Supervisor (C5) timing options.
type SupervisorConfig struct {
    InitialStatusDelay     time.Duration `mapstructure:"initial_status_delay"`
    StatusCheckInterval    time.Duration `mapstructure:"status_check_interval"`
    MaxStatusRetries       int           `mapstructure:"max_status_retries"`
    StuckCallDeadline      time.Duration `mapstructure:"stuck_call_deadline"`
    MaxTransientPollErrors int           `mapstructure:"max_transient_poll_errors"`
    BackoffBase            time.Duration `mapstructure:"backoff_base"`
    BackoffMax             time.Duration `mapstructure:"backoff_max"`
}

// MonitoringConfig groups observability surfaces.
type MonitoringConfig struct {
    Metrics MetricsConfig `mapstructure:"metrics"`
    Health  HealthConfig  `mapstructure:"health"`
    Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
    Enabled bool   `mapstructure:"enabled"`
    Port    int    `mapstructure:"port"`
    Path    string `mapstructure:"path"`
}

type HealthConfig struct {
    Enabled       bool   `mapstructure:"enabled"`
    Port          int    `mapstructure:"port"`
    LivenessPath  string `mapstructure:"liveness_path"`
    ReadinessPath string `mapstructure:"readiness_path"`
}

type LoggingConfig struct {
    Level  string         `mapstructure:"level"`
    Format string         `mapstructure:"format"`
    Output string         `mapstructure:"output"`
    File   LoggingFileCfg `mapstructure:"file"`
}

type LoggingFileCfg struct {
    Enabled    bool   `mapstructure:"enabled"`
    Path       string `mapstructure:"path"`
    MaxSize    int    `mapstructure:"max_size"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAge     int    `mapstructure:"max_age"`
    Compress   bool   `mapstructure:"compress"`
}

// Load loads configuration from file and environment, in the teacher's
// viper-with-prefix shape.
func Load(configFile string) (*Config, error) {
    if configFile != "" {
        viper.SetConfigFile(configFile)
    } else {
        viper.SetConfigName("config")
        viper.SetConfigType("yaml")
        viper.AddConfigPath("./configs")
        viper.AddConfigPath("/etc/callqueue-engine")
        viper.AddConfigPath(".")
    }

    viper.SetEnvPrefix("CALLQUEUE")
    viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
    viper.AutomaticEnv()

    setDefaults()

    if err := viper.ReadInConfig(); err != nil {
        if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
            return nil, fmt.Errorf("failed to read config file: %w", err)
        }
    }

    var config Config
    if err := viper.Unmarshal(&config); err != nil {
        return nil, fmt.Errorf("failed to unmarshal config: %w", err)
    }

    if err := config.Validate(); err != nil {
        return nil, fmt.Errorf("invalid configuration: %w", err)
    }

    return &config, nil
}

func setDefaults() {
    viper.SetDefault("app.name", "callqueue-engine")
    viper.SetDefault("app.version", "1.0.0")
    viper.SetDefault("app.environment", "development")
    viper.SetDefault("app.debug", false)

    viper.SetDefault("database.driver", "mysql")
    viper.SetDefault("database.host", "localhost")
    viper.SetDefault("database.port", 3306)
    viper.SetDefault("database.username", "callqueue")
    viper.SetDefault("database.password", "callqueue")
    viper.SetDefault("database.database", "callqueue")
    viper.SetDefault("database.max_open_conns", 25)
    viper.SetDefault("database.max_idle_conns", 5)
    viper.SetDefault("database.conn_max_lifetime", "5m")
    viper.SetDefault("database.retry_attempts", 3)
    viper.SetDefault("database.retry_delay", "1s")
    viper.SetDefault("database.charset", "utf8mb4")

    viper.SetDefault("redis.enabled", false)
    viper.SetDefault("redis.host", "localhost")
    viper.SetDefault("redis.port", 6379)
    viper.SetDefault("redis.db", 0)
    viper.SetDefault("redis.pool_size", 10)
    viper.SetDefault("redis.min_idle_conns", 5)
    viper.SetDefault("redis.max_retries", 3)
    viper.SetDefault("redis.dial_timeout", "5s")
    viper.SetDefault("redis.read_timeout", "3s")
    viper.SetDefault("redis.write_timeout", "3s")

    viper.SetDefault("queue.workers", 10)
    viper.SetDefault("queue.max_concurrent_calls", 100)
    viper.SetDefault("queue.promote_interval", "1s")
    viper.SetDefault("queue.sweep_interval", "30s")
    viper.SetDefault("queue.hard_deadline", "5m")
    viper.SetDefault("queue.stuck_threshold", "60s")
    viper.SetDefault("queue.terminal_retention", "24h")
    viper.SetDefault("queue.distributed", false)

    viper.SetDefault("rate_limit.per_second", 10)
    viper.SetDefault("rate_limit.burst", 10)

    viper.SetDefault("telephony.request_timeout", "30s")
    viper.SetDefault("telephony.min_connected_seconds", 5)
    viper.SetDefault("telephony.answer_url_base", "http://localhost:8082")

    viper.SetDefault("agent.request_timeout", "30s")

    viper.SetDefault("backend.request_timeout", "30s")
    viper.SetDefault("backend.max_attempts", 5)

    viper.SetDefault("supervisor.initial_status_delay", "20s")
    viper.SetDefault("supervisor.status_check_interval", "15s")
    viper.SetDefault("supervisor.max_status_retries", 3)
    viper.SetDefault("supervisor.stuck_call_deadline", "45s")
    viper.SetDefault("supervisor.max_transient_poll_errors", 6)
    viper.SetDefault("supervisor.backoff_base", "1s")
    viper.SetDefault("supervisor.backoff_max", "30s")

    viper.SetDefault("monitoring.metrics.enabled", true)
    viper.SetDefault("monitoring.metrics.port", 9090)
    viper.SetDefault("monitoring.metrics.path", "/metrics")
    viper.SetDefault("monitoring.health.enabled", true)
    viper.SetDefault("monitoring.health.port", 8080)
    viper.SetDefault("monitoring.health.liveness_path", "/health/live")
    viper.SetDefault("monitoring.health.readiness_path", "/health/ready")
    viper.SetDefault("monitoring.logging.level", "info")
    viper.SetDefault("monitoring.logging.format", "json")
    viper.SetDefault("monitoring.logging.output", "stdout")
}

// Validate validates the configuration, following the teacher's flat
// field-by-field error style.
func (c *Config) Validate() error {
    if c.Database.Host == "" {
        return fmt.Errorf("database host is required")
    }
    if c.Database.Port <= 0 || c.Database.Port > 65535 {
        return fmt.Errorf("invalid database port: %d", c.Database.Port)
    }
    if c.Database.Database == "" {
        return fmt.Errorf("database name is required")
    }

    if c.Redis.Enabled && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
        return fmt.Errorf("invalid redis port: %d", c.Redis.Port)
    }

    if c.Queue.Workers <= 0 {
        return fmt.Errorf("queue workers must be positive")
    }
    if c.Queue.MaxConcurrentCalls <= 0 {
        return fmt.Errorf("queue max_concurrent_calls must be positive")
    }

    if c.RateLimit.PerSecond <= 0 {
        return fmt.Errorf("rate_limit per_second must be positive")
    }

    if c.Telephony.BaseURL == "" {
        return fmt.Errorf("telephony base_url is required")
    }
    if c.Telephony.AuthID == "" || c.Telephony.AuthToken == "" {
        return fmt.Errorf("telephony provider_credentials (auth_id, auth_token) are required")
    }
    if c.Telephony.FromNumber == "" {
        return fmt.Errorf("telephony from_number is required")
    }
    if c.Telephony.AnswerURLBase == "" {
        return fmt.Errorf("telephony answer_url_base is required")
    }

    if c.Agent.BaseURL == "" {
        return fmt.Errorf("agent base_url is required")
    }

    if c.Backend.SinkURL == "" {
        return fmt.Errorf("backend sink_url is required")
    }

    if c.Monitoring.Metrics.Enabled && (c.Monitoring.Metrics.Port <= 0 || c.Monitoring.Metrics.Port > 65535) {
        return fmt.Errorf("invalid metrics port: %d", c.Monitoring.Metrics.Port)
    }
    if c.Monitoring.Health.Enabled && (c.Monitoring.Health.Port <= 0 || c.Monitoring.Health.Port > 65535) {
        return fmt.Errorf("invalid health port: %d", c.Monitoring.Health.Port)
    }

    return nil
}
