// Package config provides configuration management using viper, generalized
// from the teacher's relay/internal/config package to the hub's gateway,
// health, recovery, aggregation and egress settings (spec.md §6).
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Accounts AccountsConfig `mapstructure:"accounts"`
	Health   HealthConfig   `mapstructure:"health"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Fanout   FanoutConfig   `mapstructure:"fanout"`
	Egress   EgressConfig   `mapstructure:"egress"`
	WS       WSConfig       `mapstructure:"ws"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
}

// ServerConfig holds server settings.
type ServerConfig struct {
	HTTPPort int    `mapstructure:"http_port"`
	GRPCPort int    `mapstructure:"grpc_port"`
	Host     string `mapstructure:"host"`
}

// AccountsConfig holds Account Store tuning.
type AccountsConfig struct {
	StoreURL string `mapstructure:"store_url"`
}

// HealthConfig holds Health Monitor settings (spec.md §4.E).
type HealthConfig struct {
	IntervalMS        int            `mapstructure:"interval_ms"`
	DebounceSeconds   int            `mapstructure:"debounce_seconds"`
	CanaryThresholdSec int           `mapstructure:"canary_threshold_sec"`
	CanarySymbolsCTP  []string       `mapstructure:"canary_symbols_ctp"`
	CanarySymbolsSOPT []string       `mapstructure:"canary_symbols_sopt"`
	MaxExchangeSkew   time.Duration  `mapstructure:"max_exchange_skew"`
}

// RecoveryConfig holds Recovery Controller settings (spec.md §4.F).
type RecoveryConfig struct {
	CooldownMinSec        int `mapstructure:"cooldown_min_sec"`
	CooldownMaxSec        int `mapstructure:"cooldown_max_sec"`
	MaxRestartAttempts    int `mapstructure:"max_restart_attempts"`
	RecoveryObservationSec int `mapstructure:"recovery_observation_sec"`
}

// FanoutConfig holds Event Bus settings.
type FanoutConfig struct {
	SubscriberBufferSize int `mapstructure:"subscriber_buffer_size"`
}

// EgressConfig holds Tick Egress settings (spec.md §4.H).
type EgressConfig struct {
	Bind           string        `mapstructure:"bind"`
	SendQueueDepth int           `mapstructure:"send_queue_depth"`
	ReconnectMinMS int           `mapstructure:"reconnect_min_ms"`
	ReconnectMaxMS int           `mapstructure:"reconnect_max_ms"`
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`
}

// WSConfig holds WebSocket Broadcaster settings (spec.md §4.I).
type WSConfig struct {
	Bind               string `mapstructure:"bind"`
	PingIntervalSec    int    `mapstructure:"ping_interval_sec"`
	PongTimeoutSec     int    `mapstructure:"pong_timeout_sec"`
	MaxEventsPerSec    int    `mapstructure:"max_events_per_sec"`
}

// GatewayConfig holds upstream adaptor settings.
type GatewayConfig struct {
	Mock bool `mapstructure:"mock"`
}

// DatabaseConfig holds MySQL database settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis settings (optional read-through cache, §4.A).
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggerConfig holds logger settings.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

// Load loads configuration from file and environment, binding both the
// bare spec.md §6 env var names and MDHUB_-prefixed equivalents.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/mdhub")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("MDHUB")
	bindBareEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindBareEnvVars binds the representative env vars spec.md §6 lists
// without the MDHUB_ prefix, so either naming convention works.
func bindBareEnvVars(v *viper.Viper) {
	_ = v.BindEnv("accounts.store_url", "ACCOUNT_STORE_URL")
	_ = v.BindEnv("egress.bind", "TICK_EGRESS_BIND")
	_ = v.BindEnv("ws.bind", "WS_BIND")
	_ = v.BindEnv("server.host", "HTTP_BIND")
	_ = v.BindEnv("health.interval_ms", "HEALTH_INTERVAL_MS")
	_ = v.BindEnv("health.canary_threshold_sec", "CANARY_THRESHOLD_SEC")
	_ = v.BindEnv("recovery.cooldown_min_sec", "COOLDOWN_MIN_SEC")
	_ = v.BindEnv("recovery.cooldown_max_sec", "COOLDOWN_MAX_SEC")
	_ = v.BindEnv("recovery.max_restart_attempts", "MAX_RESTART_ATTEMPTS")
	_ = v.BindEnv("recovery.recovery_observation_sec", "RECOVERY_OBSERVATION_SEC")
	_ = v.BindEnv("ws.ping_interval_sec", "WS_PING_INTERVAL_SEC")
	_ = v.BindEnv("ws.max_events_per_sec", "WS_MAX_EVENTS_PER_SEC")
	_ = v.BindEnv("health.canary_symbols_ctp", "CANARY_SYMBOLS_CTP")
	_ = v.BindEnv("health.canary_symbols_sopt", "CANARY_SYMBOLS_SOPT")
	_ = v.BindEnv("gateway.mock", "GATEWAY_MOCK")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.host", "0.0.0.0")

	v.SetDefault("health.interval_ms", 1000)
	v.SetDefault("health.debounce_seconds", 3)
	v.SetDefault("health.canary_threshold_sec", 60)
	v.SetDefault("health.canary_symbols_ctp", []string{"rb2601"})
	v.SetDefault("health.canary_symbols_sopt", []string{"au2512"})
	v.SetDefault("health.max_exchange_skew", "5s")

	v.SetDefault("recovery.cooldown_min_sec", 5)
	v.SetDefault("recovery.cooldown_max_sec", 300)
	v.SetDefault("recovery.max_restart_attempts", 5)
	v.SetDefault("recovery.recovery_observation_sec", 30)

	v.SetDefault("fanout.subscriber_buffer_size", 500)

	v.SetDefault("egress.bind", "tcp://0.0.0.0:7300")
	v.SetDefault("egress.send_queue_depth", 1000)
	v.SetDefault("egress.reconnect_min_ms", 100)
	v.SetDefault("egress.reconnect_max_ms", 30000)
	v.SetDefault("egress.metrics_interval", "10s")

	v.SetDefault("ws.bind", "/ws")
	v.SetDefault("ws.ping_interval_sec", 30)
	v.SetDefault("ws.pong_timeout_sec", 10)
	v.SetDefault("ws.max_events_per_sec", 100)

	v.SetDefault("gateway.mock", true)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.encoding", "json")
}
