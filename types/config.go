package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *EngineConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type EngineConfig struct {
	Name        string             `yaml:"name" json:"name" validate:"required" env:"NAME"`
	Version     string             `yaml:"version" json:"version" validate:"required" env:"VERSION"`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger" validate:"required" envPrefix:"LOGGER_"`
	Server      *ServerConfig      `yaml:"server" json:"server" validate:"required" envPrefix:"SERVER_"`
	Control     *ControlConfig     `yaml:"control" json:"control" envPrefix:"CONTROL_"`
	Transport   *TransportConfig   `yaml:"transport" json:"transport" validate:"required" envPrefix:"TRANSPORT_"`
	Cache       *CacheConfig       `yaml:"cache" json:"cache" validate:"required" envPrefix:"CACHE_"`
	Queue       *QueueConfig       `yaml:"queue" json:"queue" validate:"required" envPrefix:"QUEUE_"`
	Interceptor *InterceptorConfig `yaml:"interceptor" json:"interceptor" validate:"required"`
	Policy      *PolicyConfig      `yaml:"policy" json:"policy" validate:"required"`
	Lifecycle   *LifecycleConfig   `yaml:"lifecycle" json:"lifecycle" validate:"required"`
	Sync        *SyncConfig        `yaml:"sync" json:"sync" validate:"required" envPrefix:"SYNC_"`
	Push        *PushConfig        `yaml:"push" json:"push" envPrefix:"PUSH_"`
	Cron        *CronConfig        `yaml:"cron" json:"cron"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig      `yaml:"health" json:"health"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required" env:"LEVEL"`
	Config interface{} `yaml:"config" json:"config"`
}

type ServerConfig struct {
	Host          string             `yaml:"host" json:"host" env:"HOST"`
	Port          int                `yaml:"port" json:"port" validate:"min=1,max=65535" env:"PORT"`
	ControlPrefix string             `yaml:"control_prefix" json:"control_prefix" validate:"required,startswith=/"`
	ReadTimeout   time.Duration      `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout  time.Duration      `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout   time.Duration      `yaml:"idle_timeout" json:"idle_timeout"`
	Middlewares   *MiddlewaresConfig `yaml:"middlewares" json:"middlewares"`
}

type MiddlewaresConfig struct {
	Recovery  RecoveryConfig  `yaml:"recovery" json:"recovery"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	BodyLimit BodyLimitConfig `yaml:"body_limit" json:"body_limit"`
}

type RecoveryConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	StackTrace bool `yaml:"stack_trace" json:"stack_trace"`
}

type LoggingConfig struct {
	Enabled    bool `yaml:"enabled" json:"enabled"`
	LogHeaders bool `yaml:"log_headers" json:"log_headers"`
}

type BodyLimitConfig struct {
	Enabled     bool  `yaml:"enabled" json:"enabled"`
	MaxBodySize int64 `yaml:"max_body_size" json:"max_body_size" validate:"min=0"`
}

type ControlConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535" env:"PORT"`
	Path         string        `yaml:"path" json:"path"`
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait" json:"pong_wait"`
	WriteWait    time.Duration `yaml:"write_wait" json:"write_wait"`
}

type TransportConfig struct {
	Upstream        string                `yaml:"upstream" json:"upstream" env:"UPSTREAM"`
	Timeout         time.Duration         `yaml:"timeout" json:"timeout" validate:"min=0"`
	Retries         int                   `yaml:"retries" json:"retries" validate:"min=0"`
	MaxConnsPerHost int                   `yaml:"max_conns_per_host" json:"max_conns_per_host"`
	CircuitBreaker  *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"required_if=Enabled true"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}

type CacheConfig struct {
	Type     string      `yaml:"type" json:"type" validate:"required" env:"TYPE"`
	Compress bool        `yaml:"compress" json:"compress" env:"COMPRESS"`
	Config   interface{} `yaml:"config" json:"config"`
}

type QueueConfig struct {
	Type   string      `yaml:"type" json:"type" validate:"required" env:"TYPE"`
	Config interface{} `yaml:"config" json:"config"`
}

type InterceptorConfig struct {
	APIPrefixes     []string `yaml:"api_prefixes" json:"api_prefixes"`
	SameOriginHosts []string `yaml:"same_origin_hosts" json:"same_origin_hosts"`
	VaryHeaders     []string `yaml:"vary_headers" json:"vary_headers"`
}

type PolicyConfig struct {
	OfflineDocument string `yaml:"offline_document" json:"offline_document"`
}

type LifecycleConfig struct {
	Origin         string        `yaml:"origin" json:"origin"`
	Manifest       []string      `yaml:"manifest" json:"manifest"`
	SkipWaiting    bool          `yaml:"skip_waiting" json:"skip_waiting"`
	InstallTimeout time.Duration `yaml:"install_timeout" json:"install_timeout"`
	Concurrency    int           `yaml:"concurrency" json:"concurrency" validate:"min=0"`
}

type SyncConfig struct {
	Tag           string        `yaml:"tag" json:"tag" validate:"required" env:"TAG"`
	Schedule      string        `yaml:"schedule" json:"schedule"`
	QueuePrefixes []string      `yaml:"queue_prefixes" json:"queue_prefixes"`
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts" validate:"min=0"`
	BaseBackoff   time.Duration `yaml:"base_backoff" json:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

type PushConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	PublicKey string        `yaml:"public_key" json:"public_key" env:"PUBLIC_KEY"`
	ServerURL string        `yaml:"server_url" json:"server_url" validate:"required_if=Enabled true" env:"SERVER_URL"`
	Token     string        `yaml:"token" json:"token" env:"TOKEN"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type MetricsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}
