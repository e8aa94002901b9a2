package config

import (
	"context"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-offline/types"
)

const EnvPrefix = "OFFLINE_"

type Loader struct {
	validator *validator.Validate
	envPrefix string
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
		envPrefix: EnvPrefix,
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.EngineConfig, map[string]interface{}, error) {
	if configPath == "" {
		return nil, nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, nil, types.WrapError(err, "file not found: "+configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

// LoadFromBytes applies defaults, then YAML, then OFFLINE_* environment overrides, then validates.
func (l *Loader) LoadFromBytes(data []byte) (*types.EngineConfig, map[string]interface{}, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "yaml: %v", err)
	}

	if err := env.ParseWithOptions(config, env.Options{Prefix: l.envPrefix}); err != nil {
		return nil, nil, types.Errorf(types.ErrConfigParseFailed, "env: %v", err)
	}

	if err := l.Validate(config); err != nil {
		return nil, nil, err
	}

	rawData, err := toRawData(config)
	if err != nil {
		return nil, nil, err
	}

	return config, rawData, nil
}

func (l *Loader) Validate(config *types.EngineConfig) error {
	if config == nil {
		return types.ErrConfigIsNil
	}

	if err := l.validator.Struct(config); err != nil {
		return types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	return nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.EngineConfig {
	return &types.EngineConfig{
		Name:    "offlined",
		Version: "v1",
		Logger: &types.LoggerConfig{
			Type:  "default",
			Level: "info",
		},
		Server: &types.ServerConfig{
			Host:          "127.0.0.1",
			Port:          8088,
			ControlPrefix: "/__offline",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   120 * time.Second,
			Middlewares:   DefaultMiddlewares(),
		},
		Control: &types.ControlConfig{
			Enabled:      false,
			Host:         "127.0.0.1",
			Port:         8089,
			Path:         "/ws",
			PingInterval: 54 * time.Second,
			PongWait:     60 * time.Second,
			WriteWait:    10 * time.Second,
		},
		Transport: &types.TransportConfig{
			Timeout:         15 * time.Second,
			Retries:         0,
			MaxConnsPerHost: 512,
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
		Cache: &types.CacheConfig{
			Type:     "sqlite",
			Compress: false,
		},
		Queue: &types.QueueConfig{
			Type: "clover",
		},
		Interceptor: &types.InterceptorConfig{
			APIPrefixes: []string{"/api/"},
		},
		Policy: &types.PolicyConfig{
			OfflineDocument: "/offline.html",
		},
		Lifecycle: &types.LifecycleConfig{
			Manifest: []string{
				"/",
				"/index.html",
				"/manifest.json",
				"/icon-192x192.png",
				"/icon-512x512.png",
			},
			SkipWaiting:    false,
			InstallTimeout: 2 * time.Minute,
			Concurrency:    4,
		},
		Sync: &types.SyncConfig{
			Tag:           "sync-learning-progress",
			Schedule:      "@every 5m",
			QueuePrefixes: []string{"/api/"},
			MaxAttempts:   0,
			BaseBackoff:   5 * time.Second,
			MaxBackoff:    10 * time.Minute,
		},
		Push: &types.PushConfig{
			Enabled: false,
			Timeout: 10 * time.Second,
		},
		Cron: &types.CronConfig{
			Enabled:  true,
			Timezone: "UTC",
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "prometheus",
		},
		Health: &types.HealthConfig{
			Enabled: true,
		},
	}
}

// DefaultMiddlewares is used when the server section omits middlewares.
func DefaultMiddlewares() *types.MiddlewaresConfig {
	return &types.MiddlewaresConfig{
		Recovery:  types.RecoveryConfig{Enabled: true, StackTrace: true},
		Logging:   types.LoggingConfig{Enabled: true},
		BodyLimit: types.BodyLimitConfig{Enabled: true, MaxBodySize: 10 << 20},
	}
}

func toRawData(config *types.EngineConfig) (map[string]interface{}, error) {
	configBytes, err := yaml.Marshal(config)
	if err != nil {
		return nil, types.WrapError(err, "failed to marshal config")
	}

	rawData := make(map[string]interface{})
	if err := yaml.Unmarshal(configBytes, &rawData); err != nil {
		return nil, types.WrapError(err, "failed to unmarshal config")
	}

	return rawData, nil
}
