package config

import (
	"context"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-offline/types"
)

// snapshot pairs a validated config with the flattened view used for path lookups. It is
// replaced as a whole so readers never see a config and parser from different loads.
type snapshot struct {
	config *types.EngineConfig
	parser *Parser
}

type ConfigurationManager struct {
	ctx         context.Context
	path        string
	loader      *Loader
	current     atomic.Pointer[snapshot]
	running     atomic.Bool
	loadTimeout time.Duration
}

// NewConfigurationManager loads path once: defaults, then YAML, then OFFLINE_* environment.
func NewConfigurationManager(ctx context.Context, path string) (*ConfigurationManager, error) {
	cm := &ConfigurationManager{ctx: ctx, path: path, loader: NewLoader(), loadTimeout: 30 * time.Second}

	if err := cm.Load(); err != nil {
		return nil, types.WrapError(err, "failed to load initial configuration")
	}
	return cm, nil
}

// NewStaticManager serves an already built configuration. Missing sections are filled from defaults.
func NewStaticManager(ctx context.Context, config *types.EngineConfig) (*ConfigurationManager, error) {
	cm := &ConfigurationManager{ctx: ctx, loader: NewLoader(), loadTimeout: 30 * time.Second}

	config = MergeDefaults(config)
	if err := cm.loader.Validate(config); err != nil {
		return nil, err
	}

	rawData, err := toRawData(config)
	if err != nil {
		return nil, err
	}

	cm.current.Store(&snapshot{config: config, parser: NewParser(rawData)})
	return cm, nil
}

// MergeDefaults fills the empty top-level fields of config, and a missing transport circuit
// breaker, from the defaults. Sections that are present are kept as given.
func MergeDefaults(config *types.EngineConfig) *types.EngineConfig {
	defaults := NewLoader().Defaults()
	if config == nil {
		return defaults
	}

	merged := *config

	dst := reflect.ValueOf(&merged).Elem()
	src := reflect.ValueOf(defaults).Elem()
	for i := 0; i < dst.NumField(); i++ {
		if dst.Field(i).IsZero() {
			dst.Field(i).Set(src.Field(i))
		}
	}

	if merged.Transport.CircuitBreaker == nil {
		transport := *merged.Transport
		transport.CircuitBreaker = defaults.Transport.CircuitBreaker
		merged.Transport = &transport
	}

	return &merged
}

func (cm *ConfigurationManager) Start() error {
	if !cm.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (cm *ConfigurationManager) Stop() error {
	if !cm.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (cm *ConfigurationManager) IsRunning() bool {
	return cm.running.Load()
}

// Load re-reads the file. On failure the previous configuration stays in effect.
func (cm *ConfigurationManager) Load() error {
	if cm.path == "" {
		return types.ErrConfigNotFound
	}

	ctx, cancel := context.WithTimeout(cm.ctx, cm.loadTimeout)
	defer cancel()

	config, rawData, err := cm.loader.LoadFromFile(ctx, cm.path)
	if err != nil {
		return types.WrapError(err, "failed to load configuration from file")
	}

	cm.current.Store(&snapshot{config: config, parser: NewParser(rawData)})
	return nil
}

func (cm *ConfigurationManager) GetConfig() *types.EngineConfig {
	if s := cm.current.Load(); s != nil {
		return s.config
	}
	return nil
}

// GetValue returns the value at a dotted path such as "sync.tag", or defaultValue.
func (cm *ConfigurationManager) GetValue(path string, defaultValue interface{}) interface{} {
	s := cm.current.Load()
	if s == nil {
		return defaultValue
	}
	return s.parser.GetValue(path, defaultValue)
}

func (cm *ConfigurationManager) GetAs(path string, target interface{}) error {
	s := cm.current.Load()
	if s == nil {
		return types.ErrConfigIsNil
	}
	return s.parser.GetAs(path, target)
}

// GetAllPaths lists every leaf of the effective configuration in dotted form.
func (cm *ConfigurationManager) GetAllPaths() ([]string, error) {
	s := cm.current.Load()
	if s == nil {
		return nil, types.ErrConfigIsNil
	}
	return s.parser.GetAllPaths()
}
