package cache

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type RedisConfig struct {
	Addr               string `json:"addr"`
	Host               string `json:"host"`
	Port               int    `json:"port"`
	Password           string `json:"password"`
	DB                 int    `json:"db"`
	PoolSize           int    `json:"pool_size"`
	MinIdleConnections int    `json:"min_idle_connections"`
	DialTimeout        string `json:"dial_timeout"`
	ReadTimeout        string `json:"read_timeout"`
	WriteTimeout       string `json:"write_timeout"`
	KeyPrefix          string `json:"key_prefix"`
}

// RedisStore keeps one hash per generation and a set with every generation name.
type RedisStore struct {
	logger  types.Logger
	config  *RedisConfig
	codec   *utils.Codec
	client  *redis.Client
	started int32
}

func NewRedisStore(ctx context.Context, logger types.Logger, config *types.CacheConfig) (*RedisStore, error) {
	var redisConfig = &RedisConfig{
		Host:               "localhost",
		Port:               6379,
		PoolSize:           10,
		MinIdleConnections: 2,
		DialTimeout:        "5s",
		ReadTimeout:        "3s",
		WriteTimeout:       "3s",
		KeyPrefix:          "offline",
	}

	if config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, redisConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis cache config")
		}
	}

	options, err := redisConfig.options()
	if err != nil {
		return nil, err
	}

	store := &RedisStore{
		logger: logger,
		config: redisConfig,
		codec:  utils.NewCodec(config.Compress),
		client: redis.NewClient(options),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := store.client.Ping(pingCtx).Err(); err != nil {
		_ = store.client.Close()
		return nil, types.Errorf(types.ErrCacheConnectionFailed, "%v", err)
	}

	return store, nil
}

func (c *RedisConfig) options() (*redis.Options, error) {
	addr := c.Addr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	durations := make(map[string]time.Duration, 3)
	for name, value := range map[string]string{
		"dial_timeout":  c.DialTimeout,
		"read_timeout":  c.ReadTimeout,
		"write_timeout": c.WriteTimeout,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, types.Errorf(types.ErrConfigParseFailed, "%s: %v", name, err)
		}
		durations[name] = d
	}

	return &redis.Options{
		Addr:         addr,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		MinIdleConns: c.MinIdleConnections,
		DialTimeout:  durations["dial_timeout"],
		ReadTimeout:  durations["read_timeout"],
		WriteTimeout: durations["write_timeout"],
	}, nil
}

func (r *RedisStore) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}

	r.logger.Info("Redis cache store started", zap.String("prefix", r.config.KeyPrefix))
	return nil
}

func (r *RedisStore) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	if err := r.client.Close(); err != nil {
		r.logger.Error("Failed to close Redis client", zap.Error(err))
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis cache store stopped gracefully")
	return nil
}

func (r *RedisStore) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisStore) Open(ctx context.Context, name string) (types.Generation, error) {
	gen, err := types.ParseGeneration(name)
	if err != nil {
		return types.Generation{}, err
	}

	if err := r.client.SAdd(ctx, r.generationsKey(), name).Err(); err != nil {
		return types.Generation{}, types.Errorf(types.ErrStorageFailure, "open %s: %v", name, err)
	}

	return gen, nil
}

func (r *RedisStore) Get(ctx context.Context, gen types.Generation, key string) (*types.CachedResponse, bool, error) {
	if key == "" {
		return nil, false, types.ErrCacheKeyEmpty
	}

	data, err := r.client.HGet(ctx, r.generationKey(gen.Name()), key).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, types.Errorf(types.ErrStorageFailure, "get: %v", err)
	}

	var stored storedEntry
	if err := utils.Unmarshal(data, &stored); err != nil {
		r.logger.Error("Failed to unmarshal cache entry", zap.String("key", key), zap.Error(err))
		return nil, false, types.Errorf(types.ErrStorageFailure, "decode entry: %v", err)
	}

	entry, err := stored.decode(r.codec)
	if err != nil {
		return nil, false, err
	}

	return entry, true, nil
}

func (r *RedisStore) Put(ctx context.Context, gen types.Generation, key string, entry *types.CachedResponse) error {
	if err := checkPut(gen, key, entry); err != nil {
		return err
	}

	stored, err := encodeEntry(r.codec, key, entry)
	if err != nil {
		return err
	}

	data, err := utils.Marshal(stored)
	if err != nil {
		return types.Errorf(types.ErrStorageFailure, "encode entry: %v", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.generationsKey(), gen.Name())
		pipe.HSet(ctx, r.generationKey(gen.Name()), key, data)
		return nil
	})
	if err != nil {
		return types.Errorf(types.ErrStorageFailure, "put: %v", err)
	}

	return nil
}

func (r *RedisStore) DeleteGeneration(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.generationKey(name))
		removed = pipe.SRem(ctx, r.generationsKey(), name)
		return nil
	})
	if err != nil {
		return false, types.Errorf(types.ErrStorageFailure, "delete generation: %v", err)
	}

	return removed.Val() > 0, nil
}

func (r *RedisStore) ListGenerations(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.generationsKey()).Result()
	if err != nil {
		return nil, types.Errorf(types.ErrStorageFailure, "list: %v", err)
	}

	sort.Strings(names)
	return names, nil
}

func (r *RedisStore) generationsKey() string {
	return r.buildFullKey("generations")
}

func (r *RedisStore) generationKey(name string) string {
	return r.buildFullKey("gen:" + name)
}

func (r *RedisStore) buildFullKey(key string) string {
	if r.config.KeyPrefix != "" {
		return fmt.Sprintf("%s:%s", r.config.KeyPrefix, key)
	}
	return key
}
