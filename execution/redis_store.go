package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStoreConfig configures the redis-backed context store.
type RedisStoreConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	// KeyPrefix namespaces this store's keys.
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	// TTL bounds how long terminal context snapshots are retained.
	// Zero keeps them until deleted.
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// PoolSize sizes the client connection pool.
	PoolSize int `yaml:"pool_size" json:"pool_size"`
}

// DefaultRedisStoreConfig returns local defaults.
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "flowgate:exec",
		TTL:       24 * time.Hour,
		PoolSize:  10,
	}
}

// RedisStore keeps execution context snapshots in redis. Each snapshot is
// one JSON value; a per-workflow set indexes the ids for List.
type RedisStore struct {
	client *redis.Client
	config RedisStoreConfig
	logger *zap.Logger
}

// NewRedisStore connects and pings the server.
func NewRedisStore(config RedisStoreConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "flowgate:exec"
	}
	return &RedisStore{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "redis_context_store")),
	}, nil
}

func (s *RedisStore) key(executionID string) string {
	return s.config.KeyPrefix + ":" + executionID
}

func (s *RedisStore) indexKey(workflowID string) string {
	return s.config.KeyPrefix + ":wf:" + workflowID
}

// Save writes the context snapshot and indexes it under its workflow.
func (s *RedisStore) Save(ctx context.Context, ec *Context) error {
	data, err := json.Marshal(ec.snapshot())
	if err != nil {
		return fmt.Errorf("marshal execution context %s: %w", ec.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(ec.ID), data, s.config.TTL)
	pipe.SAdd(ctx, s.indexKey(ec.WorkflowID), ec.ID)
	if s.config.TTL > 0 {
		pipe.Expire(ctx, s.indexKey(ec.WorkflowID), s.config.TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("context save failed", zap.String("execution_id", ec.ID), zap.Error(err))
		return fmt.Errorf("save execution context %s: %w", ec.ID, err)
	}
	return nil
}

// Load reads one context snapshot.
func (s *RedisStore) Load(ctx context.Context, executionID string) (*Context, error) {
	data, err := s.client.Get(ctx, s.key(executionID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution context %s: %w", executionID, err)
	}
	var ec Context
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, fmt.Errorf("parse execution context %s: %w", executionID, err)
	}
	return &ec, nil
}

// Delete removes one context snapshot. The workflow index entry is left to
// expire with its TTL.
func (s *RedisStore) Delete(ctx context.Context, executionID string) error {
	if err := s.client.Del(ctx, s.key(executionID)).Err(); err != nil {
		return fmt.Errorf("delete execution context %s: %w", executionID, err)
	}
	return nil
}

// List returns the execution ids saved for a workflow.
func (s *RedisStore) List(ctx context.Context, workflowID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list executions for workflow %s: %w", workflowID, err)
	}
	return ids, nil
}

// Close releases the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
