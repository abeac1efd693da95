package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	rerrors "github.com/logflow/logrecon/pkg/errors"
)

// RedisConfig configures the Redis checkpoint backend.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Prefix is prepended to all checkpoint keys
	Prefix string

	// TTL is the time-to-live for checkpoint keys (0 = no expiration)
	TTL time.Duration

	// Timeout for Redis operations
	Timeout time.Duration

	// PoolSize is the maximum number of connections
	PoolSize int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:  address,
		Prefix:   "logrecon:checkpoints:",
		TTL:      7 * 24 * time.Hour,
		Timeout:  5 * time.Second,
		PoolSize: 10,
	}
}

// RedisBackend stores checkpoints in Redis.
type RedisBackend struct {
	cfg    RedisConfig
	client redis.UniversalClient
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	b := NewRedisBackendWithClient(client, cfg)
	if err := b.Ping(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return b, nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(client redis.UniversalClient, cfg RedisConfig) *RedisBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &RedisBackend{cfg: cfg, client: client}
}

func (b *RedisBackend) key(id string) string {
	return b.cfg.Prefix + id
}

func (b *RedisBackend) incompleteSetKey() string {
	return b.cfg.Prefix + "index:incomplete"
}

// Save stores the checkpoint and maintains the incomplete index.
func (b *RedisBackend) Save(ctx context.Context, cp *Checkpoint) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(cp)
	if err != nil {
		return rerrors.Wrap(err, rerrors.CodeCheckpointSave, "failed to marshal checkpoint")
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, b.key(cp.ID), data, b.cfg.TTL)
	if cp.Phase != PhaseComplete {
		pipe.SAdd(ctx, b.incompleteSetKey(), cp.ID)
	} else {
		pipe.SRem(ctx, b.incompleteSetKey(), cp.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return rerrors.Wrap(err, rerrors.CodeCheckpointSave, "failed to save checkpoint to Redis").
			WithContext("id", cp.ID)
	}
	return nil
}

// Load retrieves a checkpoint.
func (b *RedisBackend) Load(ctx context.Context, id string) (*Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := b.client.Get(ctx, b.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, rerrors.CheckpointNotFound(id)
		}
		return nil, rerrors.Wrap(err, rerrors.CodeCheckpointLoad, "failed to load checkpoint from Redis").
			WithContext("id", id)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeCheckpointLoad, "failed to unmarshal checkpoint").
			WithContext("id", id)
	}
	return &cp, nil
}

// Delete removes a checkpoint and its index entry.
func (b *RedisBackend) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.key(id))
	pipe.SRem(ctx, b.incompleteSetKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return rerrors.Wrap(err, rerrors.CodeCheckpointSave, "failed to delete checkpoint from Redis").
			WithContext("id", id)
	}
	return nil
}

// List scans for all checkpoint keys.
func (b *RedisBackend) List(ctx context.Context) ([]*Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	var ids []string
	iter := b.client.Scan(ctx, 0, b.cfg.Prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.HasPrefix(key, b.cfg.Prefix+"index:") {
			continue
		}
		ids = append(ids, strings.TrimPrefix(key, b.cfg.Prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeCheckpointLoad, "failed to scan checkpoint keys")
	}

	var checkpoints []*Checkpoint
	for _, id := range ids {
		cp, err := b.Load(ctx, id)
		if err != nil {
			continue // Skip expired or invalid checkpoints
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// ListIncomplete uses the incomplete index instead of a full scan.
func (b *RedisBackend) ListIncomplete(ctx context.Context) ([]*Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	ids, err := b.client.SMembers(ctx, b.incompleteSetKey()).Result()
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.CodeCheckpointLoad, "failed to read incomplete index")
	}

	var checkpoints []*Checkpoint
	for _, id := range ids {
		cp, err := b.Load(ctx, id)
		if err != nil || cp.Phase == PhaseComplete {
			// Expired or finished: drop the stale index entry
			b.client.SRem(ctx, b.incompleteSetKey(), id)
			continue
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// Ping checks the Redis connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		return rerrors.Wrap(err, rerrors.CodeCheckpointLoad, "failed to connect to Redis").
			WithContext("address", b.cfg.Address)
	}
	return nil
}

// Name returns "redis".
func (b *RedisBackend) Name() string {
	return "redis"
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

var (
	_ Backend          = (*RedisBackend)(nil)
	_ IncompleteLister = (*RedisBackend)(nil)
)
