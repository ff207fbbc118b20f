package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/approval-engine/types"
)

const (
	defaultKeyPrefix = "approval:"
	requestSegment   = "request:"
	indexSegment     = "requests"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Each request is stored as a JSON document; an index set tracks all IDs.
type RedisStorage struct {
	client    *redis.Client
	keyPrefix string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	KeyPrefix    string
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStorage{client: client, keyPrefix: prefix}, nil
}

func (s *RedisStorage) requestKey(id uint64) string {
	return s.keyPrefix + requestSegment + strconv.FormatUint(id, 10)
}

func (s *RedisStorage) indexKey() string {
	return s.keyPrefix + indexSegment
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, cmd getter, key string) (T, error) {
	var zero T
	data, err := cmd.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, fmt.Errorf("%w: key=%s", ErrRequestNotFound, key)
	} else if err != nil {
		return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
	}

	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
	}
	return result, nil
}

// Load retrieves a request from Redis.
func (s *RedisStorage) Load(ctx context.Context, id uint64) (types.ApprovalRequest, error) {
	return withContext(ctx, func() (types.ApprovalRequest, error) {
		return getFromRedis[types.ApprovalRequest](ctx, s.client, s.requestKey(id))
	})
}

// Save writes a request under WATCH so that a concurrent writer aborts the transaction.
func (s *RedisStorage) Save(ctx context.Context, req types.ApprovalRequest) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to marshal request %d: %v", req.ID, err)
		}
		key := s.requestKey(req.ID)

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			var stored *types.ApprovalRequest
			cur, err := getFromRedis[types.ApprovalRequest](ctx, tx, key)
			switch {
			case errors.Is(err, ErrRequestNotFound):
			case err != nil:
				return err
			default:
				stored = &cur
			}
			if err := checkVersion(stored, req); err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.SAdd(ctx, s.indexKey(), req.ID)
				return nil
			})
			return err
		}, key)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrVersionConflict), errors.Is(err, redis.TxFailedErr):
			return fmt.Errorf("%w: id=%d version=%d", ErrVersionConflict, req.ID, req.Version)
		default:
			return fmt.Errorf("failed to save %s in Redis: %w", key, err)
		}
	})
}

// List returns every indexed request ordered by ID.
func (s *RedisStorage) List(ctx context.Context) ([]types.ApprovalRequest, error) {
	return withContext(ctx, func() ([]types.ApprovalRequest, error) {
		return s.list(ctx)
	})
}

func (s *RedisStorage) list(ctx context.Context) ([]types.ApprovalRequest, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read request index: %v", err)
	}
	if len(ids) == 0 {
		return []types.ApprovalRequest{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed request id %q in index: %v", raw, err)
		}
		keys = append(keys, s.requestKey(id))
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read requests: %v", err)
	}

	out := make([]types.ApprovalRequest, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Indexed but deleted by another writer.
			continue
		}
		var req types.ApprovalRequest
		if err := json.Unmarshal([]byte(str), &req); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %v", keys[i], err)
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClearTerminal removes approved or rejected requests completed before the cutoff.
func (s *RedisStorage) ClearTerminal(ctx context.Context, before time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		reqs, err := s.list(ctx)
		if err != nil {
			return 0, err
		}

		pipe := s.client.Pipeline()
		removed := 0
		for _, req := range reqs {
			if archivable(req, before) {
				pipe.Del(ctx, s.requestKey(req.ID))
				pipe.SRem(ctx, s.indexKey(), req.ID)
				removed++
			}
		}
		if removed == 0 {
			return 0, nil
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to execute pipeline for deletion: %v", err)
		}
		return removed, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
