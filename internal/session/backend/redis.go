package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/amoylab/sessiond/internal/common/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis stores each record as a string key and indexes ids in a sorted set
// scored by last access time, so idle and expiry scans are range queries.
type Redis struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
	topic  string
	origin string // tags published invalidations so Watch skips its own
}

var (
	_ Backend = (*Redis)(nil)
	_ Watcher = (*Redis)(nil)
)

// NewRedis connects to the configured Redis server
func NewRedis(ctx context.Context, logger *zap.Logger, cfg config.SessionRedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisFromClient(logger, client, cfg.Prefix, cfg.Topic), nil
}

// NewRedisFromClient wraps an existing client. The backend takes ownership of
// the client and closes it on Close.
func NewRedisFromClient(logger *zap.Logger, client *redis.Client, prefix, topic string) *Redis {
	return &Redis{
		logger: logger.Named("session.backend.redis"),
		client: client,
		prefix: prefix,
		topic:  topic,
		origin: uuid.NewString(),
	}
}

func (r *Redis) key(id string) string {
	return r.prefix + ":" + id
}

func (r *Redis) indexKey() string {
	return r.prefix + ":index"
}

// Load implements Backend.Load
func (r *Redis) Load(ctx context.Context, id string) (*Record, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", id, err)
	}
	return &rec, nil
}

// Save implements Backend.Save
func (r *Redis) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", rec.ID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(rec.ID), data, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{
			Score:  float64(rec.LastAccessed.UnixMilli()),
			Member: rec.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	return nil
}

// Delete implements Backend.Delete and announces the id on the
// invalidation topic when one is configured. Messages are "<origin>:<id>".
func (r *Redis) Delete(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(id))
		pipe.ZRem(ctx, r.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}

	if r.topic != "" {
		if err := r.client.Publish(ctx, r.topic, r.origin+":"+id).Err(); err != nil {
			r.logger.Warn("failed to publish session invalidation",
				zap.String("id", id),
				zap.Error(err))
		}
	}
	return nil
}

// Exists implements Backend.Exists
func (r *Redis) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session %s: %w", id, err)
	}
	return n > 0, nil
}

// ListIDs implements Backend.ListIDs
func (r *Redis) ListIDs(ctx context.Context) ([]string, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return ids, nil
}

// ListByLastAccess implements Backend.ListByLastAccess
func (r *Redis) ListByLastAccess(ctx context.Context, before time.Time) ([]string, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions by last access: %w", err)
	}
	return ids, nil
}

// Watch implements Watcher. It returns once the subscription is established
// and delivers ids deleted through other backends in the background until
// ctx is done.
func (r *Redis) Watch(ctx context.Context, fn func(id string)) error {
	if r.topic == "" {
		return nil
	}

	pubsub := r.client.Subscribe(ctx, r.topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.topic, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				origin, id, ok := strings.Cut(msg.Payload, ":")
				if !ok {
					id = msg.Payload
				} else if origin == r.origin {
					continue
				}
				r.logger.Debug("received session invalidation", zap.String("id", id))
				fn(id)
			}
		}
	}()
	return nil
}

// Persistent implements Backend.Persistent
func (r *Redis) Persistent() bool { return true }

// Close implements Backend.Close
func (r *Redis) Close() error {
	return r.client.Close()
}
