package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/queue"
)

// Redis mirror defaults.
const (
	DefaultRedisStream       = "crossqueue:notices"
	DefaultRedisMaxLen int64 = 10000
)

// RedisConfig configures the Redis notice mirror.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Stream receives every notice; MaxLen caps it approximately.
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
	// Channel, when set, also receives each notice over pub/sub.
	Channel string `mapstructure:"channel"`
}

// RedisPublisher appends notices to a Redis stream and optionally
// publishes them on a channel for live consumers.
type RedisPublisher struct {
	cfg    RedisConfig
	client *redis.Client
	log    *zap.Logger
}

// NewRedisPublisher connects lazily to cfg.Addr.
func NewRedisPublisher(cfg RedisConfig, log *zap.Logger) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis mirror needs an address")
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultRedisStream
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultRedisMaxLen
	}
	if log == nil {
		log = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 2 * time.Second,
	})
	return &RedisPublisher{cfg: cfg, client: client, log: log}, nil
}

// PublishNotice implements Publisher.
func (r *RedisPublisher) PublishNotice(ctx context.Context, n queue.Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	if err := r.client.XAdd(ctx, streamArgs(r.cfg, n, data)).Err(); err != nil {
		r.log.Error("failed to append notice to redis stream",
			zap.String("stream", r.cfg.Stream),
			zap.Error(err))
		return err
	}
	if r.cfg.Channel != "" {
		if err := r.client.Publish(ctx, r.cfg.Channel, data).Err(); err != nil {
			return fmt.Errorf("failed to publish notice: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisPublisher) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisPublisher) Close() error {
	return r.client.Close()
}

func streamArgs(cfg RedisConfig, n queue.Notice, data []byte) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: cfg.Stream,
		MaxLen: cfg.MaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"type":      string(n.Type),
			"island":    n.Island,
			"front_end": n.Origin.FrontEnd,
			"data":      string(data),
		},
	}
}
