package boundary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ListClient is the subset of the go-redis client used by RedisTransport.
// *redis.Client satisfies it.
type ListClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// DefaultKeyPrefix is used when RedisConfig.Prefix is empty.
const DefaultKeyPrefix = "okeanos"

// RedisConfig holds RedisTransport settings.
type RedisConfig struct {
	Prefix string
	RunID  string

	// PollTimeout bounds each BLPOP so Close is noticed. Default 1s.
	PollTimeout time.Duration

	// KeyTTL expires rank lists of abandoned runs. Default 1h.
	KeyTTL time.Duration

	// ErrorBackoff is the pause after a failed poll. Default 500ms.
	ErrorBackoff time.Duration
}

// Key returns the Redis list a rank reads from.
func Key(prefix, runID string, rank int) string {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return fmt.Sprintf("%s:%s:rank:%d", prefix, runID, rank)
}

// RedisTransport carries boundary messages over Redis lists: senders RPUSH
// onto the receiver's list, each rank BLPOPs its own.
type RedisTransport struct {
	client ListClient
	cfg    RedisConfig
	logger *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisTransport creates a transport over client.
func NewRedisTransport(client ListClient, cfg RedisConfig, logger *zap.Logger) (*RedisTransport, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if cfg.RunID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = time.Hour
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisTransport{client: client, cfg: cfg, logger: logger}, nil
}

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, toRank int, msg Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	key := Key(t.cfg.Prefix, t.cfg.RunID, toRank)
	if err := t.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	if err := t.client.Expire(ctx, key, t.cfg.KeyTTL).Err(); err != nil {
		t.logger.Debug("Failed to set key ttl", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Start implements Transport.
func (t *RedisTransport) Start(ctx context.Context, rank int, deliver func(Message)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return fmt.Errorf("redis transport already started")
	}

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})
	key := Key(t.cfg.Prefix, t.cfg.RunID, rank)
	go t.poll(pollCtx, key, deliver)

	t.logger.Info("Listening for boundary messages", zap.String("key", key))
	return nil
}

func (t *RedisTransport) poll(ctx context.Context, key string, deliver func(Message)) {
	defer close(t.done)
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := t.client.BLPop(ctx, t.cfg.PollTimeout, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("BLPOP failed", zap.String("key", key), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.cfg.ErrorBackoff):
			}
			continue
		}
		if len(res) != 2 {
			continue
		}
		msg, err := DecodeMessage([]byte(res[1]))
		if err != nil {
			t.logger.Warn("Dropping malformed boundary message", zap.String("key", key), zap.Error(err))
			continue
		}
		deliver(msg)
	}
}

// Close implements Transport. It waits for the poll loop to exit.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
