package history

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"voicecall-server-go/internal/platform/errors"
)

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
	maxLen int
	prefix string
}

// NewRedis constructs a redis-backed history store. Each session is a list
// trimmed to MaxLen and expiring TTL after its last append.
func NewRedis(cfg Config) (Store, error) {
	if cfg.Redis == nil || cfg.Redis.Addr == "" {
		return nil, errors.New(errors.KindConfig, "history.redis", "redis history needs history.redis.addr")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(errors.KindStorage, "history.redis", "redis ping failed", err)
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "voicecall:history:"
	}
	return &redisStore{
		client: client,
		ttl:    cfg.TTL,
		maxLen: cfg.MaxLen,
		prefix: prefix,
	}, nil
}

func (s *redisStore) key(id string) string {
	return s.prefix + id
}

func (s *redisStore) Append(ctx context.Context, sessionID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]any, 0, len(turns))
	for _, t := range turns {
		if t.At.IsZero() {
			t.At = time.Now()
		}
		data, err := sonic.Marshal(t)
		if err != nil {
			return err
		}
		values = append(values, data)
	}

	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, key, int64(-s.maxLen), -1)
	}
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *redisStore) Recent(ctx context.Context, sessionID string, n int) ([]Turn, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	raw, err := s.client.LRange(ctx, s.key(sessionID), start, -1).Result()
	if err != nil {
		return nil, err
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := sonic.UnmarshalString(item, &t); err != nil {
			return nil, errors.Wrap(errors.KindStorage, "history.redis", "corrupt turn", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *redisStore) Clear(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
