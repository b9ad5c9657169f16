package storage

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

type redisStore struct {
	client     *redis.Client
	ownsClient bool
	cfg        config
}

var _ Store = (*redisStore)(nil)

// NewRedis returns a Store backed by Redis.
// The caller owns the redis.Client lifecycle, Close does not close it.
func NewRedis(client *redis.Client, opts ...Option) Store {
	return &redisStore{client: client, cfg: applyOptions(opts)}
}

// OpenRedis connects to the redis:// url and returns a Store that closes the
// client on Close.
func OpenRedis(url string, opts ...Option) (Store, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &redisStore{
		client:     redis.NewClient(ropts),
		ownsClient: true,
		cfg:        applyOptions(opts),
	}, nil
}

func (s *redisStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *redisStore) prefixKey(key string) string {
	if s.cfg.prefix == "" {
		return key
	}
	return s.cfg.prefix + ":" + key
}

func (s *redisStore) Get(ctx context.Context, key string) (bool, any, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	data, err := s.client.Get(qctx, s.prefixKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, data, nil
}

func (s *redisStore) Set(ctx context.Context, key string, val any) error {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	return s.client.Set(qctx, s.prefixKey(key), data, 0).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	n, err := s.client.Del(qctx, s.prefixKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisStore) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}
