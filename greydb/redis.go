package greydb

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// redisStore fronts a redis database. The redis server does its own locking
// and persists per its own policy, so Save is a no-op.
type redisStore struct {
	c *redis.Client
}

// RedisOptions translates a redis-unix or redis-tcp store URL into client
// options. Shared with the whitelist redis source.
func RedisOptions(u *url.URL) (*redis.Options, error) {
	opts := &redis.Options{}
	switch u.Scheme {
	case "redis-unix":
		opts.Network = "unix"
		opts.Addr = u.Path
	case "redis-tcp":
		opts.Network = "tcp"
		opts.Addr = u.Host
	default:
		return nil, fmt.Errorf("unknown redis scheme %q", u.Scheme)
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("missing address in redis url")
	}
	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}
	if dbs := u.Query().Get("db"); dbs != "" {
		db, err := strconv.Atoi(dbs)
		if err != nil {
			return nil, fmt.Errorf("parsing db number %q: %v", dbs, err)
		}
		opts.DB = db
	}
	return opts, nil
}

func openRedis(ctx context.Context, u *url.URL) (Store, error) {
	opts, err := RedisOptions(u)
	if err != nil {
		return nil, err
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("connecting to redis: %v", err)
	}
	xlog.Debug("opened redis store")
	return &redisStore{c: c}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *redisStore) Update(ctx context.Context, key, value string) error {
	return s.c.Set(ctx, key, value, 0).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	// DEL of an absent key is a no-op on the server.
	return s.c.Del(ctx, key).Err()
}

func (s *redisStore) Save(ctx context.Context) error {
	// The server persists per its own policy.
	return nil
}

func (s *redisStore) Scan(ctx context.Context, pred func(key, value string) bool) ([]string, error) {
	var keys []string
	iter := s.c.Scan(ctx, 0, "*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		v, err := s.c.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			// Deleted between scan and read.
			continue
		} else if err != nil {
			return nil, err
		}
		if pred(key, v) {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *redisStore) Backend() string {
	return "redis"
}

func (s *redisStore) Close() error {
	return s.c.Close()
}
