// Package redis stores checkpoints as plain integer keys:
//
//	{prefix}:{stream}:{consumer group}:{partition} -> offset
//
// Saves go through a compare-and-set script so the stored offset never
// moves backwards.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"streamingest/checkpoint"
)

// Offsets are compared as canonical decimal strings: Lua numbers are
// doubles and lose precision above 2^53.
var saveIfGreater = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
local new = ARGV[1]
if cur and (#cur > #new or (#cur == #new and cur >= new)) then
  return 0
end
redis.call('SET', KEYS[1], new)
return 1
`)

type Store struct {
	client *redis.Client
	prefix string
}

func NewStore(ctx context.Context, redisURL, prefix string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewStoreFromClient(client, prefix), nil
}

func NewStoreFromClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "streamingest"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k checkpoint.Key) string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s:%d", s.prefix, k.Stream, k.ConsumerGroup, k.Partition))
}

func (s *Store) Load(ctx context.Context, k checkpoint.Key) (int64, bool, error) {
	v, err := s.client.Get(ctx, s.key(k)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("load", k, err)
	}
	off, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, &checkpoint.Error{Op: "load", Key: k, Err: fmt.Errorf("corrupt offset %q: %w", v, err)}
	}
	return off, true, nil
}

func (s *Store) Save(ctx context.Context, k checkpoint.Key, offset int64) error {
	if offset < 0 {
		return &checkpoint.Error{Op: "save", Key: k, Err: fmt.Errorf("negative offset %d", offset)}
	}
	arg := strconv.FormatInt(offset, 10)
	if err := saveIfGreater.Run(ctx, s.client, []string{s.key(k)}, arg).Err(); err != nil {
		return wrap("save", k, err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }

// Server replies are permanent except for transient cluster states; anything
// else (timeouts, dropped connections) is worth repeating.
func wrap(op string, k checkpoint.Key, err error) error {
	retryable := !errors.Is(err, redis.ErrClosed)
	var rerr redis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		retryable = strings.HasPrefix(msg, "LOADING") ||
			strings.HasPrefix(msg, "BUSY") ||
			strings.HasPrefix(msg, "TRYAGAIN") ||
			strings.HasPrefix(msg, "CLUSTERDOWN")
	}
	return &checkpoint.Error{Op: op, Key: k, Retryable: retryable, Err: err}
}

func init() {
	checkpoint.Register("redis", func(ctx context.Context, c checkpoint.Config, _ checkpoint.Deps) (checkpoint.Store, error) {
		return NewStore(ctx, c.Redis.URL, c.Prefix)
	})
}
