package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "neolive:presence:"
	eventsTopic       = "neolive:events"
)

// leaveScript decrements the connection count of ARGV[1] and removes the
// field once it reaches zero. Returns 1 on the last leave, 0 otherwise and
// -1 when the identity was not a member.
var leaveScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 0 then
	return -1
end
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call("HDEL", KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// RedisBackplane shares presence and events between relay instances
// through a redis server.
type RedisBackplane struct {
	rdb *redis.Client
	log *log.Logger
}

// NewRedisBackplane connects to addr, either host:port or a redis:// URL.
func NewRedisBackplane(ctx context.Context, addr string, logger *log.Logger) (*RedisBackplane, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		var err error
		opts, err = redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisBackplane{rdb: rdb, log: logger}, nil
}

func presenceKey(channel string) string {
	return presenceKeyPrefix + channel
}

func (b *RedisBackplane) Publish(ctx context.Context, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := b.rdb.Publish(ctx, eventsTopic, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return nil
}

func (b *RedisBackplane) Subscribe(ctx context.Context) (<-chan *Envelope, error) {
	pubsub := b.rdb.Subscribe(ctx, eventsTopic)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", eventsTopic, err)
	}

	out := make(chan *Envelope, envelopeBufferSize)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.Printf("decode envelope: %v", err)
					continue
				}

				select {
				case out <- &env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *RedisBackplane) Join(ctx context.Context, channel, identity string) (bool, error) {
	n, err := b.rdb.HIncrBy(ctx, presenceKey(channel), identity, 1).Result()
	if err != nil {
		return false, fmt.Errorf("join %s: %w", channel, err)
	}

	return n == 1, nil
}

func (b *RedisBackplane) Leave(ctx context.Context, channel, identity string) (bool, error) {
	n, err := leaveScript.Run(ctx, b.rdb, []string{presenceKey(channel)}, identity).Int()
	if err != nil {
		return false, fmt.Errorf("leave %s: %w", channel, err)
	}

	return n == 1, nil
}

func (b *RedisBackplane) Members(ctx context.Context, channel string) ([]string, error) {
	ids, err := b.rdb.HKeys(ctx, presenceKey(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("members %s: %w", channel, err)
	}

	slices.Sort(ids)
	return ids, nil
}

func (b *RedisBackplane) Close() error {
	return b.rdb.Close()
}
