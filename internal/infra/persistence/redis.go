package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chadiek/carechat/internal/domain"
)

const sessionPrefix = "session:"

// appendOnce pushes a message unless its timestamp was already recorded,
// so a retried append is a no-op.
var appendOnce = redis.NewScript(`
if redis.call('SADD', KEYS[2], ARGV[1]) == 1 then
  redis.call('RPUSH', KEYS[1], ARGV[2])
end
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  redis.call('PEXPIRE', KEYS[2], ARGV[3])
end
return 1
`)

// Redis is a Gateway keeping everything under session:{id} keys with a TTL.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// OpenRedis parses url, connects and pings.
func OpenRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return NewRedis(rdb, ttl), nil
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

func (r *Redis) Close() error { return r.rdb.Close() }

func sessionKey(id string) string  { return sessionPrefix + id }
func messagesKey(id string) string { return sessionPrefix + id + ":messages" }
func seenKey(id string) string     { return sessionPrefix + id + ":seen" }
func logKey(id string) string      { return sessionPrefix + id + ":log" }

func (r *Redis) SaveSession(ctx context.Context, s domain.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("redis: marshal session: %w", err)
	}
	if err := r.rdb.Set(ctx, sessionKey(s.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis: save session: %w", err)
	}
	return nil
}

func (r *Redis) AppendMessage(ctx context.Context, sessionID string, m domain.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("redis: marshal message: %w", err)
	}
	err = appendOnce.Run(ctx, r.rdb,
		[]string{messagesKey(sessionID), seenKey(sessionID)},
		strconv.FormatInt(m.Timestamp.UnixNano(), 10), data, r.ttl.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis: append message: %w", err)
	}
	return nil
}

func (r *Redis) GetMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	raw, err := r.rdb.LRange(ctx, messagesKey(sessionID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get messages: %w", err)
	}
	return decodeMessages(raw)
}

func decodeMessages(raw []string) ([]domain.Message, error) {
	msgs := make([]domain.Message, 0, len(raw))
	for i, item := range raw {
		var m domain.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("redis: decode message %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (r *Redis) SaveConversationLog(ctx context.Context, l domain.ConversationLog) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("redis: marshal conversation log: %w", err)
	}
	if err := r.rdb.Set(ctx, logKey(l.SessionID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis: save conversation log: %w", err)
	}
	return nil
}
