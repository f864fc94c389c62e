package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisRetention is how many messages a room list keeps.
const DefaultRedisRetention = 1000

// RedisStore keeps each room's history in a capped Redis list.
type RedisStore struct {
	rdb       *redis.Client
	retention int64
	now       func() time.Time
}

type redisMessage struct {
	ID        int64  `json:"id"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at_unix_ms"`
}

func messagesKey(room string) string {
	return fmt.Sprintf("rooms:%s:messages", room)
}

func seqKey(room string) string {
	return fmt.Sprintf("rooms:%s:seq", room)
}

// NewRedisStore wraps rdb. retention <= 0 uses DefaultRedisRetention.
func NewRedisStore(rdb *redis.Client, retention int) *RedisStore {
	if retention <= 0 {
		retention = DefaultRedisRetention
	}
	return &RedisStore{rdb: rdb, retention: int64(retention), now: time.Now}
}

// OpenRedis connects using a redis:// URL and verifies the connection.
func OpenRedis(ctx context.Context, rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis store opened", "addr", opts.Addr)
	return NewRedisStore(rdb, 0), nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Append pushes one chat line onto the room list and trims it to retention.
func (s *RedisStore) Append(ctx context.Context, room, author, content string) (time.Time, error) {
	if strings.TrimSpace(room) == "" || strings.TrimSpace(author) == "" {
		return time.Time{}, fmt.Errorf("%w: room and author are required", ErrInvalidMessage)
	}
	created := s.now().UTC()

	id, err := s.rdb.Incr(ctx, seqKey(room)).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("next message id: %w", err)
	}
	b, err := json.Marshal(redisMessage{ID: id, Author: author, Content: content, CreatedAt: created.UnixMilli()})
	if err != nil {
		return time.Time{}, fmt.Errorf("encode message: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, messagesKey(room), b)
	pipe.LTrim(ctx, messagesKey(room), -s.retention, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return time.Time{}, fmt.Errorf("push message: %w", err)
	}
	slog.Debug("message persisted", "room", room, "author", author, "msg_id", id)
	return created, nil
}

// Query returns up to limit of the most recent messages in room, oldest first.
func (s *RedisStore) Query(ctx context.Context, room string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	vals, err := s.rdb.LRange(ctx, messagesKey(room), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range messages: %w", err)
	}

	msgs := make([]Message, 0, len(vals))
	for _, v := range vals {
		var rm redisMessage
		if err := json.Unmarshal([]byte(v), &rm); err != nil {
			slog.Warn("skipping undecodable message", "room", room, "err", err)
			continue
		}
		msgs = append(msgs, Message{
			ID:        rm.ID,
			Room:      room,
			Author:    rm.Author,
			Content:   rm.Content,
			CreatedAt: time.UnixMilli(rm.CreatedAt).UTC(),
		})
	}
	return msgs, nil
}
