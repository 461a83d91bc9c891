package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"blocktalk/internal/models"
	"blocktalk/internal/service"

	"github.com/redis/go-redis/v9"
)

// ChatKeyPrefix namespaces conversation keys in redis.
const ChatKeyPrefix = "blocktalk_chat_"

// RedisStore keeps each conversation as one JSON array under
// ChatKeyPrefix + conversation key.
type RedisStore struct {
	rdb *redis.Client
}

var _ service.MessageStore = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (r *RedisStore) LoadAll(ctx context.Context, key string) ([]models.Message, error) {
	raw, err := r.rdb.Get(ctx, ChatKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []models.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", key, err)
	}
	return msgs, nil
}

func (r *RedisStore) SaveAll(ctx context.Context, key string, messages []models.Message) error {
	if messages == nil {
		messages = []models.Message{}
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", key, err)
	}
	return r.rdb.Set(ctx, ChatKeyPrefix+key, raw, 0).Err()
}

func (r *RedisStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, ChatKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), ChatKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
