// Package session keeps per-conversation bot state: whether the bot waits for
// keywords and which video was delivered last.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateAwaitingKeywords = "awaiting_keywords"
	defaultTTL            = 24 * time.Hour
)

// LastVideo is the most recently delivered video of a conversation.
type LastVideo struct {
	Key         string
	OriginalURL string
}

type State interface {
	SetAwaitingKeywords(ctx context.Context, chatID int64, on bool) error
	AwaitingKeywords(ctx context.Context, chatID int64) (bool, error)
	SetLast(ctx context.Context, chatID int64, v LastVideo) error
	Last(ctx context.Context, chatID int64) (LastVideo, bool, error)
}

func keyState(chat int64) string { return fmt.Sprintf("state:%d", chat) }
func keyLast(chat int64) string  { return fmt.Sprintf("last:%d", chat) }

// Redis stores state in TTL'd keys.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client) *Redis { return &Redis{rdb: rdb, ttl: defaultTTL} }

func (r *Redis) SetAwaitingKeywords(ctx context.Context, chat int64, on bool) error {
	if !on {
		return r.rdb.Del(ctx, keyState(chat)).Err()
	}
	return r.rdb.Set(ctx, keyState(chat), stateAwaitingKeywords, r.ttl).Err()
}

func (r *Redis) AwaitingKeywords(ctx context.Context, chat int64) (bool, error) {
	st, err := r.rdb.Get(ctx, keyState(chat)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st == stateAwaitingKeywords, nil
}

func (r *Redis) SetLast(ctx context.Context, chat int64, v LastVideo) error {
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, keyLast(chat), "key", v.Key, "original", v.OriginalURL)
	pipe.Expire(ctx, keyLast(chat), r.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Last(ctx context.Context, chat int64) (LastVideo, bool, error) {
	m, err := r.rdb.HGetAll(ctx, keyLast(chat)).Result()
	if err != nil {
		return LastVideo{}, false, err
	}
	if m["key"] == "" {
		return LastVideo{}, false, nil
	}
	return LastVideo{Key: m["key"], OriginalURL: m["original"]}, true, nil
}

// Memory is an in-process State for single-binary runs and tests.
type Memory struct {
	mu       sync.Mutex
	awaiting map[int64]bool
	last     map[int64]LastVideo
}

func NewMemory() *Memory {
	return &Memory{awaiting: map[int64]bool{}, last: map[int64]LastVideo{}}
}

func (m *Memory) SetAwaitingKeywords(_ context.Context, chat int64, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.awaiting[chat] = true
	} else {
		delete(m.awaiting, chat)
	}
	return nil
}

func (m *Memory) AwaitingKeywords(_ context.Context, chat int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.awaiting[chat], nil
}

func (m *Memory) SetLast(_ context.Context, chat int64, v LastVideo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[chat] = v
	return nil
}

func (m *Memory) Last(_ context.Context, chat int64) (LastVideo, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.last[chat]
	return v, ok, nil
}
