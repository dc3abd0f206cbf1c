package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionCache keeps recently read (session, user) pairs in Redis.
// Every user owns a set of the session tokens cached for them so user
// updates and deletes can drop all of their entries at once.
type SessionCache struct {
	rdb *redis.Client
	ttl time.Duration
}

type cachedSession struct {
	Session Session `json:"session"`
	User    User    `json:"user"`
}

// NewSessionCache connects to the Redis instance at redisURL.
func NewSessionCache(ctx context.Context, redisURL string, ttl time.Duration) (*SessionCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SessionCache{rdb: client, ttl: ttl}, nil
}

func sessionKey(token string) string { return "session:" + token }
func revokedKey(token string) string { return "session_gone:" + token }
func userSessionsKey(userID string) string {
	return "user_sessions:" + userID
}

// Get returns the cached pair, or nil when the token is not cached.
func (c *SessionCache) Get(ctx context.Context, token string) (*Session, *User, error) {
	b, err := c.rdb.Get(ctx, sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var cs cachedSession
	if err := json.Unmarshal(b, &cs); err != nil {
		return nil, nil, err
	}
	return &cs.Session, &cs.User, nil
}

func (c *SessionCache) Put(ctx context.Context, s *Session, u *User) error {
	b, err := json.Marshal(cachedSession{Session: *s, User: *u})
	if err != nil {
		return err
	}
	ttl := c.ttl
	if left := time.Until(s.Expires); left < ttl {
		ttl = left
	}
	if ttl <= 0 {
		return nil
	}
	// a revoke landing between the caller's store read and this write must win
	err = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		gone, err := tx.Exists(ctx, revokedKey(s.SessionToken)).Result()
		if err != nil || gone > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey(s.SessionToken), b, ttl)
			pipe.SAdd(ctx, userSessionsKey(u.ID), s.SessionToken)
			pipe.Expire(ctx, userSessionsKey(u.ID), c.ttl)
			return nil
		})
		return err
	}, revokedKey(s.SessionToken))
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	return err
}

func (c *SessionCache) Invalidate(ctx context.Context, token string) error {
	return c.rdb.Del(ctx, sessionKey(token)).Err()
}

// Revoke drops the entry and refuses to cache the token again for the
// cache TTL, so a read that started before the revoke cannot restore it.
func (c *SessionCache) Revoke(ctx context.Context, token string) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, revokedKey(token), 1, c.ttl)
		pipe.Del(ctx, sessionKey(token))
		return nil
	})
	return err
}

// InvalidateUser drops every cached session of the user.
func (c *SessionCache) InvalidateUser(ctx context.Context, userID string) error {
	tokens, err := c.rdb.SMembers(ctx, userSessionsKey(userID)).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, sessionKey(t))
	}
	keys = append(keys, userSessionsKey(userID))
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *SessionCache) Close() error { return c.rdb.Close() }
