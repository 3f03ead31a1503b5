package sessions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps resume tokens in Redis so they survive a gateway
// restart. Session-sticky routing still applies: the token only names
// the session, the tracked runtime itself lives in one process.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. prefix namespaces the keys;
// empty means "voiceagent:resume:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "voiceagent:resume:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Issue(ctx context.Context, token string, r Resume, ttl time.Duration) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}

	// Retire the session's previous token before binding the new one.
	old, err := s.client.Get(ctx, s.sessionKey(r.SessionID)).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if err == nil && old != "" && old != token {
		if err := s.client.Del(ctx, s.tokenKey(old)).Err(); err != nil {
			return err
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.tokenKey(token), payload, ttl)
		pipe.Set(ctx, s.sessionKey(r.SessionID), token, ttl)
		return nil
	})
	return err
}

func (s *RedisStore) Consume(ctx context.Context, token string) (Resume, bool, error) {
	val, err := s.client.GetDel(ctx, s.tokenKey(token)).Result()
	if err == redis.Nil {
		return Resume{}, false, nil
	}
	if err != nil {
		return Resume{}, false, err
	}

	var r Resume
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return Resume{}, false, err
	}

	// Drop the session pointer only if it still names this token; a
	// concurrent Issue may have rotated it already.
	cur, err := s.client.Get(ctx, s.sessionKey(r.SessionID)).Result()
	if err == nil && cur == token {
		_ = s.client.Del(ctx, s.sessionKey(r.SessionID)).Err()
	}
	return r, true, nil
}

func (s *RedisStore) Revoke(ctx context.Context, sessionID string) error {
	token, err := s.client.GetDel(ctx, s.sessionKey(sessionID)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	return s.client.Del(ctx, s.tokenKey(token)).Err()
}

func (s *RedisStore) tokenKey(token string) string {
	return s.prefix + "token:" + token
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.prefix + "session:" + sessionID
}
