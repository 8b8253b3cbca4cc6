package credential

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

// RedisStore keeps credentials in Redis under <prefix>:token and <prefix>:refresh_token
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed credential store
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "hanssup:credential"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(name string) string {
	return fmt.Sprintf("%s:%s", r.prefix, name)
}

// Load reads both tokens in one round trip
func (r *RedisStore) Load(ctx context.Context) (*oauth2.Token, error) {
	values, err := r.client.MGet(ctx, r.key(AccessTokenKey), r.key(RefreshTokenKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	tok := &oauth2.Token{TokenType: "Bearer"}
	if s, ok := values[0].(string); ok {
		tok.AccessToken = s
	}
	if s, ok := values[1].(string); ok {
		tok.RefreshToken = s
	}

	return normalize(tok), nil
}

// Save writes both tokens atomically; an empty value deletes its key
func (r *RedisStore) Save(ctx context.Context, tok *oauth2.Token) error {
	tok = normalize(tok)
	if tok == nil {
		return r.Clear(ctx)
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for name, value := range map[string]string{
			AccessTokenKey:  tok.AccessToken,
			RefreshTokenKey: tok.RefreshToken,
		} {
			if value == "" {
				pipe.Del(ctx, r.key(name))
				continue
			}
			pipe.Set(ctx, r.key(name), value, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	return nil
}

// Clear deletes both tokens in one command
func (r *RedisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key(AccessTokenKey), r.key(RefreshTokenKey)).Err(); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	return nil
}
