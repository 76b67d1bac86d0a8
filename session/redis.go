package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tokenportal/portal/middleware"
)

// RedisKeyPrefix namespaces session records.
const RedisKeyPrefix = "portal:session:"

// RedisClient is the subset of *redis.Client used for sessions.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisPersistence keeps session records in Redis. The browser only holds
// the record id, sealed in the auth_token cookie.
type RedisPersistence struct {
	client RedisClient
	cookie *middleware.SecureCookieAEAD
}

func NewRedisPersistence(client RedisClient, keyID string, keys map[string][]byte, opts ...middleware.SecureCookieOption) (*RedisPersistence, error) {
	if client == nil {
		return nil, errors.New("session: nil redis client")
	}
	cookie, err := middleware.NewSecureCookie(AuthTokenCookie, keyID, keys, opts...)
	if err != nil {
		return nil, err
	}
	return &RedisPersistence{client: client, cookie: cookie}, nil
}

func (p *RedisPersistence) Bind(w http.ResponseWriter, r *http.Request) Persistence {
	b := &redisBinding{p: p, w: w}
	if c, err := r.Cookie(AuthTokenCookie); err == nil {
		var id string
		if p.cookie.Decode(c, &id) == nil {
			if _, err := uuid.Parse(id); err == nil {
				b.id = id
			}
		}
		b.hadCookie = true
	}
	return b
}

type redisBinding struct {
	p         *RedisPersistence
	w         http.ResponseWriter
	id        string
	hadCookie bool
}

func (b *redisBinding) key() string {
	return RedisKeyPrefix + b.id
}

func (b *redisBinding) Load(ctx context.Context) (*Record, error) {
	if b.id == "" {
		if b.hadCookie {
			return nil, middleware.ErrCookieInvalid
		}
		return nil, nil
	}
	data, err := b.p.client.Get(ctx, b.key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var rec Record
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &rec, nil
}

func (b *redisBinding) Save(ctx context.Context, rec Record, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	if b.id == "" {
		b.id = uuid.NewString()
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	if err := b.p.client.Set(ctx, b.key(), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	c, err := b.p.cookie.Encode(b.id, maxAgeSeconds(ttl))
	if err != nil {
		return err
	}
	http.SetCookie(b.w, c)
	b.hadCookie = true
	return nil
}

func (b *redisBinding) Clear(ctx context.Context) error {
	var err error
	if b.id != "" {
		if derr := b.p.client.Del(ctx, b.key()).Err(); derr != nil {
			err = fmt.Errorf("clear session: %w", derr)
		}
		b.id = ""
	}
	if b.hadCookie {
		http.SetCookie(b.w, b.p.cookie.Clear())
		b.hadCookie = false
	}
	return err
}
