// Package redis wraps go-redis with the domain-specific key layout this
// proxy persists account, rate-limit, health, and signature-cache state
// under.
package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Key prefixes for every namespace this package writes under.
const (
	PrefixAccounts          = "antigravity:accounts:"
	PrefixAccountIndex      = "antigravity:accounts:index"
	PrefixRateLimits        = "antigravity:ratelimits:"
	PrefixQuotas            = "antigravity:quotas:"
	PrefixHealth            = "antigravity:health:"
	PrefixTokens            = "antigravity:tokens:"
	PrefixSignatureTool     = "antigravity:signatures:tool:"
	PrefixSignatureUser     = "antigravity:signatures:user:"
	PrefixSignatureThinking = "antigravity:signatures:thinking:"
	PrefixStats             = "antigravity:stats:"
	PrefixConfig            = "antigravity:config"
	PrefixTokenCache        = "antigravity:token_cache:"
	PrefixProjectCache      = "antigravity:project_cache:"
	PrefixOAuth             = "antigravity:oauth:"
)

// Client wraps a go-redis client with the JSON-envelope and pattern-scan
// helpers every domain store in this package builds on.
type Client struct {
	rdb *goredis.Client
}

// Config holds connection parameters for NewClient.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient dials addr and verifies the connection with a short-lived ping.
func NewClient(cfg Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Raw exposes the underlying go-redis client for operations this wrapper
// doesn't cover.
func (c *Client) Raw() *goredis.Client { return c.rdb }

// IsNil reports whether err is the go-redis "key not found" sentinel.
func IsNil(err error) bool { return err == goredis.Nil }

// Set JSON-encodes value and stores it under key with an optional TTL
// (zero means no expiry).
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// Get reads key and JSON-decodes it into dest.
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete removes one or more keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	count, err := c.rdb.Exists(ctx, key).Result()
	return count > 0, err
}

// SetNX stores value under key only if key is absent.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.rdb.SetNX(ctx, key, data, ttl).Result()
}

// Expire sets a TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// HSet writes a hash, JSON-encoding any non-string field value.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	args := make([]interface{}, 0, len(fields)*2)
	for field, value := range fields {
		args = append(args, field)
		if s, ok := value.(string); ok {
			args = append(args, s)
			continue
		}
		data, err := json.Marshal(value)
		if err != nil {
			return err
		}
		args = append(args, string(data))
	}
	return c.rdb.HSet(ctx, key, args...).Err()
}

// HGet reads a single hash field.
func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	return c.rdb.HGet(ctx, key, field).Result()
}

// HGetAll reads every field of a hash.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HDel removes fields from a hash.
func (c *Client) HDel(ctx context.Context, key string, fields ...string) error {
	return c.rdb.HDel(ctx, key, fields...).Err()
}

// HIncrBy increments an integer hash field.
func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, delta).Result()
}

// HIncrByFloat increments a float hash field.
func (c *Client) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	return c.rdb.HIncrByFloat(ctx, key, field, delta).Result()
}

// SAdd adds members to a set.
func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return c.rdb.SAdd(ctx, key, members...).Err()
}

// SRem removes members from a set.
func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	return c.rdb.SRem(ctx, key, members...).Err()
}

// SMembers returns every member of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// SIsMember reports set membership.
func (c *Client) SIsMember(ctx context.Context, key string, member interface{}) (bool, error) {
	return c.rdb.SIsMember(ctx, key, member).Result()
}

// SCard returns set size.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.SCard(ctx, key).Result()
}

// SetString stores a raw string value with an optional TTL.
func (c *Client) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// GetString reads a raw string value.
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// Incr increments an integer counter.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

// IncrBy increments an integer counter by delta.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.rdb.IncrBy(ctx, key, delta).Result()
}

// LPush prepends values to a list.
func (c *Client) LPush(ctx context.Context, key string, values ...interface{}) error {
	return c.rdb.LPush(ctx, key, values...).Err()
}

// RPush appends values to a list.
func (c *Client) RPush(ctx context.Context, key string, values ...interface{}) error {
	return c.rdb.RPush(ctx, key, values...).Err()
}

// LRange reads a range of list elements.
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

// LTrim trims a list down to [start, stop].
func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.rdb.LTrim(ctx, key, start, stop).Err()
}

// LLen returns list length.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// Keys returns every key matching pattern. Prefer ScanAll in
// production-sized keyspaces.
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	return c.rdb.Keys(ctx, pattern).Result()
}

// Scan runs one SCAN iteration.
func (c *Client) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	return c.rdb.Scan(ctx, cursor, pattern, count).Result()
}

// ScanAll drives SCAN to completion and returns every matching key.
func (c *Client) ScanAll(ctx context.Context, pattern string) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// Watch runs fn inside a WATCH transaction over keys.
func (c *Client) Watch(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error {
	return c.rdb.Watch(ctx, fn, keys...)
}

// Pipeline starts a non-transactional pipeline.
func (c *Client) Pipeline() goredis.Pipeliner { return c.rdb.Pipeline() }

// TxPipeline starts a MULTI/EXEC pipeline.
func (c *Client) TxPipeline() goredis.Pipeliner { return c.rdb.TxPipeline() }
