package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache 带 TTL 的元数据缓存，值以 JSON 存储
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisCacheFromClient(client), nil
}

func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

type memoryItem struct {
	data    []byte
	expires time.Time
}

// MemoryCache 进程内缓存，未配置 redis 时使用
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryItem), now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	item, ok := c.items[key]
	if ok && !item.expires.IsZero() && !c.now().Before(item.expires) {
		delete(c.items, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(item.data, dest)
}

func (c *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	item := memoryItem{data: data}
	if ttl > 0 {
		item.expires = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = item
	c.mu.Unlock()
	return nil
}

// GetOrSet 缓存未命中时调用 fn 并回填；缓存读写失败不影响结果
func GetOrSet[T any](c Cache, ctx context.Context, key string, ttl time.Duration, fn func() (T, error)) (T, error) {
	var result T
	if err := c.Get(ctx, key, &result); err == nil {
		return result, nil
	}
	result, err := fn()
	if err != nil {
		return result, err
	}
	_ = c.Set(ctx, key, result, ttl)
	return result, nil
}

// NativeMint 作为原生币的资产标识（wrapped SOL mint）
var NativeMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

const nativeDecimals = 9

// MintMetadata 解析支付资产的小数位
type MintMetadata struct {
	net   Network
	cache Cache
	ttl   time.Duration
}

func NewMintMetadata(net Network, cache Cache, ttl time.Duration) *MintMetadata {
	return &MintMetadata{net: net, cache: cache, ttl: ttl}
}

func (m *MintMetadata) Decimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	if mint.Equals(NativeMint) {
		return nativeDecimals, nil
	}
	return GetOrSet(m.cache, ctx, "mint:decimals:"+mint.String(), m.ttl, func() (uint8, error) {
		return m.net.MintDecimals(ctx, mint)
	})
}
