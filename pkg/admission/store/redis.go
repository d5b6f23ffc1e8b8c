package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis, for deployments where many
// processes enforce a single shared quota.
//
// Update uses optimistic concurrency: the touched keys are WATCHed, the
// callback computes new values from a consistent read, and the writes are
// committed with MULTI/EXEC. If another client modifies a watched key before
// EXEC, the whole cycle retries. Under contention this behaves as a
// compare-and-swap loop; the retry budget bounds the worst case.
type RedisStore struct {
	client     redis.UniversalClient
	maxRetries int
}

// RedisStoreConfig configures the Redis backend.
type RedisStoreConfig struct {
	// Addr is the Redis server address ("host:port").
	Addr string

	// Password is the optional AUTH password.
	Password string

	// DB is the logical database number.
	DB int

	// MaxTxRetries bounds the optimistic retry loop in Update.
	// Default: 16.
	MaxTxRetries int

	// DialTimeout, ReadTimeout and WriteTimeout bound individual network
	// operations. Defaults: 5s, 3s, 3s.
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(cfg RedisStoreConfig) *RedisStore {
	if cfg.MaxTxRetries == 0 {
		cfg.MaxTxRetries = 16
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 3 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &RedisStore{
		client:     client,
		maxRetries: cfg.MaxTxRetries,
	}
}

// NewRedisStoreWithClient wraps an existing client. Used by tests and by
// callers that share a connection pool.
func NewRedisStoreWithClient(client redis.UniversalClient, maxRetries int) *RedisStore {
	if maxRetries == 0 {
		maxRetries = 16
	}
	return &RedisStore{client: client, maxRetries: maxRetries}
}

// redisTx implements Tx over values read under WATCH. Writes are staged and
// applied in the MULTI/EXEC pipeline after the callback returns.
type redisTx struct {
	values map[string][]byte // consistent read snapshot; absent keys omitted
	writes []redisWrite
}

type redisWrite struct {
	key    string
	value  []byte // nil = delete
	ttl    time.Duration
	delete bool
}

func (t *redisTx) Get(key string) ([]byte, bool) {
	// Later staged writes shadow the snapshot.
	for i := len(t.writes) - 1; i >= 0; i-- {
		if t.writes[i].key == key {
			if t.writes[i].delete {
				return nil, false
			}
			return t.writes[i].value, true
		}
	}
	v, ok := t.values[key]
	return v, ok
}

func (t *redisTx) Set(key string, value []byte, ttl time.Duration) {
	t.writes = append(t.writes, redisWrite{key: key, value: value, ttl: ttl})
}

func (t *redisTx) Delete(key string) {
	t.writes = append(t.writes, redisWrite{key: key, delete: true})
}

// Update runs fn under WATCH on the given keys, retrying on conflict.
func (s *RedisStore) Update(ctx context.Context, keys []string, fn func(tx Tx) error) error {
	txnFn := func(rtx *redis.Tx) error {
		tx := &redisTx{values: make(map[string][]byte, len(keys))}

		for _, key := range keys {
			v, err := rtx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			tx.values[key] = v
		}

		if err := fn(tx); err != nil {
			return err
		}
		if len(tx.writes) == 0 {
			return nil
		}

		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, w := range tx.writes {
				if w.delete {
					pipe.Del(ctx, w.key)
				} else {
					pipe.Set(ctx, w.key, w.value, w.ttl)
				}
			}
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txnFn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // another client touched a watched key; retry
		}
		if isRedisUnavailable(err) {
			return ErrUnavailable
		}
		return err
	}
	return ErrTxnConflict
}

// Get reads a single key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ErrUnavailable
	}
	return v, true, nil
}

// Set writes a single key with a TTL.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

// Delete removes a single key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

// List scans for keys with the given prefix. SCAN-based, so it is safe to
// run against a live server, but it is an administrative operation and not
// meant for the request path.
func (s *RedisStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := s.client.Scan(ctx, 0, prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		v, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, ErrUnavailable
		}
		out[key] = v
	}
	if err := iter.Err(); err != nil {
		return nil, ErrUnavailable
	}
	return out, nil
}

// Close releases the client's connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func isRedisUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	// go-redis wraps dial failures as *net.OpError, caught above via the
	// Timeout interface or here as a pool exhaustion error.
	return errors.Is(err, redis.ErrClosed)
}
