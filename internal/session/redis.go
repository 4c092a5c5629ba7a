package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTrustStore persists trust values in Redis. It satisfies
// TrustStore; all failures surface as errors the manager tolerates.
type RedisTrustStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTrustStore connects and pings before returning; the caller
// decides whether to fall back to in-memory-only sessions.
func NewRedisTrustStore(addr, password string, db int) (*RedisTrustStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("session: redis ping failed (%s): %w", addr, err)
	}

	slog.Info("trust store connected", "addr", addr, "db", db)
	return &RedisTrustStore{
		rdb:    rdb,
		prefix: "arbiter:trust:",
		ttl:    30 * 24 * time.Hour,
	}, nil
}

func (s *RedisTrustStore) LoadTrust(ctx context.Context, userID string) (float64, bool, error) {
	val, err := s.rdb.Get(ctx, s.prefix+userID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("session: loading trust for %s: %w", userID, err)
	}
	trust, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("session: parsing trust for %s: %w", userID, err)
	}
	return trust, true, nil
}

func (s *RedisTrustStore) SaveTrust(ctx context.Context, userID string, value float64) error {
	key := s.prefix + userID
	if err := s.rdb.Set(ctx, key, strconv.FormatFloat(value, 'f', 4, 64), s.ttl).Err(); err != nil {
		return fmt.Errorf("session: saving trust for %s: %w", userID, err)
	}
	return nil
}

// Close shuts down the underlying client.
func (s *RedisTrustStore) Close() error { return s.rdb.Close() }
