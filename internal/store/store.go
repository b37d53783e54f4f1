package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/chathive/session-orchestrator/internal/crypto"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when an insert hits a uniqueness constraint.
	ErrConflict = errors.New("record already exists")
)

// RedisClient is the subset of redis.Client the store uses, extracted so
// tests can substitute their own implementation.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Store gives access to the tenant directory and the local bot partition.
type Store struct {
	pool   *pgxpool.Pool
	redis  RedisClient
	cipher *crypto.Cipher
}

func New(ctx context.Context, dsn string, rdb RedisClient, cipher *crypto.Cipher) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{pool: pool, redis: rdb, cipher: cipher}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
