package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config for the shared counter/cache store.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedis dials the shared store and verifies it with a short ping. The
// returned client is handed to the limiter/sequencer/cache explicitly; no
// package-level client exists.
func NewRedis(c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}
