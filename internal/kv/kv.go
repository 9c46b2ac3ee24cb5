// Package kv is the TTL key-value store behind pairing tokens, liveness
// records, refresh tokens and rate-limit windows. Every operation is a single
// per-key atomic step; callers never lock.
package kv

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("kv: key not found")

type Store interface {
	// Set stores value under key; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// GetDel atomically fetches and removes key. Of several concurrent callers
	// at most one receives the value.
	GetDel(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
	// Incr increments the counter at key and returns the new value. The window
	// starts with the first increment and the key expires when it ends.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// TTL returns the remaining lifetime of key.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
