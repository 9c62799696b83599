// Package storage provides the TTL key-value substrate shared by jobs,
// fingerprint pointers, saved states and session records.
//
// Every backend offers the same two atomic primitives, SetNX and
// CompareAndSwap. Callers build read-modify-write cycles on top of them with
// Update, so correctness does not depend on a single process owning the data.
// The SQLite and Redis backends therefore give the same guarantees to several
// gateway processes sharing one database or one Redis instance.
//
// Expired keys are treated as absent by every operation.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("key not found")

	// ErrConflict is returned when a compare-and-set loop keeps losing races.
	ErrConflict = errors.New("concurrent update conflict")
)

// maxUpdateAttempts bounds the compare-and-set retry loop in Update.
const maxUpdateAttempts = 16

// Store is a string-keyed byte store with per-key TTL.
// A ttl <= 0 means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX writes value only if key is absent (or expired).
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces value only if the current value equals old.
	CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Expire resets the TTL of an existing key. Missing keys are ignored.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Update runs a read-modify-write cycle on key, retrying when another writer
// wins the race. It returns ErrConflict when retries are exhausted.
func Update(ctx context.Context, s Store, key string, ttl time.Duration, fn UpdateFunc) ([]byte, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cur, err := s.Get(ctx, key)
		exists := true
		if errors.Is(err, ErrNotFound) {
			exists = false
			cur = nil
		} else if err != nil {
			return nil, fmt.Errorf("read %q: %w", key, err)
		}

		next, err := fn(cur, exists)
		if err != nil {
			return nil, err
		}

		var ok bool
		if exists {
			ok, err = s.CompareAndSwap(ctx, key, cur, next, ttl)
		} else {
			ok, err = s.SetNX(ctx, key, next, ttl)
		}
		if err != nil {
			return nil, fmt.Errorf("write %q: %w", key, err)
		}
		if ok {
			return next, nil
		}
	}
	return nil, fmt.Errorf("update %q: %w", key, ErrConflict)
}

// GetJSON loads key and decodes it into v.
func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}
