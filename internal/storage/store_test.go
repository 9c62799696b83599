package storage

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backend returns a fresh store and a function that moves its clock forward.
type backend func(t *testing.T) (Store, func(time.Duration))

func memoryBackend(t *testing.T) (Store, func(time.Duration)) {
	m := NewMemoryStore()
	now := time.Now()
	var mu sync.Mutex
	m.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	return m, func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
}

func sqliteBackend(t *testing.T) (Store, func(time.Duration)) {
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	s := NewSQLiteStore(db)
	t.Cleanup(func() { _ = s.Close() })

	var offset atomic.Int64
	s.now = func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	return s, func(d time.Duration) { offset.Add(int64(d)) }
}

func redisBackend(t *testing.T) (Store, func(time.Duration)) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr.FastForward
}

func backends() map[string]backend {
	return map[string]backend{
		"memory": memoryBackend,
		"sqlite": sqliteBackend,
		"redis":  redisBackend,
	}
}

func TestStoreConformance(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("get missing", func(t *testing.T) {
				s, _ := open(t)
				_, err := s.Get(context.Background(), "nope")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("set and get", func(t *testing.T) {
				s, _ := open(t)
				ctx := context.Background()
				require.NoError(t, s.Set(ctx, "k", []byte(`{"a":1}`), 0))
				got, err := s.Get(ctx, "k")
				require.NoError(t, err)
				assert.Equal(t, `{"a":1}`, string(got))
			})

			t.Run("setnx only once", func(t *testing.T) {
				s, _ := open(t)
				ctx := context.Background()
				ok, err := s.SetNX(ctx, "k", []byte("first"), time.Minute)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = s.SetNX(ctx, "k", []byte("second"), time.Minute)
				require.NoError(t, err)
				assert.False(t, ok)

				got, err := s.Get(ctx, "k")
				require.NoError(t, err)
				assert.Equal(t, "first", string(got))
			})

			t.Run("compare and swap", func(t *testing.T) {
				s, _ := open(t)
				ctx := context.Background()
				require.NoError(t, s.Set(ctx, "k", []byte("v1"), time.Minute))

				ok, err := s.CompareAndSwap(ctx, "k", []byte("stale"), []byte("v2"), time.Minute)
				require.NoError(t, err)
				assert.False(t, ok)

				ok, err = s.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), time.Minute)
				require.NoError(t, err)
				assert.True(t, ok)

				ok, err = s.CompareAndSwap(ctx, "missing", []byte("v1"), []byte("v2"), time.Minute)
				require.NoError(t, err)
				assert.False(t, ok)

				got, err := s.Get(ctx, "k")
				require.NoError(t, err)
				assert.Equal(t, "v2", string(got))
			})

			t.Run("expiry hides keys and frees setnx", func(t *testing.T) {
				s, advance := open(t)
				ctx := context.Background()
				require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Second))

				advance(2 * time.Second)
				_, err := s.Get(ctx, "k")
				assert.ErrorIs(t, err, ErrNotFound)

				ok, err := s.CompareAndSwap(ctx, "k", []byte("v"), []byte("w"), 0)
				require.NoError(t, err)
				assert.False(t, ok, "expired key must not be swappable")

				ok, err = s.SetNX(ctx, "k", []byte("fresh"), 0)
				require.NoError(t, err)
				assert.True(t, ok, "expired key must be claimable")
			})

			t.Run("expire refreshes ttl", func(t *testing.T) {
				s, advance := open(t)
				ctx := context.Background()
				require.NoError(t, s.Set(ctx, "k", []byte("v"), 2*time.Second))

				advance(time.Second)
				require.NoError(t, s.Expire(ctx, "k", 10*time.Second))
				advance(5 * time.Second)

				_, err := s.Get(ctx, "k")
				assert.NoError(t, err)
			})

			t.Run("delete", func(t *testing.T) {
				s, _ := open(t)
				ctx := context.Background()
				require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
				require.NoError(t, s.Delete(ctx, "k"))
				_, err := s.Get(ctx, "k")
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("update is atomic under contention", func(t *testing.T) {
				s, _ := open(t)
				ctx := context.Background()

				const writers = 8
				var wg sync.WaitGroup
				errs := make(chan error, writers)
				for i := 0; i < writers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := Update(ctx, s, "counter", 0, func(cur []byte, exists bool) ([]byte, error) {
							return append(cur, 'x'), nil
						})
						errs <- err
					}()
				}
				wg.Wait()
				close(errs)

				succeeded := 0
				for err := range errs {
					if err == nil {
						succeeded++
					} else {
						assert.ErrorIs(t, err, ErrConflict)
					}
				}
				got, err := s.Get(ctx, "counter")
				require.NoError(t, err)
				assert.Len(t, got, succeeded, "every successful update must be reflected exactly once")
			})
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	type rec struct {
		Name string `json:"name"`
	}
	require.NoError(t, SetJSON(ctx, s, "r", rec{Name: "alpha"}, 0))

	var got rec
	require.NoError(t, GetJSON(ctx, s, "r", &got))
	assert.Equal(t, "alpha", got.Name)

	assert.ErrorIs(t, GetJSON(ctx, s, "missing", &got), ErrNotFound)
}

func TestSQLiteSweepRemovesExpiredRows(t *testing.T) {
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	s := NewSQLiteStore(db)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "short", []byte("v"), time.Millisecond))
	require.NoError(t, s.Set(ctx, "forever", []byte("v"), 0))

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestCheckLocalFilesystemRejectsNetworkMounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.db")

	err := checkLocalFilesystem(path, func(string) (string, error) { return "nfs", nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network filesystem")

	assert.NoError(t, checkLocalFilesystem(path, func(string) (string, error) { return "ext4", nil }))
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "etcd"})
	assert.Error(t, err)
}
