package entry

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/any-stream/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...Option) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db", "entries.sqlite3")
	store, err := Open(context.Background(), path, logging.Discard(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRegisterRemoteEntry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	store := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	created, err := store.Register(ctx, "http://example.test/video.mp4", 1)
	require.NoError(t, err)
	require.Len(t, created.ID, idLength)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://example.test/video.mp4", got.RemoteLocation)
	assert.Empty(t, got.LocalLocation)
	assert.True(t, got.IsRemote())
	assert.True(t, got.FileExists())
	assert.Equal(t, "http://example.test/video.mp4", got.Location())
	assert.False(t, got.Locked)
	assert.Equal(t, clock.Now().Add(24*time.Hour).UnixMilli(), got.ExpiresAt.UnixMilli())
}

func TestRegisterLocalEntry(t *testing.T) {
	store := newTestStore(t)
	dir := t.TempDir()
	local := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(local, []byte("data"), 0o644))

	created, err := store.Register(context.Background(), local, 3)
	require.NoError(t, err)
	assert.Equal(t, local, created.LocalLocation)
	assert.False(t, created.IsRemote())
	assert.True(t, created.FileExists())

	require.NoError(t, os.Remove(local))
	assert.False(t, created.FileExists())
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Register(context.Background(), "   ", 1)
	assert.ErrorIs(t, err, ErrInvalidLocation)

	_, err = store.Register(context.Background(), "http://example.test/a", -1)
	assert.ErrorIs(t, err, ErrInvalidExpiration)
}

func TestRegisterRetriesOnIDCollision(t *testing.T) {
	ids := []string{"aaaaaaaaaa", "aaaaaaaaaa", "bbbbbbbbbb"}
	var next int32
	gen := func() string {
		i := atomic.AddInt32(&next, 1) - 1
		return ids[i]
	}
	store := newTestStore(t, WithIDGenerator(gen))
	ctx := context.Background()

	first, err := store.Register(ctx, "http://example.test/a", 1)
	require.NoError(t, err)
	second, err := store.Register(ctx, "http://example.test/b", 1)
	require.NoError(t, err)

	assert.Equal(t, "aaaaaaaaaa", first.ID)
	assert.Equal(t, "bbbbbbbbbb", second.ID)
}

func TestLookupIncrementsDownloadCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created, err := store.Register(ctx, "http://example.test/a.bin", 1)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		got, err := store.Lookup(ctx, created.ID)
		require.NoError(t, err)
		assert.EqualValues(t, i, got.DownloadCount)
	}

	// Get 与 List 不应改变计数。
	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.DownloadCount)
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.EqualValues(t, 3, list[0].DownloadCount)
}

func TestLookupExpiredEntryIsUntouched(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := newTestStore(t, WithClock(clock.Now))
	ctx := context.Background()

	created, err := store.Register(ctx, "http://example.test/old.bin", 1)
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	_, err = store.Lookup(ctx, created.ID)
	require.ErrorIs(t, err, ErrExpired)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, got.DownloadCount)
	assert.True(t, got.IsExpired(clock.Now()))
}

func TestLookupMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Lookup(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLockIsExclusive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created, err := store.Register(ctx, "http://example.test/a.bin", 1)
	require.NoError(t, err)

	require.NoError(t, store.Lock(ctx, created.ID))
	locked, err := store.IsLocked(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, locked)

	assert.ErrorIs(t, store.Lock(ctx, created.ID), ErrAlreadyLocked)
	acquired, err := store.TryLock(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, store.Unlock(ctx, created.ID))
	acquired, err = store.TryLock(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestTryLockConcurrentSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created, err := store.Register(ctx, "http://example.test/a.bin", 1)
	require.NoError(t, err)

	const workers = 16
	var (
		wg      sync.WaitGroup
		winners int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acquired, err := store.TryLock(ctx, created.ID)
			if err == nil && acquired {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners)
}

func TestLockMissingEntry(t *testing.T) {
	store := newTestStore(t)
	_, err := store.TryLock(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Unlock(context.Background(), "missing"), ErrNotFound)
}

func TestSetLocalLocationIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created, err := store.Register(ctx, "http://example.test/a.bin", 1)
	require.NoError(t, err)

	require.NoError(t, store.SetLocalLocation(ctx, created.ID, "/cache/x/a.bin"))
	require.NoError(t, store.SetLocalLocation(ctx, created.ID, "/cache/x/a.bin"))

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "/cache/x/a.bin", got.LocalLocation)
	assert.Equal(t, "/cache/x/a.bin", got.Location())
	assert.False(t, got.IsRemote())

	assert.ErrorIs(t, store.SetLocalLocation(ctx, "missing", "/x"), ErrNotFound)
}

func TestRemoveIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	created, err := store.Register(ctx, "http://example.test/a.bin", 1)
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, created.ID))
	require.NoError(t, store.Remove(ctx, created.ID))
	require.NoError(t, store.Remove(ctx, "never-existed"))

	_, err = store.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEntriesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.sqlite3")
	ctx := context.Background()

	store, err := Open(ctx, path, logging.Discard())
	require.NoError(t, err)
	created, err := store.Register(ctx, "http://example.test/a.bin", 1)
	require.NoError(t, err)
	require.NoError(t, store.Lock(ctx, created.ID))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path, logging.Discard())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.RemoteLocation, got.RemoteLocation)
	assert.True(t, got.Locked)
}

func TestResetLocksReleasesStaleLocks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a, err := store.Register(ctx, "http://example.test/a.bin", 1)
	require.NoError(t, err)
	b, err := store.Register(ctx, "http://example.test/b.bin", 1)
	require.NoError(t, err)
	require.NoError(t, store.Lock(ctx, a.ID))
	require.NoError(t, store.Lock(ctx, b.ID))

	n, err := store.ResetLocks(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	locked, err := store.IsLocked(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, locked)
}
