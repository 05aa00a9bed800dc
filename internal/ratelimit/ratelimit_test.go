package ratelimit

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielalanbates/github-helper/internal/storage/sqlite"
	"github.com/danielalanbates/github-helper/internal/types"
)

type fakeWindows struct {
	mu   sync.Mutex
	rows map[string]*types.RateWindow
}

func (f *fakeWindows) GetRateWindow(_ context.Context, resource string) (*types.RateWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.rows[resource]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (f *fakeWindows) ResetRateWindow(_ context.Context, resource string, start time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[resource].RequestsMade = 1
	f.rows[resource].WindowStart = start
	return nil
}

func (f *fakeWindows) IncrementRateWindow(_ context.Context, resource string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[resource].RequestsMade++
	return nil
}

func TestTryAcquireFixedWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeWindows{rows: map[string]*types.RateWindow{
		ResourceGitHubSearch: {Resource: ResourceGitHubSearch, Limit: 2, WindowStart: now},
	}}
	l := New(store, Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.TryAcquire(ctx, ResourceGitHubSearch)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should fit the window", i)
	}
	ok, err := l.TryAcquire(ctx, ResourceGitHubSearch)
	require.NoError(t, err)
	assert.False(t, ok, "third request should be denied")

	// The search window is one minute
	now = now.Add(61 * time.Second)
	ok, err = l.TryAcquire(ctx, ResourceGitHubSearch)
	require.NoError(t, err)
	assert.True(t, ok, "new window should admit again")
	assert.Equal(t, 1, store.rows[ResourceGitHubSearch].RequestsMade)
}

func TestTryAcquireUnmanagedResource(t *testing.T) {
	l := New(&fakeWindows{rows: map[string]*types.RateWindow{}}, Config{})
	ok, err := l.TryAcquire(context.Background(), "somewhere_else")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWindowDefaults(t *testing.T) {
	l := New(&fakeWindows{}, Config{})
	assert.Equal(t, time.Minute, l.window(ResourceGitHubSearch))
	assert.Equal(t, time.Hour, l.window(ResourceGitHubAPI))
}

func TestWaitForSlotHonorsContext(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeWindows{rows: map[string]*types.RateWindow{
		ResourceGitHubAPI: {Resource: ResourceGitHubAPI, Limit: 1, RequestsMade: 1, WindowStart: now},
	}}
	l := New(store, Config{Now: func() time.Time { return now }, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.WaitForSlot(ctx, ResourceGitHubAPI)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForSlotAgainstDatabase(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "dogood.db"), sqlite.WithClock(clock))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.SetRateLimit(ctx, "test_api", 3))

	l := New(store, Config{Now: clock, PollInterval: time.Millisecond})
	for i := 0; i < 3; i++ {
		require.NoError(t, l.WaitForSlot(ctx, "test_api"))
	}
	ok, err := l.TryAcquire(ctx, "test_api")
	require.NoError(t, err)
	assert.False(t, ok)

	w, err := store.GetRateWindow(ctx, "test_api")
	require.NoError(t, err)
	assert.Equal(t, 3, w.RequestsMade)
}
