package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortLockConfig(timeout time.Duration) *FileLockConfig {
	retry := 10 * time.Millisecond
	maxRetry := int(timeout / retry)
	if maxRetry < 1 {
		maxRetry = 1
	}
	return &FileLockConfig{
		LockTimeout:  timeout,
		LockRetry:    retry,
		LockMaxRetry: maxRetry,
	}
}

func TestAcquireFileLock(t *testing.T) {
	lock, err := AcquireFileLock(context.Background(), t.Name(), t.TempDir(), nil)
	require.NoError(t, err)
	assert.True(t, lock.IsLocked())

	lock.Unlock()
	assert.False(t, lock.IsLocked())
	assert.Zero(t, lock.HeldDuration())
}

func TestFileLockConcurrentAcquire(t *testing.T) {
	dir := t.TempDir()
	cfg := shortLockConfig(200 * time.Millisecond)

	lock1, err := AcquireFileLock(context.Background(), "first", dir, cfg)
	require.NoError(t, err)
	defer lock1.Unlock()

	lock2, err := AcquireFileLock(context.Background(), "second", dir, cfg)
	if err == nil {
		lock2.Unlock()
		t.Fatal("Expected second lock acquisition to fail")
	}
	assert.True(t, errors.Is(err, mnemoErrors.ErrConflict))
}

func TestFileLockDoubleUnlock(t *testing.T) {
	lock, err := AcquireFileLock(context.Background(), t.Name(), t.TempDir(), nil)
	require.NoError(t, err)

	lock.Unlock()
	lock.Unlock()
	assert.False(t, lock.IsLocked())
}

func TestFileLockHeldDuration(t *testing.T) {
	lock, err := AcquireFileLock(context.Background(), t.Name(), t.TempDir(), nil)
	require.NoError(t, err)
	defer lock.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.GreaterOrEqual(t, lock.HeldDuration(), 50*time.Millisecond)
}

func TestFileLockRetryUntilReleased(t *testing.T) {
	dir := t.TempDir()
	cfg := shortLockConfig(time.Second)

	lock1, err := AcquireFileLock(context.Background(), "first", dir, cfg)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		lock1.Unlock()
	}()

	lock2, err := AcquireFileLock(context.Background(), "second", dir, cfg)
	require.NoError(t, err)
	lock2.Unlock()
}

func TestFileLockCancelledContext(t *testing.T) {
	dir := t.TempDir()
	lock1, err := AcquireFileLock(context.Background(), "first", dir, nil)
	require.NoError(t, err)
	defer lock1.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = AcquireFileLock(ctx, "second", dir, shortLockConfig(time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileLockConcurrentAccess(t *testing.T) {
	dir := t.TempDir()
	cfg := shortLockConfig(2 * time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired, current, maxConcurrent := 0, 0, 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			lock, err := AcquireFileLock(context.Background(), "worker", dir, cfg)
			if err != nil {
				return
			}
			defer lock.Unlock()

			mu.Lock()
			acquired++
			current++
			if current > maxConcurrent {
				maxConcurrent = current
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Positive(t, acquired)
	assert.LessOrEqual(t, maxConcurrent, 1)
}

func TestFileLockBlocksRawFlock(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireFileLock(context.Background(), t.Name(), dir, nil)
	require.NoError(t, err)
	defer lock.Unlock()

	other := flock.New(filepath.Join(dir, lockFileName))
	locked, err := other.TryLock()
	require.NoError(t, err)
	if locked {
		_ = other.Unlock()
	}
	assert.False(t, locked)
}
