package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/harunnryd/mnemo/internal/config"
	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"

	"github.com/gofrs/flock"
)

const lockFileName = "store.lock"

// FileLock is an exclusive advisory lock on the data directory. It serializes window swaps
// across store handles and processes.
type FileLock struct {
	fileLock   *flock.Flock
	lockPath   string
	owner      string
	acquiredAt time.Time
	mu         sync.RWMutex
}

type FileLockConfig struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
}

func DefaultFileLockConfig() *FileLockConfig {
	lockTimeout, _ := config.DurationOrDefault(config.DefaultStoreLockTimeout, config.DefaultStoreLockTimeout)
	lockRetry, _ := config.DurationOrDefault(config.DefaultStoreLockRetry, config.DefaultStoreLockRetry)

	return &FileLockConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: config.DefaultStoreLockMaxRetry,
	}
}

// AcquireFileLock retries TryLock until it succeeds, ctx ends, or the configured budget runs out.
func AcquireFileLock(ctx context.Context, owner, basePath string, cfg *FileLockConfig) (*FileLock, error) {
	if cfg == nil {
		cfg = DefaultFileLockConfig()
	}
	if cfg.LockMaxRetry < 1 {
		cfg.LockMaxRetry = 1
	}

	lockPath := filepath.Join(basePath, lockFileName)
	fl := &FileLock{
		fileLock: flock.New(lockPath),
		lockPath: lockPath,
		owner:    owner,
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.LockTimeout)
	defer cancel()

	if err := fl.acquireWithRetry(ctx, cfg); err != nil {
		return nil, err
	}

	fl.acquiredAt = time.Now()
	slog.Debug("File lock acquired", "owner", owner, "path", lockPath)

	return fl, nil
}

func (fl *FileLock) acquireWithRetry(ctx context.Context, cfg *FileLockConfig) error {
	for i := 0; i < cfg.LockMaxRetry; i++ {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("store %s is locked by another instance (timeout after %v): %w",
					fl.lockPath, cfg.LockTimeout, mnemoErrors.ErrConflict)
			}
			return fmt.Errorf("lock acquisition cancelled: %w", ctx.Err())
		default:
			locked, err := fl.fileLock.TryLock()
			if err != nil {
				return fmt.Errorf("failed to attempt lock: %w", err)
			}
			if locked {
				return nil
			}

			if i < cfg.LockMaxRetry-1 {
				time.Sleep(cfg.LockRetry)
			}
		}
	}

	return fmt.Errorf("store %s is locked by another instance (gave up after %d attempts): %w",
		fl.lockPath, cfg.LockMaxRetry, mnemoErrors.ErrConflict)
}

func (fl *FileLock) Unlock() {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.fileLock == nil {
		slog.Warn("FileLock already unlocked", "owner", fl.owner)
		return
	}

	if err := fl.fileLock.Unlock(); err != nil {
		slog.Error("Failed to release file lock", "owner", fl.owner, "path", fl.lockPath, "error", err)
	} else {
		slog.Debug("File lock released", "owner", fl.owner, "held_duration_ms", time.Since(fl.acquiredAt).Milliseconds())
	}

	fl.fileLock = nil
}

func (fl *FileLock) IsLocked() bool {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	return fl.fileLock != nil
}

func (fl *FileLock) HeldDuration() time.Duration {
	fl.mu.RLock()
	defer fl.mu.RUnlock()
	if fl.acquiredAt.IsZero() || fl.fileLock == nil {
		return 0
	}
	return time.Since(fl.acquiredAt)
}
