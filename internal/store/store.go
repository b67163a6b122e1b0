// Package store persists messages and the active context window of each user.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/harunnryd/mnemo/internal/config"
	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/message"

	"github.com/oklog/ulid/v2"
)

// UpdateFunc derives the next window from the current one. Returning an error aborts the swap.
type UpdateFunc func(current []message.Message) ([]message.Message, error)

// Store is the durable message log plus one active window per user.
// UpdateContext, ReplaceContext, AppendContext and RemoveContext are atomic with respect to each other.
type Store interface {
	GetContext(ctx context.Context, userID string) ([]message.Message, error)
	UpdateContext(ctx context.Context, userID string, fn UpdateFunc) ([]message.Message, error)
	ReplaceContext(ctx context.Context, userID string, msgs []message.Message) ([]message.Message, error)
	AppendContext(ctx context.Context, userID string, msgs ...message.Message) ([]message.Message, error)
	RemoveContext(ctx context.Context, userID string, ids ...string) ([]message.Message, error)
	WindowCreatedAt(ctx context.Context, userID string) (time.Time, bool, error)
	UserMessagesSince(ctx context.Context, userID string, since time.Time) ([]message.Message, error)
	Close() error
}

// Open returns the store selected by cfg.Driver.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		path, err := ResolveDataPath(cfg.Path)
		if err != nil {
			return nil, err
		}
		return OpenSQLite(filepath.Join(path, "mnemo.db"))
	case "postgres":
		return OpenPostgres(cfg.DSN)
	case "file":
		runtimeCfg, err := fileRuntimeConfig(cfg)
		if err != nil {
			return nil, err
		}
		return OpenFileStore(cfg.Path, runtimeCfg)
	default:
		return nil, mnemoErrors.InvalidInput(fmt.Sprintf("unknown store driver: %s", cfg.Driver))
	}
}

func fileRuntimeConfig(cfg config.StoreConfig) (RuntimeConfig, error) {
	lockTimeout, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultStoreLockTimeout)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse store lock timeout: %w", err)
	}
	lockRetry, err := config.DurationOrDefault(cfg.LockRetry, config.DefaultStoreLockRetry)
	if err != nil {
		return RuntimeConfig{}, fmt.Errorf("parse store lock retry: %w", err)
	}
	return RuntimeConfig{
		LockTimeout:  lockTimeout,
		LockRetry:    lockRetry,
		LockMaxRetry: cfg.LockMaxRetry,
		InboxSize:    cfg.InboxSize,
	}, nil
}

// NewID returns a new lexically sortable message id.
func NewID() string {
	return ulid.Make().String()
}

// prepareWindow validates msgs and assigns ids to unsaved ones. The input is not modified.
func prepareWindow(userID string, msgs []message.Message) ([]message.Message, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, mnemoErrors.InvalidInput("user id is required")
	}
	out := message.CloneAll(msgs)
	seen := make(map[string]struct{}, len(out))
	for i := range out {
		if err := out[i].Validate(); err != nil {
			return nil, mnemoErrors.WrapWithCategory(err, "invalid context message", mnemoErrors.ErrInvalidInput)
		}
		if out[i].ID == "" {
			out[i].ID = NewID()
		}
		if _, dup := seen[out[i].ID]; dup {
			return nil, mnemoErrors.InvalidInput(fmt.Sprintf("message %s appears twice in window", out[i].ID))
		}
		seen[out[i].ID] = struct{}{}
		if out[i].CreatedAt.IsZero() {
			out[i].CreatedAt = message.UTCNow()
		}
	}
	return out, nil
}

func removeIDs(window []message.Message, ids []string) []message.Message {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	out := make([]message.Message, 0, len(window))
	for _, m := range window {
		if _, ok := drop[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

func messageIDs(msgs []message.Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}
