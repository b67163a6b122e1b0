package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/mnemo/internal/config"
	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T, dir string) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"sqlite": func(t *testing.T, dir string) Store {
			s, err := OpenSQLite(filepath.Join(dir, "mnemo.db"))
			require.NoError(t, err)
			return s
		},
		"file": func(t *testing.T, dir string) Store {
			s, err := OpenFileStore(dir, RuntimeConfig{LockTimeout: 2 * time.Second, LockRetry: 5 * time.Millisecond, LockMaxRetry: 400})
			require.NoError(t, err)
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, open func() Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			fn(t, func() Store {
				s := factory(t, dir)
				t.Cleanup(func() { _ = s.Close() })
				return s
			})
		})
	}
}

func sampleWindow(b *message.Builder) []message.Message {
	return []message.Message{
		b.Instruction(message.SystemInstructionLabel + "\nYou are Mnemo."),
		b.User("Hello"),
		b.Assistant("", []message.ToolCall{{ID: "c1", FunctionName: "time", Arguments: json.RawMessage(`{"tz":"UTC"}`)}}),
		b.Tool("c1", "12:00"),
		b.System("Information recalled from assistant memory: #dog\nRex", message.MemoryMetadata{EntityType: message.EntityMemory, EntityID: "m1", Name: "dog"}),
		b.Assistant("It is noon.", nil),
	}
}

func fixedBuilder(ts time.Time) *message.Builder {
	return &message.Builder{Now: func() time.Time { return ts }, ChatModel: "gpt-4o"}
}

func TestStore_EmptyUser(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func() Store) {
		s := open()
		ctx := context.Background()

		msgs, err := s.GetContext(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, msgs)

		_, ok, err := s.WindowCreatedAt(ctx, "nobody")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_ReplaceAssignsIDsAndRoundTrips(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func() Store) {
		s := open()
		ctx := context.Background()
		ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		window := sampleWindow(fixedBuilder(ts))

		saved, err := s.ReplaceContext(ctx, "cli", window)
		require.NoError(t, err)
		require.Len(t, saved, len(window))
		for i, m := range saved {
			assert.NotEmpty(t, m.ID)
			assert.Empty(t, window[i].ID, "input must not be modified")
		}

		got, err := s.GetContext(ctx, "cli")
		require.NoError(t, err)
		require.Len(t, got, len(window))

		assert.True(t, got[0].IsSystemInstruction())
		assert.Equal(t, saved[1].ID, got[1].ID)
		assert.Equal(t, "Hello", got[1].Content)
		assert.True(t, got[1].CreatedAt.Equal(ts))
		require.Len(t, got[2].ToolCalls, 1)
		assert.Equal(t, "time", got[2].ToolCalls[0].FunctionName)
		assert.JSONEq(t, `{"tz":"UTC"}`, string(got[2].ToolCalls[0].Arguments))
		assert.Equal(t, "gpt-4o", got[2].ChatModel)
		assert.Equal(t, "c1", got[3].ToolCallID)
		assert.True(t, got[4].References(message.EntityMemory, "m1"))

		_, ok, err := s.WindowCreatedAt(ctx, "cli")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestStore_ReplaceKeepsIDsOfPersistedMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func() Store) {
		s := open()
		ctx := context.Background()
		b := message.NewBuilder("gpt-4o")

		first, err := s.ReplaceContext(ctx, "cli", []message.Message{b.Instruction(message.SystemInstructionLabel), b.User("one")})
		require.NoError(t, err)

		second, err := s.ReplaceContext(ctx, "cli", append(first, b.Assistant("two", nil)))
		require.NoError(t, err)
		require.Len(t, second, 3)
		assert.Equal(t, first[0].ID, second[0].ID)
		assert.Equal(t, first[1].ID, second[1].ID)

		got, err := s.GetContext(ctx, "cli")
		require.NoError(t, err)
		assert.Equal(t, []string{first[0].ID, first[1].ID, second[2].ID}, messageIDs(got))
	})
}

func TestStore_ReplaceRejectsInvalidMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func() Store) {
		s := open()
		_, err := s.ReplaceContext(context.Background(), "cli", []message.Message{{Role: message.RoleTool, Content: "orphan"}})
		require.Error(t, err)
		assert.ErrorIs(t, err, mnemoErrors.ErrInvalidInput)

		msgs, err := s.GetContext(context.Background(), "cli")
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestStore_AppendAndRemove(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func() Store) {
		s := open()
		ctx := context.Background()
		b := message.NewBuilder("gpt-4o")

		base, err := s.ReplaceContext(ctx, "cli", []message.Message{b.Instruction(message.SystemInstructionLabel), b.User("one")})
		require.NoError(t, err)

		appended, err := s.AppendContext(ctx, "cli", b.System("note"))
		require.NoError(t, err)
		require.Len(t, appended, 3)
		assert.Equal(t, "note", appended[2].Content)

		removed, err := s.RemoveContext(ctx, "cli", base[1].ID)
		require.NoError(t, err)
		require.Len(t, removed, 2)
		assert.Equal(t, base[0].ID, removed[0].ID)
		assert.Equal(t, appended[2].ID, removed[1].ID)
	})
}

func TestStore_UsersAreIsolated(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func() Store) {
		s := open()
		ctx := context.Background()
		b := message.NewBuilder("gpt-4o")

		_, err := s.ReplaceContext(ctx, "alice", []message.Message{b.Instruction(message.SystemInstructionLabel), b.User("hi from alice")})
		require.NoError(t, err)

		bob, err := s.GetContext(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, bob)
	})
}

func TestStore_UserMessagesSince(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func() Store) {
		s := open()
		ctx := context.Background()
		old := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
		recent := old.Add(2 * time.Hour)

		window := []message.Message{
			fixedBuilder(old).Instruction(message.SystemInstructionLabel),
			fixedBuilder(old).User("early"),
			fixedBuilder(recent).User("late"),
			fixedBuilder(recent).Assistant("reply", nil),
		}
		saved, err := s.ReplaceContext(ctx, "cli", window)
		require.NoError(t, err)

		// Messages dropped from the window stay in the log.
		_, err = s.ReplaceContext(ctx, "cli", saved[:1])
		require.NoError(t, err)

		got, err := s.UserMessagesSince(ctx, "cli", old.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "late", got[0].Content)
	})
}

func TestStore_SecondHandleSeesSwaps(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func() Store) {
		fg := open()
		bg := open()
		ctx := context.Background()
		b := message.NewBuilder("gpt-4o")

		_, err := fg.ReplaceContext(ctx, "cli", []message.Message{b.Instruction(message.SystemInstructionLabel), b.User("one")})
		require.NoError(t, err)

		got, err := bg.GetContext(ctx, "cli")
		require.NoError(t, err)
		require.Len(t, got, 2)

		_, err = bg.ReplaceContext(ctx, "cli", got[:1])
		require.NoError(t, err)

		got, err = fg.GetContext(ctx, "cli")
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestStore_ConcurrentAppendsAreSerialized(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func() Store) {
		s := open()
		ctx := context.Background()
		b := message.NewBuilder("gpt-4o")

		_, err := s.ReplaceContext(ctx, "cli", []message.Message{b.Instruction(message.SystemInstructionLabel)})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.AppendContext(ctx, "cli", b.System("note"))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := s.GetContext(ctx, "cli")
		require.NoError(t, err)
		assert.Len(t, got, 9)
	})
}

func TestFileStore_ClosedStoreRejectsRequests(t *testing.T) {
	s, err := OpenFileStore(t.TempDir(), RuntimeConfig{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.GetContext(context.Background(), "cli")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.False(t, s.IsRunning())
}

func TestOpen_SelectsDriver(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(config.StoreConfig{Driver: "sqlite", Path: dir})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(config.StoreConfig{Driver: "file", Path: dir})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(config.StoreConfig{Driver: "mongo"})
	assert.ErrorIs(t, err, mnemoErrors.ErrInvalidInput)
}

func TestDialectRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y IN (?, ?)`
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)`, postgresDialect.rebind(q))
}

func TestStore_UpdateContextAbortsOnError(t *testing.T) {
	forEachStore(t, func(t *testing.T, open func() Store) {
		s := open()
		ctx := context.Background()
		b := message.NewBuilder("gpt-4o")

		base, err := s.ReplaceContext(ctx, "cli", []message.Message{b.Instruction(message.SystemInstructionLabel), b.User("one")})
		require.NoError(t, err)

		boom := mnemoErrors.Internal("boom")
		_, err = s.UpdateContext(ctx, "cli", func(current []message.Message) ([]message.Message, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.GetContext(ctx, "cli")
		require.NoError(t, err)
		assert.Equal(t, messageIDs(base), messageIDs(got))

		updated, err := s.UpdateContext(ctx, "cli", func(current []message.Message) ([]message.Message, error) {
			return append(current[:1], b.User("two")), nil
		})
		require.NoError(t, err)
		require.Len(t, updated, 2)
		assert.Equal(t, "two", updated[1].Content)
	})
}
