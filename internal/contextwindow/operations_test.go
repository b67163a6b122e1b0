package contextwindow

import (
	"context"
	"testing"

	"github.com/harunnryd/mnemo/internal/memory"
	"github.com/harunnryd/mnemo/internal/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOperations(t *testing.T) (*Operations, *memory.Store) {
	mems := memory.NewInMemory(&fakeEmbedder{})
	t.Cleanup(func() { _ = mems.Close() })

	r, _ := newRefresh(t, nil)
	ops := &Operations{
		Store:    r.Store,
		Entities: mems,
		Refresh:  r,
		Builder:  tickingBuilder(),
	}
	_, err := ops.Store.ReplaceContext(context.Background(), "cli", []message.Message{
		ops.Builder.Instruction(message.SystemInstructionLabel + "\nold"),
		ops.Builder.User("hello"),
	})
	require.NoError(t, err)
	return ops, mems
}

func TestOperations_AddAndDropByName(t *testing.T) {
	ops, mems := newOperations(t)
	ctx := context.Background()

	dog, err := mems.CreateMemory(ctx, "cli", "dog", "Jimmy has a dog called Rex")
	require.NoError(t, err)

	out, err := ops.AddByName(ctx, "cli", message.EntityMemory, "dog")
	require.NoError(t, err)
	assert.Equal(t, "Memory 'dog' added to context.", out)

	out, err = ops.AddByName(ctx, "cli", message.EntityMemory, "dog")
	require.NoError(t, err)
	assert.Equal(t, "Memory 'dog' is already in context.", out)

	window, err := ops.Store.GetContext(ctx, "cli")
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, dog.Fact(), window[2].Content)
	assert.True(t, window[2].References(message.EntityMemory, dog.ID))

	out, err = ops.DropByName(ctx, "cli", message.EntityMemory, "dog")
	require.NoError(t, err)
	assert.Equal(t, "Memory 'dog' dropped from context.", out)

	window, err = ops.Store.GetContext(ctx, "cli")
	require.NoError(t, err)
	assert.Len(t, window, 2)
	assert.False(t, message.ReferencesEntity(window, message.EntityMemory, dog.ID))

	_, err = mems.GetByName("cli", message.EntityMemory, "dog")
	assert.NoError(t, err, "dropping from context keeps the memory")
}

func TestOperations_UnknownNames(t *testing.T) {
	ops, _ := newOperations(t)
	ctx := context.Background()

	out, err := ops.AddByName(ctx, "cli", message.EntityGoal, "marathon")
	require.NoError(t, err)
	assert.Equal(t, "Goal 'marathon' not found.", out)

	out, err = ops.DropByName(ctx, "cli", message.EntityMemory, "cat")
	require.NoError(t, err)
	assert.Equal(t, "Memory 'cat' not found.", out)
}

func TestOperations_AddInternalThought(t *testing.T) {
	ops, _ := newOperations(t)
	ctx := context.Background()

	out, err := ops.AddInternalThought(ctx, "cli", "ask about the dog")
	require.NoError(t, err)
	assert.Equal(t, "Internal thought added: ask about the dog", out)

	window, err := ops.Store.GetContext(ctx, "cli")
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, message.RoleSystem, window[2].Role)
	assert.False(t, window[2].IsSystemInstruction())
}

func TestOperations_ResetAndRefreshInstruction(t *testing.T) {
	ops, _ := newOperations(t)
	ctx := context.Background()

	out, err := ops.RefreshSystemInstruction(ctx, "cli")
	require.NoError(t, err)
	assert.Equal(t, "System instruction refresh complete", out)

	instruction, err := ops.SystemInstruction(ctx, "cli")
	require.NoError(t, err)
	assert.Contains(t, instruction, "<persona>I am Mnemo and I help Jimmy.</persona>")

	window, err := ops.Store.GetContext(ctx, "cli")
	require.NoError(t, err)
	assert.Len(t, window, 2, "refreshing the instruction keeps the conversation")

	out, err = ops.ResetMessages(ctx, "cli")
	require.NoError(t, err)
	assert.Equal(t, "Context reset complete", out)

	window, err = ops.Store.GetContext(ctx, "cli")
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.True(t, window[0].IsSystemInstruction())
}

func TestOperations_SystemInstructionOfEmptyWindow(t *testing.T) {
	ops, _ := newOperations(t)
	instruction, err := ops.SystemInstruction(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, instruction)
}
