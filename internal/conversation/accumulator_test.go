package conversation

import (
	"testing"

	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/model/contract"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulator_AssemblesFragments(t *testing.T) {
	acc := NewToolCallAccumulator()

	done, err := acc.Update(contract.ToolCallDelta{Index: 0, ID: "c1", Name: "set_name"})
	require.NoError(t, err)
	assert.Empty(t, done)
	assert.Equal(t, SlotAccumulating, acc.State(0))

	done, err = acc.Update(contract.ToolCallDelta{Index: 0, Arguments: `{"name":`})
	require.NoError(t, err)
	assert.Empty(t, done)

	done, err = acc.Update(contract.ToolCallDelta{Index: 0, Arguments: `"Jimmy"}`})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "c1", done[0].ID)
	assert.Equal(t, "set_name", done[0].FunctionName)
	assert.JSONEq(t, `{"name":"Jimmy"}`, string(done[0].Arguments))
	assert.Equal(t, SlotComplete, acc.State(0))
	assert.Equal(t, SlotEmpty, acc.State(1))

	rest, err := acc.Flush()
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestAccumulator_SequentialCallsKeepArrivalOrder(t *testing.T) {
	acc := NewToolCallAccumulator()
	var names []string

	for _, d := range []contract.ToolCallDelta{
		{Index: 0, ID: "c1", Name: "time", Arguments: `{}`},
		{Index: 1, ID: "c2", Name: "create_memory"},
		{Index: 1, Arguments: `{"name":"dog","text":"Rex"}`},
	} {
		done, err := acc.Update(d)
		require.NoError(t, err)
		for _, c := range done {
			names = append(names, c.FunctionName)
		}
	}
	assert.Equal(t, []string{"time", "create_memory"}, names)
}

func TestAccumulator_RejectsNewSlotWhileAccumulating(t *testing.T) {
	acc := NewToolCallAccumulator()

	_, err := acc.Update(contract.ToolCallDelta{Index: 0, ID: "c1", Name: "set_name", Arguments: `{"name":"Ji`})
	require.NoError(t, err)

	_, err = acc.Update(contract.ToolCallDelta{Index: 1, ID: "c2", Name: "time"})
	require.Error(t, err)
	assert.ErrorIs(t, err, mnemoErrors.ErrToolCallProtocol)
	assert.True(t, mnemoErrors.IsFatalForTurn(err))
}

func TestAccumulator_ArgumentlessCallCompletesOnNextSlot(t *testing.T) {
	acc := NewToolCallAccumulator()

	_, err := acc.Update(contract.ToolCallDelta{Index: 0, ID: "c1", Name: "refresh_system_instructions"})
	require.NoError(t, err)

	done, err := acc.Update(contract.ToolCallDelta{Index: 1, ID: "c2", Name: "time", Arguments: `{}`})
	require.NoError(t, err)
	require.Len(t, done, 2)
	assert.Equal(t, "refresh_system_instructions", done[0].FunctionName)
	assert.JSONEq(t, `{}`, string(done[0].Arguments))
	assert.Equal(t, "time", done[1].FunctionName)
}

func TestAccumulator_FirstFragmentNeedsID(t *testing.T) {
	acc := NewToolCallAccumulator()

	_, err := acc.Update(contract.ToolCallDelta{Index: 0, Name: "time"})
	assert.ErrorIs(t, err, mnemoErrors.ErrToolCallProtocol)
}

func TestAccumulator_CompletedSlotRejectsMoreArguments(t *testing.T) {
	acc := NewToolCallAccumulator()

	_, err := acc.Update(contract.ToolCallDelta{Index: 0, ID: "c1", Name: "time", Arguments: `{}`})
	require.NoError(t, err)

	done, err := acc.Update(contract.ToolCallDelta{Index: 0})
	require.NoError(t, err)
	assert.Empty(t, done)

	_, err = acc.Update(contract.ToolCallDelta{Index: 0, Arguments: `{"x":1}`})
	assert.ErrorIs(t, err, mnemoErrors.ErrToolCallProtocol)
}

func TestAccumulator_Flush(t *testing.T) {
	t.Run("empty arguments become an empty object", func(t *testing.T) {
		acc := NewToolCallAccumulator()
		_, err := acc.Update(contract.ToolCallDelta{Index: 0, ID: "c1", Name: "print_system_instruction"})
		require.NoError(t, err)

		done, err := acc.Flush()
		require.NoError(t, err)
		require.Len(t, done, 1)
		assert.JSONEq(t, `{}`, string(done[0].Arguments))
		assert.Equal(t, SlotComplete, acc.State(0))
	})

	t.Run("truncated arguments are a protocol error", func(t *testing.T) {
		acc := NewToolCallAccumulator()
		_, err := acc.Update(contract.ToolCallDelta{Index: 0, ID: "c1", Name: "set_name", Arguments: `{"name":`})
		require.NoError(t, err)

		_, err = acc.Flush()
		assert.ErrorIs(t, err, mnemoErrors.ErrToolCallProtocol)
	})

	t.Run("nothing pending", func(t *testing.T) {
		done, err := NewToolCallAccumulator().Flush()
		require.NoError(t, err)
		assert.Empty(t, done)
	})
}

func TestSlotState_String(t *testing.T) {
	assert.Equal(t, "empty", SlotEmpty.String())
	assert.Equal(t, "accumulating", SlotAccumulating.String())
	assert.Equal(t, "complete", SlotComplete.String())
	assert.Equal(t, "SlotState(7)", SlotState(7).String())
}
