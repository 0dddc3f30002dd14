package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatesCannotBeLeft(t *testing.T) {
	sm := NewStateMachine()
	all := []Status{
		StatusPendingCreate, StatusOpen, StatusPartiallyFilled, StatusFilled,
		StatusPendingCancel, StatusCancelled, StatusFailed, StatusAmbiguous,
	}
	for _, from := range []Status{StatusFilled, StatusCancelled, StatusFailed} {
		assert.Empty(t, sm.AllowedTransitions(from), from)
		for _, to := range all {
			if to == from {
				continue
			}
			assert.ErrorIs(t, sm.ValidateTransition(from, to), ErrIllegalTransition)
		}
	}
}

func TestStateMachinePaths(t *testing.T) {
	sm := NewStateMachine()
	assert.NoError(t, sm.ValidateTransition(StatusPendingCreate, StatusOpen))
	assert.NoError(t, sm.ValidateTransition(StatusPendingCreate, StatusAmbiguous))
	assert.NoError(t, sm.ValidateTransition(StatusPendingCancel, StatusAmbiguous))
	assert.NoError(t, sm.ValidateTransition(StatusAmbiguous, StatusPendingCancel))
	assert.NoError(t, sm.ValidateTransition(StatusOpen, StatusOpen))
	assert.Error(t, sm.ValidateTransition(StatusOpen, StatusPendingCreate))
	assert.Error(t, sm.ValidateTransition(StatusPartiallyFilled, StatusOpen))
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusFilled.IsTerminal())
	assert.False(t, StatusAmbiguous.IsTerminal())
	assert.True(t, IsLive(StatusPendingCancel))
	assert.False(t, IsLive(StatusCancelled))
	assert.True(t, CanCancel(StatusPartiallyFilled))
	assert.False(t, CanCancel(StatusPendingCreate))
	assert.Equal(t, "订单状态待核实", Describe(StatusAmbiguous))

	o := Order{Amount: dec("1"), Filled: dec("0.4")}
	assert.True(t, o.Remaining().Equal(dec("0.6")))
}
