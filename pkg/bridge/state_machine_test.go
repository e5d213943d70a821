package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_bridge/pkg/engine"
)

// TestStateMachineHappyPath обычная последовательность исходящего
// вызова проходит без форсирования
func TestStateMachineHappyPath(t *testing.T) {
	m := NewCallStateMachine(&NoOpLogger{})
	id := engine.CallID("call-1")

	sequence := []engine.CallState{
		engine.StateOutgoingInit,
		engine.StateOutgoingProgress,
		engine.StateOutgoingRinging,
		engine.StateConnected,
		engine.StateStreamsRunning,
		engine.StatePaused,
		engine.StateStreamsRunning,
		engine.StateEnd,
		engine.StateReleased,
	}

	prev := engine.StateIdle
	for _, state := range sequence {
		from, redelivered := m.Apply(id, state)
		assert.Equal(t, prev, from, "переход в %s", state)
		assert.False(t, redelivered)
		prev = state
	}

	assert.Equal(t, engine.StateReleased, m.Current(id))
}

// TestStateMachineRedelivery повторная доставка того же состояния
// распознается и не считается переходом
func TestStateMachineRedelivery(t *testing.T) {
	m := NewCallStateMachine(&NoOpLogger{})
	id := engine.CallID("call-1")

	_, redelivered := m.Apply(id, engine.StateIncomingReceived)
	require.False(t, redelivered)

	from, redelivered := m.Apply(id, engine.StateIncomingReceived)
	assert.True(t, redelivered)
	assert.Equal(t, engine.StateIncomingReceived, from)
}

// TestStateMachineForcedTransition неожиданный переход не
// отбрасывается: движок авторитетен, машина следует за ним
func TestStateMachineForcedTransition(t *testing.T) {
	m := NewCallStateMachine(&NoOpLogger{})
	id := engine.CallID("call-1")

	m.Apply(id, engine.StateOutgoingInit)

	// StreamsRunning из OutgoingInit в таблице событий не объявлен
	from, redelivered := m.Apply(id, engine.StateStreamsRunning)
	assert.Equal(t, engine.StateOutgoingInit, from)
	assert.False(t, redelivered)
	assert.Equal(t, engine.StateStreamsRunning, m.Current(id))
}

// TestStateMachineUnknownCallStartsIdle первое событие для
// неизвестного вызова стартует машину из Idle
func TestStateMachineUnknownCallStartsIdle(t *testing.T) {
	m := NewCallStateMachine(&NoOpLogger{})

	from, redelivered := m.Apply("ghost", engine.StateConnected)
	assert.Equal(t, engine.StateIdle, from)
	assert.False(t, redelivered)
	assert.Equal(t, engine.StateConnected, m.Current("ghost"))
}

// TestStateMachineReferredSideBranch боковая ветка Referred достижима
// из активных состояний, после нее возможен возврат медиа
func TestStateMachineReferredSideBranch(t *testing.T) {
	m := NewCallStateMachine(&NoOpLogger{})
	id := engine.CallID("call-1")

	m.Apply(id, engine.StateOutgoingInit)
	m.Apply(id, engine.StateConnected)
	m.Apply(id, engine.StateStreamsRunning)

	from, redelivered := m.Apply(id, engine.StateReferred)
	assert.Equal(t, engine.StateStreamsRunning, from)
	assert.False(t, redelivered)

	// Старый вызов стекает в End
	from, _ = m.Apply(id, engine.StateEnd)
	assert.Equal(t, engine.StateReferred, from)
}

// TestStateMachineRemove после удаления машина забыта, вызов снова Idle
func TestStateMachineRemove(t *testing.T) {
	m := NewCallStateMachine(&NoOpLogger{})
	id := engine.CallID("call-1")

	m.Apply(id, engine.StateConnected)
	m.Remove(id)

	assert.Equal(t, engine.StateIdle, m.Current(id))
}
