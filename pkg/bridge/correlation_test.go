package bridge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_bridge/pkg/engine"
	"github.com/arzzra/call_bridge/pkg/provider"
)

// TestCorrelationPendingLifecycle проверяет жизненный цикл pending
// записи: резерв, привязка, освобождение
func TestCorrelationPendingLifecycle(t *testing.T) {
	table := NewCorrelationTable()
	token := provider.NewToken()

	require.NoError(t, table.ReservePending(token))

	pending, ok := table.Pending()
	require.True(t, ok)
	assert.Equal(t, token, pending)

	id, ok := table.LookupByToken(token)
	require.True(t, ok)
	assert.Equal(t, engine.CallIDNone, id)

	require.NoError(t, table.Bind(token, "call-1"))

	_, ok = table.Pending()
	assert.False(t, ok, "pending запись должна закрыться после Bind")

	id, ok = table.LookupByToken(token)
	require.True(t, ok)
	assert.Equal(t, engine.CallID("call-1"), id)

	back, ok := table.LookupByID("call-1")
	require.True(t, ok)
	assert.Equal(t, token, back)
}

// TestCorrelationSinglePendingSlot второй резерв без привязки первого
// отклоняется с PENDING_SLOT_OCCUPIED
func TestCorrelationSinglePendingSlot(t *testing.T) {
	table := NewCorrelationTable()

	require.NoError(t, table.ReservePending("token-a"))
	err := table.ReservePending("token-b")
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrPendingSlotOccupied))

	var be *BridgeError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, CodePendingSlotOccupied, be.Code)

	// После освобождения слот снова доступен
	table.Release("token-a")
	assert.NoError(t, table.ReservePending("token-b"))
}

// TestCorrelationBindIdempotent повтор той же пары — no-op, другой
// CallID для привязанного токена — ALREADY_BOUND
func TestCorrelationBindIdempotent(t *testing.T) {
	table := NewCorrelationTable()

	require.NoError(t, table.Bind("token-a", "call-1"))
	require.NoError(t, table.Bind("token-a", "call-1"), "повтор той же пары идемпотентен")

	err := table.Bind("token-a", "call-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyBound))

	// Чужой токен на занятый CallID тоже отклоняется
	err = table.Bind("token-b", "call-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyBound))
}

// TestCorrelationRewrite подмена CallID при переводе сохраняет токен
func TestCorrelationRewrite(t *testing.T) {
	table := NewCorrelationTable()
	token := provider.CallToken("token-a")

	require.NoError(t, table.Bind(token, "call-old"))
	require.NoError(t, table.Rewrite("call-old", "call-new"))

	id, ok := table.LookupByToken(token)
	require.True(t, ok)
	assert.Equal(t, engine.CallID("call-new"), id)

	_, ok = table.LookupByID("call-old")
	assert.False(t, ok, "старый CallID должен исчезнуть из таблицы")

	back, ok := table.LookupByID("call-new")
	require.True(t, ok)
	assert.Equal(t, token, back)
}

// TestCorrelationRewriteUnknown подмена для непривязанного CallID —
// ошибка UNKNOWN_CALL
func TestCorrelationRewriteUnknown(t *testing.T) {
	table := NewCorrelationTable()

	err := table.Rewrite("ghost", "call-new")
	require.Error(t, err)

	var be *BridgeError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, CodeUnknownCall, be.Code)
}

// TestCorrelationRelease освобождение чистит обе стороны таблицы
func TestCorrelationRelease(t *testing.T) {
	table := NewCorrelationTable()

	require.NoError(t, table.Bind("token-a", "call-1"))
	require.Equal(t, 1, table.Len())

	table.Release("token-a")
	assert.Equal(t, 0, table.Len())

	_, ok := table.LookupByID("call-1")
	assert.False(t, ok)

	// ReleaseByID симметричен
	require.NoError(t, table.Bind("token-b", "call-2"))
	table.ReleaseByID("call-2")
	assert.Equal(t, 0, table.Len())
}
