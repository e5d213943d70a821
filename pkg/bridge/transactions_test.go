package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_bridge/pkg/provider"
)

func newTestCoordinator(reporter *fakeReporter) *TransactionCoordinator {
	metrics := NewMetrics("test", prometheus.NewRegistry())
	// В тестах очередь не нужна: работа выполняется на месте
	post := func(fn func()) { fn() }
	return NewTransactionCoordinator(reporter, post, &NoOpLogger{}, metrics)
}

// TestTransactionSimpleCompletion однофазная транзакция завершается
// колбэком провайдера
func TestTransactionSimpleCompletion(t *testing.T) {
	reporter := newFakeReporter()
	tc := newTestCoordinator(reporter)

	var result error
	fulfilled := false
	tc.Request(provider.SetHeldAction{CallToken: "token-a", OnHold: true}, ClassHold, false, func(err error) {
		fulfilled = true
		result = err
	})

	require.True(t, tc.HasPending("token-a", ClassHold))
	require.Len(t, reporter.transactions, 1)
	assert.Equal(t, "hold", reporter.transactions[0].Name())

	reporter.complete(0, nil)

	assert.True(t, fulfilled)
	assert.NoError(t, result)
	assert.False(t, tc.HasPending("token-a", ClassHold))
}

// TestTransactionIssuedAtUsesClock метка выдачи берется из внедряемого
// источника времени
func TestTransactionIssuedAtUsesClock(t *testing.T) {
	reporter := newFakeReporter()
	tc := newTestCoordinator(reporter)

	fixed := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	tc.now = provider.Clock(func() time.Time { return fixed })

	tc.Request(provider.SetHeldAction{CallToken: "token-a", OnHold: true}, ClassHold, false, nil)

	pa, ok := tc.pending[pendingKey{token: "token-a", class: ClassHold}]
	require.True(t, ok)
	assert.Equal(t, fixed, pa.IssuedAt)
}

// TestTransactionDuplicateRejected второй запрос того же класса для
// того же токена отклоняется без обращения к провайдеру
func TestTransactionDuplicateRejected(t *testing.T) {
	reporter := newFakeReporter()
	tc := newTestCoordinator(reporter)

	tc.Request(provider.SetHeldAction{CallToken: "token-a", OnHold: true}, ClassHold, false, nil)
	require.Len(t, reporter.transactions, 1)

	var dupErr error
	tc.Request(provider.SetHeldAction{CallToken: "token-a", OnHold: true}, ClassHold, false, func(err error) {
		dupErr = err
	})

	assert.Len(t, reporter.transactions, 1, "провайдер не должен получить дубликат")
	require.Error(t, dupErr)

	var be *BridgeError
	require.True(t, errors.As(dupErr, &be))
	assert.Equal(t, CodeDuplicateAction, be.Code)
}

// TestTransactionDeferredBothOrders двухфазное завершение: транзакция
// закрывается только после обеих фаз, в любом порядке
func TestTransactionDeferredBothOrders(t *testing.T) {
	t.Run("провайдер раньше движка", func(t *testing.T) {
		reporter := newFakeReporter()
		tc := newTestCoordinator(reporter)

		fulfilled := false
		tc.Request(provider.SetHeldAction{CallToken: "token-a", OnHold: false}, ClassResume, true, func(err error) {
			fulfilled = true
			assert.NoError(t, err)
		})

		reporter.complete(0, nil)
		assert.False(t, fulfilled, "колбэк провайдера — только первая фаза")

		tc.ConfirmFromEngine("token-a", ClassResume)
		assert.True(t, fulfilled)
	})

	t.Run("движок раньше провайдера", func(t *testing.T) {
		reporter := newFakeReporter()
		tc := newTestCoordinator(reporter)

		fulfilled := false
		tc.Request(provider.SetHeldAction{CallToken: "token-a", OnHold: false}, ClassResume, true, func(err error) {
			fulfilled = true
		})

		tc.ConfirmFromEngine("token-a", ClassResume)
		assert.False(t, fulfilled)

		reporter.complete(0, nil)
		assert.True(t, fulfilled)
	})
}

// TestTransactionFailureNotRetried отказ провайдера закрывает
// транзакцию сразу, повторов нет
func TestTransactionFailureNotRetried(t *testing.T) {
	reporter := newFakeReporter()
	tc := newTestCoordinator(reporter)

	var result error
	tc.Request(provider.SetHeldAction{CallToken: "token-a", OnHold: false}, ClassResume, true, func(err error) {
		result = err
	})

	cause := errors.New("provider refused")
	reporter.complete(0, cause)

	assert.ErrorIs(t, result, cause)
	assert.False(t, tc.HasPending("token-a", ClassResume))
	assert.Len(t, reporter.transactions, 1, "повторной выдачи быть не должно")
}

// TestTransactionConfirmWithoutPending подтверждение движка без
// незавершенной транзакции безопасно
func TestTransactionConfirmWithoutPending(t *testing.T) {
	reporter := newFakeReporter()
	tc := newTestCoordinator(reporter)

	assert.NotPanics(t, func() {
		tc.ConfirmFromEngine("token-a", ClassResume)
	})
}

// TestTransactionDropAll при завершении вызова все его транзакции
// снимаются с причиной
func TestTransactionDropAll(t *testing.T) {
	reporter := newFakeReporter()
	tc := newTestCoordinator(reporter)

	var errs []error
	collect := func(err error) { errs = append(errs, err) }

	tc.Request(provider.SetHeldAction{CallToken: "token-a", OnHold: true}, ClassHold, false, collect)
	tc.Request(provider.SetHeldAction{CallToken: "token-a", OnHold: false}, ClassResume, true, collect)
	tc.Request(provider.SetHeldAction{CallToken: "token-b", OnHold: true}, ClassHold, false, collect)

	cause := newBridgeError(ErrorCategoryState, "CALL_ENDED", "вызов завершен")
	tc.DropAll("token-a", cause)

	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.ErrorIs(t, err, cause)
	}
	assert.True(t, tc.HasPending("token-b", ClassHold), "чужие транзакции не трогаем")
}
