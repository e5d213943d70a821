package bridge

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/call_bridge/pkg/engine"
	"github.com/arzzra/call_bridge/pkg/provider"
)

// holdFixture собирает оркестратор на фейках без очереди.
type holdFixture struct {
	hold        *HoldOrchestrator
	store       *CallRecordStore
	correlation *CorrelationTable
	eng         *fakeEngine
	rep         *fakeReporter
	notes       []Notification
	forced      []provider.CallToken
}

func newHoldFixture(t *testing.T, withReporter bool) *holdFixture {
	t.Helper()

	metrics := NewMetrics("test", prometheus.NewRegistry())
	logger := &NoOpLogger{}
	post := func(fn func()) { fn() }

	f := &holdFixture{
		store:       NewCallRecordStore(logger, metrics),
		correlation: NewCorrelationTable(),
		eng:         newFakeEngine(),
	}

	var reporter provider.Reporter
	if withReporter {
		f.rep = newFakeReporter()
		reporter = f.rep
	}

	coordinator := NewTransactionCoordinator(reporter, post, logger, metrics)
	cfg := DefaultConfig()
	cfg.EndCallNotExistTimeout = 20 * time.Millisecond

	f.hold = NewHoldOrchestrator(f.store, f.correlation, coordinator, f.eng,
		reporter, logger, metrics, cfg, post, func(n Notification) {
			f.notes = append(f.notes, n)
		})
	// Откат на стороне фасада: фикстура фиксирует делегирование и
	// повторяет его видимую часть
	f.hold.forceEnd = func(token provider.CallToken) {
		f.forced = append(f.forced, token)
		if f.rep != nil {
			f.rep.ReportEnded(token, provider.EndReasonFailed)
		}
		f.correlation.Release(token)
	}

	t.Cleanup(f.hold.StopTimers)
	return f
}

// addCall создает запись вызова в заданном состоянии с привязанным
// токеном.
func (f *holdFixture) addCall(t *testing.T, id engine.CallID, state engine.CallState) provider.CallToken {
	t.Helper()

	token := provider.NewToken()
	require.NoError(t, f.correlation.Bind(token, id))
	rec := f.store.Create(id, DirectionOutgoing)
	rec.State = state
	return token
}

// TestHoldOthersReassertsPausedExcept особенность группировки: если
// исключенный вызов сам на паузе, hold переутверждается и для него
func TestHoldOthersReassertsPausedExcept(t *testing.T) {
	f := newHoldFixture(t, true)

	pausedToken := f.addCall(t, "call-1", engine.StatePaused)
	activeToken := f.addCall(t, "call-2", engine.StateStreamsRunning)

	f.hold.SetHeldOthers("call-1")

	assert.True(t, f.rep.hasTransaction(pausedToken, "hold"),
		"hold должен переутвердиться для исключенного вызова на паузе")
	assert.True(t, f.rep.hasTransaction(activeToken, "hold"))
}

// TestHoldOthersSkipsAlreadyPaused чужие вызовы на паузе не трогаются
func TestHoldOthersSkipsAlreadyPaused(t *testing.T) {
	f := newHoldFixture(t, true)

	pausedToken := f.addCall(t, "call-1", engine.StatePaused)
	f.addCall(t, "call-2", engine.StateStreamsRunning)

	f.hold.SetHeldOthers("call-2")

	assert.False(t, f.rep.hasTransaction(pausedToken, "hold"))
}

// TestHoldOthersSkipsConferencePeers участники одной конференции не
// удерживаются друг относительно друга
func TestHoldOthersSkipsConferencePeers(t *testing.T) {
	f := newHoldFixture(t, true)

	f.addCall(t, "call-1", engine.StateStreamsRunning)
	peerToken := f.addCall(t, "call-2", engine.StateStreamsRunning)

	f.store.Mutate("call-1", func(rec *CallRecord) { rec.IsConferenceCall = true })
	f.store.Mutate("call-2", func(rec *CallRecord) { rec.IsConferenceCall = true })

	f.hold.SetHeldOthers("call-1")

	assert.False(t, f.rep.hasTransaction(peerToken, "hold"))
}

// TestHoldDirectWithoutProvider без провайдера hold уходит напрямую в
// движок
func TestHoldDirectWithoutProvider(t *testing.T) {
	f := newHoldFixture(t, false)

	rec := f.store.Create("call-1", DirectionOutgoing)
	rec.State = engine.StateStreamsRunning
	f.store.Create("call-2", DirectionOutgoing).State = engine.StateIncomingReceived

	f.hold.SetHeldOthers("call-2")

	assert.True(t, f.eng.has("pause call-1"))
}

// TestHoldRouteConference hold/resume конференц-вызова выражается
// выходом и входом локального участника
func TestHoldRouteConference(t *testing.T) {
	f := newHoldFixture(t, false)

	rec := f.store.Create("call-1", DirectionOutgoing)
	rec.IsConferenceCall = true

	f.hold.RouteHold(rec, true)
	assert.True(t, f.eng.has("leave-conference call-1"))

	f.hold.RouteHold(rec, false)
	assert.True(t, f.eng.has("enter-conference call-1"))
	assert.False(t, f.eng.has("pause"), "конференц-вызов не должен паузиться напрямую")
}

// TestTerminationSweepResumesMostRecent из нескольких оставшихся
// вызовов возобновляется самый свежий
func TestTerminationSweepResumesMostRecent(t *testing.T) {
	f := newHoldFixture(t, false)

	older := f.store.Create("call-1", DirectionOutgoing)
	older.State = engine.StatePaused
	older.CreatedAt = time.Now().Add(-time.Minute)

	newer := f.store.Create("call-2", DirectionOutgoing)
	newer.State = engine.StatePaused
	newer.CreatedAt = time.Now()

	f.store.Create("call-3", DirectionOutgoing).State = engine.StateEnd

	f.hold.TerminationSweep("call-3")

	assert.True(t, f.eng.has("resume call-2"))
	assert.False(t, f.eng.has("resume call-1"))

	require.Len(t, f.notes, 1)
	notice, ok := f.notes[0].(RemainingCallNotice)
	require.True(t, ok)
	assert.Equal(t, engine.CallID("call-2"), notice.ID)
}

// TestResumeAllPausedResumesOnlyLocallyPaused возобновляются только
// вызовы, удержанные локально; удаленная пауза не наша
func TestResumeAllPausedResumesOnlyLocallyPaused(t *testing.T) {
	f := newHoldFixture(t, false)

	f.store.Create("call-1", DirectionOutgoing).State = engine.StatePaused
	f.store.Create("call-2", DirectionOutgoing).State = engine.StatePausedByRemote
	f.store.Create("call-3", DirectionOutgoing).State = engine.StateStreamsRunning

	f.hold.ResumeAllPaused()

	assert.True(t, f.eng.has("resume call-1"))
	assert.False(t, f.eng.has("resume call-2"))
	assert.False(t, f.eng.has("resume call-3"))
}

// TestTerminationSweepNoticeTimerStopped таймер сброса уведомления
// отслеживается и гасится при останове
func TestTerminationSweepNoticeTimerStopped(t *testing.T) {
	f := newHoldFixture(t, false)

	f.store.Create("call-1", DirectionOutgoing).State = engine.StatePaused
	f.store.Create("call-2", DirectionOutgoing).State = engine.StateEnd

	f.hold.TerminationSweep("call-2")
	require.NotNil(t, f.hold.noticeTimer)

	f.hold.StopTimers()
	assert.Nil(t, f.hold.noticeTimer)
}

// TestEndCallNotExistKnownCallUntouched сверка не трогает вызов,
// который движок отслеживает
func TestEndCallNotExistKnownCallUntouched(t *testing.T) {
	f := newHoldFixture(t, true)

	token := f.addCall(t, "call-1", engine.StateConnected)

	f.hold.fireEndCallNotExist(token)

	assert.Empty(t, f.forced)
	assert.Equal(t, 0, f.rep.countKind("ended"))
	assert.Equal(t, 1, f.correlation.Len())
}

// TestEndCallNotExistFiresForPendingToken токен без подтвержденного
// вызова принудительно закрывается
func TestEndCallNotExistFiresForPendingToken(t *testing.T) {
	f := newHoldFixture(t, true)

	token := provider.NewToken()
	require.NoError(t, f.correlation.ReservePending(token))

	f.hold.fireEndCallNotExist(token)

	require.Equal(t, []provider.CallToken{token}, f.forced)
	require.Equal(t, 1, f.rep.countKind("ended"))
	ended, _ := f.rep.lastOfKind("ended")
	assert.Equal(t, provider.EndReasonFailed, ended.reason)
	assert.Equal(t, 0, f.correlation.Len())
}
