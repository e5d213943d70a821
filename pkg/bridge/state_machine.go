package bridge

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/arzzra/call_bridge/pkg/engine"
)

// Имена состояний конечного автомата вызова.
const (
	stIdle           = "idle"
	stOutgoingInit   = "outgoing_init"
	stIncoming       = "incoming_received"
	stPushIncoming   = "push_incoming"
	stProgress       = "outgoing_progress"
	stRinging        = "outgoing_ringing"
	stEarlyMedia     = "outgoing_early_media"
	stConnected      = "connected"
	stStreamsRunning = "streams_running"
	stPaused         = "paused"
	stPausedRemote   = "paused_by_remote"
	stReferred       = "referred"
	stEnd            = "end"
	stError          = "error"
	stReleased       = "released"
)

var stateNameFor = map[engine.CallState]string{
	engine.StateIdle:               stIdle,
	engine.StateOutgoingInit:       stOutgoingInit,
	engine.StateIncomingReceived:   stIncoming,
	engine.StatePushIncoming:       stPushIncoming,
	engine.StateOutgoingProgress:   stProgress,
	engine.StateOutgoingRinging:    stRinging,
	engine.StateOutgoingEarlyMedia: stEarlyMedia,
	engine.StateConnected:          stConnected,
	engine.StateStreamsRunning:     stStreamsRunning,
	engine.StatePaused:             stPaused,
	engine.StatePausedByRemote:     stPausedRemote,
	engine.StateReferred:           stReferred,
	engine.StateEnd:                stEnd,
	engine.StateError:              stError,
	engine.StateReleased:           stReleased,
}

var callStateFor = func() map[string]engine.CallState {
	m := make(map[string]engine.CallState, len(stateNameFor))
	for cs, name := range stateNameFor {
		m[name] = cs
	}
	return m
}()

// eventNameFor имя события fsm, ведущего в состояние.
var eventNameFor = map[engine.CallState]string{
	engine.StateOutgoingInit:       "outgoing_init",
	engine.StateIncomingReceived:   "incoming",
	engine.StatePushIncoming:       "push_incoming",
	engine.StateOutgoingProgress:   "progress",
	engine.StateOutgoingRinging:    "ringing",
	engine.StateOutgoingEarlyMedia: "early_media",
	engine.StateConnected:          "connect",
	engine.StateStreamsRunning:     "streams",
	engine.StatePaused:             "pause",
	engine.StatePausedByRemote:     "pause_remote",
	engine.StateReferred:           "refer",
	engine.StateEnd:                "terminate",
	engine.StateError:              "fail",
	engine.StateReleased:           "release",
}

// activeStates состояния, из которых достижима боковая ветка Referred
// и завершение.
var activeStates = []string{
	stOutgoingInit, stIncoming, stPushIncoming, stProgress, stRinging,
	stEarlyMedia, stConnected, stStreamsRunning, stPaused, stPausedRemote,
}

func newCallFSM() *fsm.FSM {
	nonTerminal := append([]string{stIdle, stReferred}, activeStates...)

	return fsm.NewFSM(
		stIdle,
		fsm.Events{
			{Name: "outgoing_init", Src: []string{stIdle}, Dst: stOutgoingInit},
			{Name: "incoming", Src: []string{stIdle, stPushIncoming}, Dst: stIncoming},
			{Name: "push_incoming", Src: []string{stIdle}, Dst: stPushIncoming},
			{Name: "progress", Src: []string{stIdle, stOutgoingInit}, Dst: stProgress},
			{Name: "ringing", Src: []string{stOutgoingInit, stProgress}, Dst: stRinging},
			{Name: "early_media", Src: []string{stOutgoingInit, stProgress, stRinging}, Dst: stEarlyMedia},
			{Name: "connect", Src: activeStates, Dst: stConnected},
			{Name: "streams", Src: []string{stConnected, stPaused, stPausedRemote, stReferred}, Dst: stStreamsRunning},
			{Name: "pause", Src: []string{stConnected, stStreamsRunning, stPausedRemote}, Dst: stPaused},
			{Name: "pause_remote", Src: []string{stConnected, stStreamsRunning, stPaused}, Dst: stPausedRemote},
			{Name: "refer", Src: activeStates, Dst: stReferred},
			{Name: "terminate", Src: nonTerminal, Dst: stEnd},
			{Name: "fail", Src: nonTerminal, Dst: stError},
			{Name: "release", Src: []string{stEnd, stError}, Dst: stReleased},
		},
		fsm.Callbacks{},
	)
}

// CallStateMachine машины состояний вызовов, по одной на CallID.
//
// Переходы управляются исключительно состояниями, которые сообщил
// движок: машина никогда не придумывает состояние сама. Ожидаемые
// переходы проходят через валидацию fsm; неожиданный переход не
// отбрасывается, а форсируется с предупреждением — движок авторитетен,
// а доставка событий между процессами может нарушить порядок.
type CallStateMachine struct {
	machines map[engine.CallID]*fsm.FSM
	logger   StructuredLogger
}

// NewCallStateMachine создает пустой набор машин.
func NewCallStateMachine(logger StructuredLogger) *CallStateMachine {
	return &CallStateMachine{
		machines: make(map[engine.CallID]*fsm.FSM),
		logger:   logger.WithComponent("fsm"),
	}
}

// Apply применяет сообщенное движком состояние.
//
// Возвращает предыдущее состояние и признак повторной доставки
// (redelivered == true, когда машина уже находится в целевом
// состоянии; побочные эффекты перехода обязаны не повториться).
func (m *CallStateMachine) Apply(id engine.CallID, to engine.CallState) (from engine.CallState, redelivered bool) {
	machine, ok := m.machines[id]
	if !ok {
		machine = newCallFSM()
		m.machines[id] = machine
	}

	current := machine.Current()
	from = callStateFor[current]

	target, ok := stateNameFor[to]
	if !ok || to == engine.StateIdle {
		return from, true
	}

	if current == target {
		m.logger.Debug("повторная доставка состояния",
			String("call_id", string(id)), String("state", to.String()))
		return from, true
	}

	eventName := eventNameFor[to]
	if err := machine.Event(context.Background(), eventName); err != nil {
		// Движок авторитетен: следуем за ним даже через неожиданный
		// переход, но оставляем след в логе.
		m.logger.Warn("неожиданный переход состояния, форсируем",
			String("call_id", string(id)),
			String("from", from.String()),
			String("to", to.String()),
			Err(err))
		machine.SetState(target)
	}

	return from, false
}

// Current текущее состояние вызова.
func (m *CallStateMachine) Current(id engine.CallID) engine.CallState {
	machine, ok := m.machines[id]
	if !ok {
		return engine.StateIdle
	}
	return callStateFor[machine.Current()]
}

// Remove удаляет машину вызова после Released.
func (m *CallStateMachine) Remove(id engine.CallID) {
	delete(m.machines, id)
}
