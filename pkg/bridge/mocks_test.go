package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/arzzra/call_bridge/pkg/engine"
	"github.com/arzzra/call_bridge/pkg/provider"
)

// providerReport один отчет, отправленный фейковому провайдеру.
type providerReport struct {
	kind   string
	token  provider.CallToken
	update provider.CallUpdate
	reason provider.EndReason
}

// fakeReporter фейковый Telephony Provider: записывает отчеты и
// транзакции, завершение транзакций управляется тестом.
type fakeReporter struct {
	reports      []providerReport
	transactions []provider.Action
	completions  []provider.Completion
	incomingDone []provider.Completion
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{}
}

func (r *fakeReporter) ReportIncoming(token provider.CallToken, update provider.CallUpdate, completion provider.Completion) {
	r.reports = append(r.reports, providerReport{kind: "incoming", token: token, update: update})
	r.incomingDone = append(r.incomingDone, completion)
}

func (r *fakeReporter) ReportOutgoingStartedConnecting(token provider.CallToken) {
	r.reports = append(r.reports, providerReport{kind: "started_connecting", token: token})
}

func (r *fakeReporter) ReportOutgoingConnected(token provider.CallToken) {
	r.reports = append(r.reports, providerReport{kind: "connected", token: token})
}

func (r *fakeReporter) ReportUpdate(token provider.CallToken, update provider.CallUpdate) {
	r.reports = append(r.reports, providerReport{kind: "update", token: token, update: update})
}

func (r *fakeReporter) ReportEnded(token provider.CallToken, reason provider.EndReason) {
	r.reports = append(r.reports, providerReport{kind: "ended", token: token, reason: reason})
}

func (r *fakeReporter) RequestTransaction(action provider.Action, completion provider.Completion) {
	r.transactions = append(r.transactions, action)
	r.completions = append(r.completions, completion)
}

// complete завершает i-ю транзакцию от имени провайдера.
func (r *fakeReporter) complete(i int, err error) {
	r.completions[i](err)
}

// completeIncoming завершает i-й ReportIncoming.
func (r *fakeReporter) completeIncoming(i int, err error) {
	r.incomingDone[i](err)
}

// countKind число отчетов данного вида.
func (r *fakeReporter) countKind(kind string) int {
	n := 0
	for _, rep := range r.reports {
		if rep.kind == kind {
			n++
		}
	}
	return n
}

// lastOfKind последний отчет данного вида.
func (r *fakeReporter) lastOfKind(kind string) (providerReport, bool) {
	for i := len(r.reports) - 1; i >= 0; i-- {
		if r.reports[i].kind == kind {
			return r.reports[i], true
		}
	}
	return providerReport{}, false
}

// hasTransaction сообщает, была ли запрошена транзакция с именем name
// для токена.
func (r *fakeReporter) hasTransaction(token provider.CallToken, name string) bool {
	for _, action := range r.transactions {
		if action.Token() == token && action.Name() == name {
			return true
		}
	}
	return false
}

// fakeEngine фейковый SIP движок: записывает команды; события
// доставляются тестом через emit.
type fakeEngine struct {
	handler  engine.EventHandler
	commands []string
	nextID   int
	active   map[engine.CallID]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{active: make(map[engine.CallID]bool)}
}

// emit доставляет событие зарегистрированному обработчику.
func (e *fakeEngine) emit(ev engine.Event) {
	e.handler(ev)
}

func (e *fakeEngine) record(format string, args ...any) {
	e.commands = append(e.commands, fmt.Sprintf(format, args...))
}

// has сообщает, была ли выдана команда с данным префиксом.
func (e *fakeEngine) has(prefix string) bool {
	return e.count(prefix) > 0
}

// count число команд с данным префиксом.
func (e *fakeEngine) count(prefix string) int {
	n := 0
	for _, cmd := range e.commands {
		if strings.HasPrefix(cmd, prefix) {
			n++
		}
	}
	return n
}

func (e *fakeEngine) CreateCallParams(id engine.CallID) (*engine.CallParams, error) {
	return engine.DefaultCallParams(), nil
}

func (e *fakeEngine) Invite(ctx context.Context, address string, params *engine.CallParams) (engine.CallID, error) {
	e.nextID++
	id := engine.CallID(fmt.Sprintf("call-%d", e.nextID))
	e.active[id] = true
	e.record("invite %s %s", id, address)
	return id, nil
}

func (e *fakeEngine) Accept(id engine.CallID, params *engine.CallParams) error {
	e.record("accept %s", id)
	return nil
}

func (e *fakeEngine) Decline(id engine.CallID, reason engine.Reason) error {
	e.record("decline %s %s", id, reason)
	return nil
}

func (e *fakeEngine) Terminate(id engine.CallID) error {
	e.record("terminate %s", id)
	return nil
}

func (e *fakeEngine) Pause(id engine.CallID) error {
	e.record("pause %s", id)
	return nil
}

func (e *fakeEngine) Resume(id engine.CallID) error {
	e.record("resume %s", id)
	return nil
}

func (e *fakeEngine) Transfer(id engine.CallID, address string) error {
	e.record("transfer %s %s", id, address)
	return nil
}

func (e *fakeEngine) SendDTMF(id engine.CallID, digit rune) error {
	e.record("dtmf %s %c", id, digit)
	return nil
}

func (e *fakeEngine) SetMuted(id engine.CallID, muted bool) error {
	e.record("mute %s %t", id, muted)
	return nil
}

func (e *fakeEngine) EnterConference(id engine.CallID) error {
	e.record("enter-conference %s", id)
	return nil
}

func (e *fakeEngine) LeaveConference(id engine.CallID) error {
	e.record("leave-conference %s", id)
	return nil
}

func (e *fakeEngine) ListActiveCalls() []engine.CallID {
	ids := make([]engine.CallID, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

func (e *fakeEngine) AttachUserData(id engine.CallID, data any) {
	if data == nil {
		e.record("detach %s", id)
		delete(e.active, id)
		return
	}
	e.record("attach %s", id)
}

func (e *fakeEngine) SetAudioActive(active bool) {
	e.record("audio %t", active)
}

func (e *fakeEngine) SetEventHandler(h engine.EventHandler) {
	e.handler = h
}
