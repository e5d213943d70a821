package provider

import (
	"log"
	"sync"
)

// ConsoleReporter имитация Telephony Provider для окружений без
// нативного координатора ОС: отчеты пишутся в лог, каждая транзакция
// немедленно подтверждается, и наружу отправляется соответствующий
// Perform колбэк — ровно так, как это делал бы настоящий провайдер.
//
// Пригоден для демонстрации и интеграционных прогонов; поведением
// фильтрации (DND, черные списки) не обладает.
type ConsoleReporter struct {
	log *log.Logger

	mu       sync.Mutex
	observer Observer
}

// NewConsoleReporter создает репортер поверх стандартного логгера.
func NewConsoleReporter(logger *log.Logger) *ConsoleReporter {
	return &ConsoleReporter{log: logger}
}

// SetObserver задает получателя Perform колбэков. Вызвать до первого
// запроса транзакции.
func (r *ConsoleReporter) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

func (r *ConsoleReporter) getObserver() Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observer
}

func (r *ConsoleReporter) ReportIncoming(token CallToken, update CallUpdate, completion Completion) {
	r.log.Printf("провайдер: входящий вызов %s от %q (%s)", token, update.DisplayName, update.Handle)
	if completion != nil {
		completion(nil)
	}
}

func (r *ConsoleReporter) ReportOutgoingStartedConnecting(token CallToken) {
	r.log.Printf("провайдер: вызов %s соединяется", token)
}

func (r *ConsoleReporter) ReportOutgoingConnected(token CallToken) {
	r.log.Printf("провайдер: вызов %s соединен", token)
}

func (r *ConsoleReporter) ReportUpdate(token CallToken, update CallUpdate) {
	r.log.Printf("провайдер: обновление %s: %q (%s)", token, update.DisplayName, update.Handle)
}

func (r *ConsoleReporter) ReportEnded(token CallToken, reason EndReason) {
	r.log.Printf("провайдер: вызов %s завершен (%s)", token, reason)
}

// RequestTransaction немедленно подтверждает действие и доставляет
// Perform колбэк наблюдателю из отдельной горутины — как настоящий
// провайдер, который зовет делегата из своего потока.
func (r *ConsoleReporter) RequestTransaction(action Action, completion Completion) {
	r.log.Printf("провайдер: действие %s для %s", action.Name(), action.Token())

	observer := r.getObserver()
	go func() {
		if observer != nil {
			r.perform(observer, action)
		}
		if completion != nil {
			completion(nil)
		}
	}()
}

func (r *ConsoleReporter) perform(observer Observer, action Action) {
	switch a := action.(type) {
	case StartAction:
		observer.PerformStart(a.CallToken)
		observer.AudioSessionActivated()
	case EndAction:
		observer.PerformEnd(a.CallToken)
	case SetHeldAction:
		observer.PerformSetHeld(a.CallToken, a.OnHold)
	case SetMutedAction:
		observer.PerformSetMuted(a.CallToken, a.Muted)
	case GroupAction:
		observer.PerformGroup(a.CallToken, a.With)
	case DTMFAction:
		observer.PerformDTMF(a.CallToken, a.Digits)
	}
}
