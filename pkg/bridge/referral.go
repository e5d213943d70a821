package bridge

import (
	"time"

	"github.com/arzzra/call_bridge/pkg/engine"
)

// referralPhase фаза цепочки перевода.
type referralPhase int

const (
	referralFromObserved referralPhase = iota
	referralToObserved
	referralResolved
)

func (p referralPhase) String() string {
	switch p {
	case referralFromObserved:
		return "from-observed"
	case referralToObserved:
		return "to-observed"
	case referralResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// ReferralChain одна цепочка перевода: сигнализация продолжается под
// ToID, пока FromID стекает в End.
type ReferralChain struct {
	FromID engine.CallID
	ToID   engine.CallID

	phase      referralPhase
	observedAt time.Time
}

// Resolved обе стороны цепочки известны и подмена выполнена.
func (c *ReferralChain) Resolved() bool {
	return c.phase == referralResolved
}

// ReferralTracker отслеживает цепочки перевода вызовов.
//
// Вызов, чей идентификатор меняется в полете (REFER), остается «тем же
// логическим вызовом» для провайдера и UI: по разрешении цепочки
// таблица корреляции переписывается с FromID на ToID, а флаги записи
// мигрируют. Если новый вызов так и не появился до End старого,
// перевод считается неудавшимся и цепочка сбрасывается.
//
// Принадлежит Synchronization Façade; мутации только из его очереди.
type ReferralTracker struct {
	// chains ключуется по FromID: движок сообщает Referred на старом вызове
	chains map[engine.CallID]*ReferralChain
	logger StructuredLogger
}

// NewReferralTracker создает пустой трекер.
func NewReferralTracker(logger StructuredLogger) *ReferralTracker {
	return &ReferralTracker{
		chains: make(map[engine.CallID]*ReferralChain),
		logger: logger.WithComponent("referral"),
	}
}

// ObserveReferred фиксирует событие Referred на вызове fromID.
// Повторное событие для той же цепочки возвращает существующую.
func (t *ReferralTracker) ObserveReferred(fromID engine.CallID) *ReferralChain {
	if chain, ok := t.chains[fromID]; ok {
		return chain
	}

	chain := &ReferralChain{
		FromID:     fromID,
		phase:      referralFromObserved,
		observedAt: time.Now(),
	}
	t.chains[fromID] = chain

	t.logger.Info("перевод: наблюдаем Referred", String("from", string(fromID)))
	return chain
}

// ObserveNewCall сопоставляет новый вызов с цепочкой по provenance
// (метаданные движка указывают на исходный вызов). Возвращает цепочку,
// готовую к разрешению, или nil, если вызов не связан с переводом.
func (t *ReferralTracker) ObserveNewCall(newID, referredFrom engine.CallID) *ReferralChain {
	if referredFrom == engine.CallIDNone {
		return nil
	}

	chain, ok := t.chains[referredFrom]
	if !ok {
		// Provenance есть, а Referred еще не видели: событие нового
		// вызова обогнало событие старого. Создаем цепочку сразу в
		// фазе to-observed.
		chain = &ReferralChain{
			FromID:     referredFrom,
			phase:      referralFromObserved,
			observedAt: time.Now(),
		}
		t.chains[referredFrom] = chain
		t.logger.Warn("перевод: новый вызов пришел раньше Referred",
			String("from", string(referredFrom)), String("to", string(newID)))
	}

	if chain.phase == referralResolved {
		return nil
	}

	chain.ToID = newID
	chain.phase = referralToObserved

	t.logger.Info("перевод: наблюдаем новый вызов",
		String("from", string(chain.FromID)), String("to", string(newID)))
	return chain
}

// MarkResolved помечает цепочку разрешенной. Вызывается фасадом после
// CorrelationTable.Rewrite и миграции флагов записи.
func (t *ReferralTracker) MarkResolved(chain *ReferralChain) {
	chain.phase = referralResolved
}

// DiscardOnEnd сбрасывает неразрешенную цепочку, когда fromID дошел до
// End раньше, чем появился новый вызов: перевод не состоялся, вызов
// просто закончился. Возвращает true, если цепочка была сброшена.
func (t *ReferralTracker) DiscardOnEnd(fromID engine.CallID) bool {
	chain, ok := t.chains[fromID]
	if !ok {
		return false
	}
	if chain.phase == referralFromObserved {
		delete(t.chains, fromID)
		t.logger.Info("перевод не состоялся, цепочка сброшена",
			String("from", string(fromID)))
		return true
	}
	return false
}

// Forget удаляет цепочку после того, как старый вызов дошел до
// Released и запись освобождена.
func (t *ReferralTracker) Forget(fromID engine.CallID) {
	delete(t.chains, fromID)
}

// InFlightFor сообщает, участвует ли вызов в неразрешенной или
// разрешенной, но еще не завершенной цепочке. Пока это так, запись
// корреляции вызова нельзя освобождать при Released.
func (t *ReferralTracker) InFlightFor(id engine.CallID) bool {
	if _, ok := t.chains[id]; ok {
		return true
	}
	for _, chain := range t.chains {
		if chain.ToID == id && chain.phase != referralResolved {
			return true
		}
	}
	return false
}

// ChainFor возвращает цепочку, где id является исходным вызовом.
func (t *ReferralTracker) ChainFor(id engine.CallID) (*ReferralChain, bool) {
	chain, ok := t.chains[id]
	return chain, ok
}
