package bridge

import (
	"github.com/arzzra/call_bridge/pkg/engine"
	"github.com/arzzra/call_bridge/pkg/provider"
)

// CorrelationTable двунаправленная таблица соответствия токенов
// провайдера и идентификаторов движка.
//
// Идентификаторы становятся известны в разное время: для исходящего
// вызова провайдер чеканит токен до того, как движок выдал CallID.
// Такая запись называется pending, и она может быть только одна —
// провайдер показывает максимум один «еще не отправленный» вызов.
//
// Таблица принадлежит Synchronization Façade и мутируется только из
// его очереди исполнения, поэтому не имеет собственных блокировок.
type CorrelationTable struct {
	byToken map[provider.CallToken]engine.CallID
	byID    map[engine.CallID]provider.CallToken

	pendingToken provider.CallToken
	hasPending   bool
}

// NewCorrelationTable создает пустую таблицу.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{
		byToken: make(map[provider.CallToken]engine.CallID),
		byID:    make(map[engine.CallID]provider.CallToken),
	}
}

// ReservePending резервирует pending запись для токена без CallID.
//
// Возвращает ошибку с кодом PENDING_SLOT_OCCUPIED, если другая pending
// запись уже существует. Это программная ошибка вызывающего кода, а не
// нормальное условие времени выполнения.
func (t *CorrelationTable) ReservePending(token provider.CallToken) error {
	if t.hasPending {
		return newCorrelationError(CodePendingSlotOccupied, ErrPendingSlotOccupied, token, engine.CallIDNone)
	}
	if _, exists := t.byToken[token]; exists {
		return newCorrelationError(CodeAlreadyBound, ErrAlreadyBound, token, t.byToken[token])
	}

	t.byToken[token] = engine.CallIDNone
	t.pendingToken = token
	t.hasPending = true
	return nil
}

// Bind привязывает CallID к токену.
//
// Единственный способ заполнить pending запись. Для входящих вызовов,
// где обе стороны известны сразу, создает полную запись. Идемпотентен
// при повторе той же пары (token, id); попытка привязать другой id к
// уже привязанному токену — ошибка ALREADY_BOUND.
func (t *CorrelationTable) Bind(token provider.CallToken, id engine.CallID) error {
	if id == engine.CallIDNone {
		return newCorrelationError(CodeAlreadyBound, ErrAlreadyBound, token, id)
	}

	if existing, exists := t.byToken[token]; exists {
		switch existing {
		case engine.CallIDNone:
			// Заполняем pending запись
			t.byToken[token] = id
			t.byID[id] = token
			if t.hasPending && t.pendingToken == token {
				t.hasPending = false
				t.pendingToken = ""
			}
			return nil
		case id:
			// Идемпотентный повтор
			return nil
		default:
			return newCorrelationError(CodeAlreadyBound, ErrAlreadyBound, token, existing)
		}
	}

	if other, exists := t.byID[id]; exists && other != token {
		return newCorrelationError(CodeAlreadyBound, ErrAlreadyBound, other, id)
	}

	t.byToken[token] = id
	t.byID[id] = token
	return nil
}

// LookupByToken возвращает CallID для токена. Для pending записи
// возвращает (CallIDNone, true).
func (t *CorrelationTable) LookupByToken(token provider.CallToken) (engine.CallID, bool) {
	id, ok := t.byToken[token]
	return id, ok
}

// LookupByID возвращает токен для CallID.
func (t *CorrelationTable) LookupByID(id engine.CallID) (provider.CallToken, bool) {
	token, ok := t.byID[id]
	return token, ok
}

// Rewrite переносит привязку с oldID на newID, не трогая токен.
//
// Реализует подмену при переводе: видимая провайдеру запись, которая
// указывала на oldID, начинает указывать на newID. Вызывается только
// после того, как цепочка перевода разрешена с обеих сторон.
func (t *CorrelationTable) Rewrite(oldID, newID engine.CallID) error {
	token, ok := t.byID[oldID]
	if !ok {
		return newBridgeError(ErrorCategoryCorrelation, CodeUnknownCall,
			"rewrite: старый CallID не привязан").WithCallID(oldID)
	}
	if other, exists := t.byID[newID]; exists && other != token {
		return newCorrelationError(CodeAlreadyBound, ErrAlreadyBound, other, newID)
	}

	delete(t.byID, oldID)
	t.byID[newID] = token
	t.byToken[token] = newID
	return nil
}

// Release удаляет запись по токену (pending или привязанную).
func (t *CorrelationTable) Release(token provider.CallToken) {
	if id, ok := t.byToken[token]; ok {
		if id != engine.CallIDNone {
			delete(t.byID, id)
		}
		delete(t.byToken, token)
	}
	if t.hasPending && t.pendingToken == token {
		t.hasPending = false
		t.pendingToken = ""
	}
}

// ReleaseByID удаляет запись по CallID.
func (t *CorrelationTable) ReleaseByID(id engine.CallID) {
	if token, ok := t.byID[id]; ok {
		delete(t.byID, id)
		delete(t.byToken, token)
	}
}

// Pending возвращает токен текущей pending записи, если она есть.
func (t *CorrelationTable) Pending() (provider.CallToken, bool) {
	return t.pendingToken, t.hasPending
}

// Tokens возвращает все известные токены. Используется при потере
// регистрации, когда все видимые провайдеру вызовы надо завершить.
func (t *CorrelationTable) Tokens() []provider.CallToken {
	tokens := make([]provider.CallToken, 0, len(t.byToken))
	for token := range t.byToken {
		tokens = append(tokens, token)
	}
	return tokens
}

// Len число записей в таблице.
func (t *CorrelationTable) Len() int {
	return len(t.byToken)
}
