package bridge

import (
	"time"

	"github.com/arzzra/call_bridge/pkg/provider"
)

// ActionClass класс действия провайдера. Для каждой пары
// (токен, класс) может существовать максимум одна незавершенная
// транзакция.
type ActionClass int

const (
	ClassStart ActionClass = iota
	ClassEnd
	ClassHold
	ClassResume
	ClassMute
	ClassGroup
	ClassDTMF
)

func (c ActionClass) String() string {
	switch c {
	case ClassStart:
		return "start"
	case ClassEnd:
		return "end"
	case ClassHold:
		return "hold"
	case ClassResume:
		return "resume"
	case ClassMute:
		return "mute"
	case ClassGroup:
		return "group"
	case ClassDTMF:
		return "dtmf"
	default:
		return "unknown"
	}
}

type pendingKey struct {
	token provider.CallToken
	class ActionClass
}

// PendingAction транзакция, запрошенная у провайдера и еще не
// завершенная.
//
// Для resume (и возврата в конференцию) завершение двухфазное:
// колбэк провайдера — лишь первая фаза, вторая — подтверждение движка,
// что медиа реально потекла (StreamsRunning или локальный участник в
// конференции). Иначе нативный UI считает вызов живым, пока медиа нет.
type PendingAction struct {
	Class    ActionClass
	Token    provider.CallToken
	IssuedAt time.Time

	// fulfill вызывается ровно один раз на очереди ядра
	fulfill provider.Completion

	// deferred вторая фаза требуется
	deferred bool
	// providerDone провайдер подтвердил действие
	providerDone bool
	// engineDone движок подтвердил эффект
	engineDone bool
}

// TransactionCoordinator выдает действия провайдеру и отслеживает
// незавершенные.
//
// Каждый completion колбэк провайдера перекладывается на очередь ядра
// через post: вся мутация, порожденная провайдером, происходит на том
// же контексте исполнения, что и мутация от движка.
type TransactionCoordinator struct {
	reporter provider.Reporter
	post     func(func())
	pending  map[pendingKey]*PendingAction
	logger   StructuredLogger
	metrics  *Metrics
	now      provider.Clock
}

// NewTransactionCoordinator создает координатор.
func NewTransactionCoordinator(reporter provider.Reporter, post func(func()), logger StructuredLogger, metrics *Metrics) *TransactionCoordinator {
	return &TransactionCoordinator{
		reporter: reporter,
		post:     post,
		pending:  make(map[pendingKey]*PendingAction),
		logger:   logger.WithComponent("transactions"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Request запрашивает действие у провайдера.
//
// deferred включает двухфазное завершение (см. PendingAction).
// Дубликат по (токен, класс) отклоняется: fulfill немедленно получает
// ошибку DUPLICATE_ACTION, провайдер не вызывается.
func (tc *TransactionCoordinator) Request(action provider.Action, class ActionClass, deferred bool, fulfill provider.Completion) {
	key := pendingKey{token: action.Token(), class: class}
	if _, exists := tc.pending[key]; exists {
		tc.logger.Warn("повторная транзакция того же класса отклонена",
			String("token", string(action.Token())), String("class", class.String()))
		if fulfill != nil {
			fulfill(newBridgeError(ErrorCategoryTransaction, CodeDuplicateAction,
				"транзакция уже выполняется").WithToken(action.Token()))
		}
		return
	}

	pa := &PendingAction{
		Class:    class,
		Token:    action.Token(),
		IssuedAt: tc.now(),
		fulfill:  fulfill,
		deferred: deferred,
	}
	tc.pending[key] = pa
	tc.metrics.pendingTransactions.Set(float64(len(tc.pending)))

	tc.logger.Debug("транзакция запрошена",
		String("token", string(action.Token())), String("action", action.Name()))

	// Completion провайдера приходит из его потока; перекладываем на
	// очередь ядра прежде чем трогать общее состояние.
	tc.reporter.RequestTransaction(action, func(err error) {
		tc.post(func() {
			tc.completeFromProvider(key, err)
		})
	})
}

// completeFromProvider первая фаза завершения. Выполняется на очереди ядра.
func (tc *TransactionCoordinator) completeFromProvider(key pendingKey, err error) {
	pa, ok := tc.pending[key]
	if !ok {
		return
	}

	if err != nil {
		// Отказ провайдера не ретраится: пользователь повторит из UI
		tc.logger.Error("провайдер отклонил транзакцию",
			String("token", string(key.token)), String("class", key.class.String()), Err(err))
		tc.metrics.transactionFailures.Inc()
		tc.finish(key, pa, err)
		return
	}

	pa.providerDone = true
	if !pa.deferred || pa.engineDone {
		tc.finish(key, pa, nil)
	}
}

// ConfirmFromEngine вторая фаза: движок подтвердил эффект действия.
// Безопасно вызывать, когда незавершенной транзакции нет.
func (tc *TransactionCoordinator) ConfirmFromEngine(token provider.CallToken, class ActionClass) {
	key := pendingKey{token: token, class: class}
	pa, ok := tc.pending[key]
	if !ok {
		return
	}

	pa.engineDone = true
	if pa.providerDone {
		tc.finish(key, pa, nil)
	}
}

// DropAll снимает все незавершенные транзакции токена; используется
// при завершении вызова. Колбэки получают причину завершения.
func (tc *TransactionCoordinator) DropAll(token provider.CallToken, cause error) {
	for key, pa := range tc.pending {
		if key.token == token {
			tc.finish(key, pa, cause)
		}
	}
}

// HasPending сообщает о незавершенной транзакции класса для токена.
func (tc *TransactionCoordinator) HasPending(token provider.CallToken, class ActionClass) bool {
	_, ok := tc.pending[pendingKey{token: token, class: class}]
	return ok
}

func (tc *TransactionCoordinator) finish(key pendingKey, pa *PendingAction, err error) {
	delete(tc.pending, key)
	tc.metrics.pendingTransactions.Set(float64(len(tc.pending)))
	if pa.fulfill != nil {
		pa.fulfill(err)
	}
}
