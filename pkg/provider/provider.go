// Package provider определяет границу с нативным телефонным
// координатором ОС (Telephony Provider).
//
// Провайдер принадлежит операционной системе: приложение не управляет
// им и не может его блокировать. Он показывает вызовы в нативном UI и
// транслирует действия пользователя (ответить, удержать, завершить)
// колбэками. Все его операции асинхронны: результат приходит позже
// отдельным вызовом completion.
package provider

import (
	"time"

	"github.com/google/uuid"
)

// CallToken непрозрачный идентификатор вызова, выдаваемый провайдером.
// Стабилен на все время жизни видимого провайдеру вызова, кроме явной
// подмены при переводе (referral substitution).
type CallToken string

// NewToken чеканит новый токен вызова.
func NewToken() CallToken {
	return CallToken(uuid.NewString())
}

// CallUpdate описание вызова для нативного UI провайдера.
type CallUpdate struct {
	// Handle адрес удаленной стороны (SIP URI или номер)
	Handle string

	// DisplayName отображаемое имя звонящего
	DisplayName string

	// HasVideo вызов с видео
	HasVideo bool

	// SupportsHolding вызов поддерживает удержание
	SupportsHolding bool

	// SupportsGrouping вызов можно объединить в конференцию
	SupportsGrouping bool

	// SupportsDTMF вызов принимает DTMF
	SupportsDTMF bool
}

// EndReason причина завершения вызова, сообщаемая провайдеру.
type EndReason int

const (
	EndReasonFailed EndReason = iota
	EndReasonRemoteEnded
	EndReasonUnanswered
	EndReasonAnsweredElsewhere
	EndReasonDeclinedElsewhere
)

func (r EndReason) String() string {
	switch r {
	case EndReasonFailed:
		return "Failed"
	case EndReasonRemoteEnded:
		return "RemoteEnded"
	case EndReasonUnanswered:
		return "Unanswered"
	case EndReasonAnsweredElsewhere:
		return "AnsweredElsewhere"
	case EndReasonDeclinedElsewhere:
		return "DeclinedElsewhere"
	default:
		return "Unknown"
	}
}

// Action действие, запрашиваемое у провайдера через транзакцию.
// Конкретные типы ниже.
type Action interface {
	// Token вызов, к которому относится действие
	Token() CallToken
	// Name короткое имя действия для логов
	Name() string
}

// StartAction начать исходящий вызов (токен чеканится до CallID).
type StartAction struct {
	CallToken CallToken
	Handle    string
	HasVideo  bool
}

func (a StartAction) Token() CallToken { return a.CallToken }
func (a StartAction) Name() string     { return "start" }

// EndAction завершить вызов.
type EndAction struct {
	CallToken CallToken
}

func (a EndAction) Token() CallToken { return a.CallToken }
func (a EndAction) Name() string     { return "end" }

// SetHeldAction поставить/снять вызов с удержания.
type SetHeldAction struct {
	CallToken CallToken
	OnHold    bool
}

func (a SetHeldAction) Token() CallToken { return a.CallToken }
func (a SetHeldAction) Name() string {
	if a.OnHold {
		return "hold"
	}
	return "resume"
}

// SetMutedAction включить/выключить микрофон.
type SetMutedAction struct {
	CallToken CallToken
	Muted     bool
}

func (a SetMutedAction) Token() CallToken { return a.CallToken }
func (a SetMutedAction) Name() string     { return "mute" }

// GroupAction объединить вызов с другим (конференция).
// With == nil означает «в текущую группу».
type GroupAction struct {
	CallToken CallToken
	With      *CallToken
}

func (a GroupAction) Token() CallToken { return a.CallToken }
func (a GroupAction) Name() string     { return "group" }

// DTMFAction проиграть DTMF в рамках вызова.
type DTMFAction struct {
	CallToken CallToken
	Digits    string
}

func (a DTMFAction) Token() CallToken { return a.CallToken }
func (a DTMFAction) Name() string     { return "dtmf" }

// Completion колбэк завершения асинхронной операции провайдера.
// err == nil означает, что провайдер принял операцию. Колбэк может
// прийти из потока провайдера: получатель обязан переложить обработку
// на свою очередь исполнения.
type Completion func(err error)

// Reporter потребляемый интерфейс провайдера: отчеты о состоянии
// вызовов и запросы транзакций.
type Reporter interface {
	// ReportIncoming показывает новый входящий вызов в нативном UI.
	// Провайдер может отказаться (DND, черный список) — тогда err в
	// completion описывает причину отказа.
	ReportIncoming(token CallToken, update CallUpdate, completion Completion)

	// ReportOutgoingStartedConnecting сообщает, что исходящий вызов
	// начал соединяться.
	ReportOutgoingStartedConnecting(token CallToken)

	// ReportOutgoingConnected сообщает, что исходящий вызов соединен.
	ReportOutgoingConnected(token CallToken)

	// ReportUpdate обновляет описание существующего вызова.
	ReportUpdate(token CallToken, update CallUpdate)

	// ReportEnded убирает вызов из нативного UI.
	ReportEnded(token CallToken, reason EndReason)

	// RequestTransaction запрашивает действие. Completion вызывается,
	// когда провайдер выполнил или отклонил действие.
	RequestTransaction(action Action, completion Completion)
}

// Observer колбэки провайдера, реализуемые ядром синхронизации.
// Провайдер зовет их из своего потока; реализация обязана только
// переложить событие в свою очередь и вернуться немедленно.
type Observer interface {
	// PerformStart пользователь (или система) начинает исходящий вызов
	PerformStart(token CallToken)

	// PerformAnswer пользователь отвечает на входящий вызов
	PerformAnswer(token CallToken)

	// PerformEnd пользователь завершает вызов
	PerformEnd(token CallToken)

	// PerformSetHeld пользователь ставит/снимает вызов с удержания
	PerformSetHeld(token CallToken, onHold bool)

	// PerformSetMuted пользователь мьютит вызов
	PerformSetMuted(token CallToken, muted bool)

	// PerformGroup пользователь объединяет вызовы
	PerformGroup(token CallToken, with *CallToken)

	// PerformDTMF пользователь нажимает DTMF клавиши
	PerformDTMF(token CallToken, digits string)

	// TimedOut провайдер не дождался выполнения действия
	TimedOut(token CallToken)

	// AudioSessionActivated аудио-сессия ОС готова
	AudioSessionActivated()

	// AudioSessionDeactivated аудио-сессия ОС остановлена
	AudioSessionDeactivated()
}

// Clock источник времени для меток выдачи действий; внедряется в
// координатор транзакций, чтобы тесты управляли временем.
type Clock func() time.Time
