// Package engine определяет границу с SIP движком (Call Engine).
//
// Движок владеет авторитетным состоянием сигнализации и медиа. Ядро
// синхронизации (pkg/bridge) никогда не придумывает состояния само:
// оно только наблюдает события движка и отдает команды. Подтверждение
// любой команды приходит позже отдельным событием, не возвращаемым
// значением.
package engine

import "context"

// CallID идентификатор вызова, выдаваемый движком при начале сигнализации.
// Пустое значение зарезервировано для вызова, который еще не отправлен
// (исходящий вызов до INVITE).
type CallID string

// CallIDNone зарезервированный пустой идентификатор.
const CallIDNone CallID = ""

// CallState состояние вызова в движке.
//
// Порядок состояний (нестрогий):
//
//	Idle → {OutgoingInit, IncomingReceived, PushIncoming}
//	     → OutgoingProgress → OutgoingRinging → OutgoingEarlyMedia
//	     → Connected → StreamsRunning ⇄ {Paused, PausedByRemote}
//	     → {End | Error} → Released
//
// Referred — боковая ветка, достижимая из любого активного состояния:
// сигнализация продолжается под новым CallID, пока старый стекает в End.
type CallState int

const (
	StateIdle CallState = iota
	StateOutgoingInit
	StateIncomingReceived
	StatePushIncoming
	StateOutgoingProgress
	StateOutgoingRinging
	StateOutgoingEarlyMedia
	StateConnected
	StateStreamsRunning
	StatePaused
	StatePausedByRemote
	StateReferred
	StateEnd
	StateError
	StateReleased
)

var callStateNames = map[CallState]string{
	StateIdle:               "Idle",
	StateOutgoingInit:       "OutgoingInit",
	StateIncomingReceived:   "IncomingReceived",
	StatePushIncoming:       "PushIncoming",
	StateOutgoingProgress:   "OutgoingProgress",
	StateOutgoingRinging:    "OutgoingRinging",
	StateOutgoingEarlyMedia: "OutgoingEarlyMedia",
	StateConnected:          "Connected",
	StateStreamsRunning:     "StreamsRunning",
	StatePaused:             "Paused",
	StatePausedByRemote:     "PausedByRemote",
	StateReferred:           "Referred",
	StateEnd:                "End",
	StateError:              "Error",
	StateReleased:           "Released",
}

func (s CallState) String() string {
	if name, ok := callStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// IsTerminal сообщает, что сигнализация вызова закончилась (End или Error).
// Released наступает после и означает освобождение ресурсов.
func (s CallState) IsTerminal() bool {
	return s == StateEnd || s == StateError
}

// IsPausedAny сообщает, что вызов находится в любом из состояний паузы.
func (s CallState) IsPausedAny() bool {
	return s == StatePaused || s == StatePausedByRemote
}

// IsAudioActive сообщает, что вызов претендует на аудио устройства.
// Ровно один не-конференц вызов может быть в таком состоянии одновременно.
func (s CallState) IsAudioActive() bool {
	return s == StateConnected || s == StateStreamsRunning
}

// Reason причина отклонения/завершения вызова в терминах движка.
// Используется при маппинге отказов Telephony Provider (§ провайдер
// отказался показывать входящий вызов) в SIP-ответ.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonDeclined
	ReasonBusy
	ReasonDoNotDisturb
	ReasonNotAnswered
	ReasonUnknown
)

var reasonNames = map[Reason]string{
	ReasonNone:         "None",
	ReasonDeclined:     "Declined",
	ReasonBusy:         "Busy",
	ReasonDoNotDisturb: "DoNotDisturb",
	ReasonNotAnswered:  "NotAnswered",
	ReasonUnknown:      "Unknown",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "Unknown"
}

// RegistrationState состояние регистрации аккаунта на SIP сервере.
type RegistrationState int

const (
	RegistrationNone RegistrationState = iota
	RegistrationProgress
	RegistrationOK
	RegistrationFailed
	RegistrationCleared
)

func (r RegistrationState) String() string {
	switch r {
	case RegistrationNone:
		return "None"
	case RegistrationProgress:
		return "Progress"
	case RegistrationOK:
		return "OK"
	case RegistrationFailed:
		return "Failed"
	case RegistrationCleared:
		return "Cleared"
	default:
		return "Unknown"
	}
}

// Event событие движка. Конкретные типы ниже. Адаптер движка обязан
// доставлять события через один обработчик (SetEventHandler), который
// ядро синхронизации перекладывает в свою очередь.
type Event interface {
	isEvent()
}

// CallStateChanged единственный драйвер машины состояний вызова.
//
// Для нового вызова (первое событие с данным ID) заполняются поля
// RemoteAddress, DisplayName, HasVideo и, для вызова-результата
// перевода, ReferredFrom — идентификатор исходного вызова.
type CallStateChanged struct {
	ID      CallID
	State   CallState
	Message string

	// Метаданные, значимые только при первом появлении вызова
	RemoteAddress string
	DisplayName   string
	HasVideo      bool

	// ReferredFrom ненулевой, если вызов порожден переводом (REFER)
	ReferredFrom CallID
}

func (CallStateChanged) isEvent() {}

// RegistrationStateChanged событие смены состояния регистрации аккаунта.
type RegistrationStateChanged struct {
	State RegistrationState
	// AccountCount число настроенных аккаунтов на момент события
	AccountCount int
}

func (RegistrationStateChanged) isEvent() {}

// ConferenceLocalJoined сообщает, что локальный участник реально
// присоединился к конференции. Нужен для двухфазного подтверждения
// re-entry: провайдер считает действие выполненным только после
// этого события.
type ConferenceLocalJoined struct {
	ID CallID
}

func (ConferenceLocalJoined) isEvent() {}

// EventHandler получатель событий движка.
type EventHandler func(Event)

// Engine интерфейс SIP движка, потребляемый ядром синхронизации.
//
// Все методы неблокирующие с точки зрения ядра: команда ставится в
// работу, авторитетное подтверждение приходит событием CallStateChanged.
// Ошибка возврата означает, что команду не удалось даже принять.
type Engine interface {
	// CreateCallParams создает параметры вызова. Для id == CallIDNone
	// возвращаются параметры по умолчанию для нового исходящего вызова.
	CreateCallParams(id CallID) (*CallParams, error)

	// Invite начинает исходящий вызов и возвращает новый CallID.
	Invite(ctx context.Context, address string, params *CallParams) (CallID, error)

	// Accept принимает входящий вызов.
	Accept(id CallID, params *CallParams) error

	// Decline отклоняет входящий вызов с указанной причиной.
	Decline(id CallID, reason Reason) error

	// Terminate завершает вызов в любом состоянии.
	Terminate(id CallID) error

	// Pause ставит вызов на удержание (re-INVITE sendonly).
	Pause(id CallID) error

	// Resume снимает вызов с удержания.
	Resume(id CallID) error

	// Transfer переводит вызов на новый адрес (REFER).
	Transfer(id CallID, address string) error

	// SendDTMF отправляет DTMF сигнал в рамках вызова.
	SendDTMF(id CallID, digit rune) error

	// SetMuted включает/выключает микрофон для вызова.
	SetMuted(id CallID, muted bool) error

	// EnterConference вводит вызов в конференцию. Подтверждение —
	// событие ConferenceLocalJoined.
	EnterConference(id CallID) error

	// LeaveConference выводит локального участника из конференции.
	LeaveConference(id CallID) error

	// ListActiveCalls возвращает идентификаторы всех живых вызовов.
	ListActiveCalls() []CallID

	// AttachUserData связывает произвольные данные приложения с вызовом.
	// data == nil снимает связь.
	AttachUserData(id CallID, data any)

	// SetAudioActive включает/выключает аудио подсистему движка.
	// Вызывается из колбэков активации аудио-сессии провайдера.
	SetAudioActive(active bool)

	// SetEventHandler задает единственного получателя событий движка.
	SetEventHandler(h EventHandler)
}
