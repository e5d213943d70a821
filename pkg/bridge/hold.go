package bridge

import (
	"time"

	"github.com/arzzra/call_bridge/pkg/engine"
	"github.com/arzzra/call_bridge/pkg/provider"
)

// HoldOrchestrator межвызовный координатор эксклюзивности аудио.
//
// Инвариант устройства: среди вызовов вне конференции максимум один
// находится в Connected/StreamsRunning; остальные обязаны быть
// Paused или PausedByRemote. Оркестратор восстанавливает инвариант
// при ответе на вызов, группировке и завершении.
//
// Вход/выход из конференции — не то же самое, что hold/resume
// точка-точка вызова: маршрутизация идет по флагу IsConferenceCall.
type HoldOrchestrator struct {
	store       *CallRecordStore
	correlation *CorrelationTable
	coordinator *TransactionCoordinator
	eng         engine.Engine
	reporter    provider.Reporter

	logger  StructuredLogger
	metrics *Metrics

	endCallTimeout time.Duration
	noticeDuration time.Duration

	// post перекладывает срабатывание таймеров на очередь ядра
	post   func(func())
	notify func(Notification)

	// endCallTimers таймеры endCallNotExist по токенам
	endCallTimers map[provider.CallToken]*time.Timer

	// noticeTimer гасит уведомление об оставшемся вызове
	noticeTimer *time.Timer

	// forceEnd откат на стороне фасада при срабатывании сверки:
	// снимает интент старта, транзакции и корреляцию токена
	forceEnd func(provider.CallToken)
}

// NewHoldOrchestrator создает оркестратор.
func NewHoldOrchestrator(
	store *CallRecordStore,
	correlation *CorrelationTable,
	coordinator *TransactionCoordinator,
	eng engine.Engine,
	reporter provider.Reporter,
	logger StructuredLogger,
	metrics *Metrics,
	cfg Config,
	post func(func()),
	notify func(Notification),
) *HoldOrchestrator {
	return &HoldOrchestrator{
		store:          store,
		correlation:    correlation,
		coordinator:    coordinator,
		eng:            eng,
		reporter:       reporter,
		logger:         logger.WithComponent("hold"),
		metrics:        metrics,
		endCallTimeout: cfg.EndCallNotExistTimeout,
		noticeDuration: cfg.RemainingCallNotice,
		post:           post,
		notify:         notify,
		endCallTimers:  make(map[provider.CallToken]*time.Timer),
	}
}

// SetHeldOthers ставит на удержание все вызовы кроме exceptID.
//
// Документированная особенность группировки: если сам исключенный
// вызов уже на паузе, hold переутверждается и для него. Это
// намеренное поведение при входе в группировку, не баг.
func (h *HoldOrchestrator) SetHeldOthers(exceptID engine.CallID) {
	except, _ := h.store.Get(exceptID)

	for _, rec := range h.store.All() {
		if rec.State.IsTerminal() || rec.State == engine.StateReleased {
			continue
		}

		if rec.ID == exceptID {
			if rec.State.IsPausedAny() {
				h.issueHold(rec, true)
			}
			continue
		}

		// Участники одной конференции с исключенным вызовом не
		// удерживаются: их аудио микшируется, а не конкурирует
		if except != nil && except.IsConferenceCall && rec.IsConferenceCall {
			continue
		}

		if rec.State.IsPausedAny() {
			continue
		}
		if token, ok := h.correlation.LookupByID(rec.ID); ok && h.coordinator.HasPending(token, ClassHold) {
			continue
		}

		h.issueHold(rec, true)
	}
}

// ResumeAllPaused симметричный проход: Resume для каждого вызова на
// паузе. Используется при выходе из состояния, требовавшего
// эксклюзивности.
func (h *HoldOrchestrator) ResumeAllPaused() {
	for _, rec := range h.store.All() {
		if rec.State != engine.StatePaused {
			continue
		}
		h.issueHold(rec, false)
	}
}

// issueHold запрашивает hold/resume транзакцию у провайдера; без
// провайдера действие уходит напрямую в движок.
func (h *HoldOrchestrator) issueHold(rec *CallRecord, onHold bool) {
	token, hasToken := h.correlation.LookupByID(rec.ID)
	if !hasToken || h.reporter == nil {
		h.RouteHold(rec, onHold)
		return
	}

	class := ClassHold
	if !onHold {
		class = ClassResume
	}

	id := rec.ID
	// resume завершается двухфазно: медиа должна реально потечь
	h.coordinator.Request(provider.SetHeldAction{CallToken: token, OnHold: onHold}, class, !onHold, func(err error) {
		if err != nil {
			h.logger.Error("hold транзакция не выполнена",
				String("call_id", string(id)), Bool("on_hold", onHold), Err(err))
		}
	})
}

// RouteHold выполняет hold/resume на движке с учетом конференции.
//
// Для вызова в конференции удержание выражается выходом локального
// участника, возобновление — повторным входом.
func (h *HoldOrchestrator) RouteHold(rec *CallRecord, onHold bool) {
	var err error
	switch {
	case rec.IsConferenceCall && onHold:
		err = h.eng.LeaveConference(rec.ID)
	case rec.IsConferenceCall && !onHold:
		err = h.eng.EnterConference(rec.ID)
	case onHold:
		err = h.eng.Pause(rec.ID)
	default:
		err = h.eng.Resume(rec.ID)
	}

	if err != nil {
		h.logger.Error("не удалось выполнить hold/resume на движке",
			String("call_id", string(rec.ID)), Bool("on_hold", onHold), Err(err))
	}
}

// TerminationSweep наводит порядок после завершения вызова endedID.
//
// Последний вызов: сброс маршрута аудио к умолчанию. Остались другие:
// возобновляется самый свежий из оставшихся и показывается временное
// уведомление об оставшемся вызове.
func (h *HoldOrchestrator) TerminationSweep(endedID engine.CallID) {
	var remaining *CallRecord
	for _, rec := range h.store.All() {
		if rec.ID == endedID || rec.State.IsTerminal() || rec.State == engine.StateReleased {
			continue
		}
		if remaining == nil || rec.CreatedAt.After(remaining.CreatedAt) {
			remaining = rec
		}
	}

	if remaining == nil {
		h.eng.SetAudioActive(false)
		h.notify(AudioRouteReset{})
		return
	}

	if remaining.State.IsPausedAny() {
		h.issueHold(remaining, false)
	}

	until := time.Now().Add(h.noticeDuration)
	h.notify(RemainingCallNotice{ID: remaining.ID, Until: until})
	if h.noticeTimer != nil {
		h.noticeTimer.Stop()
	}
	h.noticeTimer = time.AfterFunc(h.noticeDuration, func() {
		h.post(func() {
			h.notify(RemainingCallNoticeCleared{})
		})
	})
}

// ScheduleEndCallNotExist планирует сверку по таймауту для токена,
// видимого провайдеру без подтвержденной корреляции.
//
// У провайдера нет собственного таймаута на «вызов так и не начался»,
// поэтому ядро закрывает такие записи само. Это единственное
// самоинициированное корректирующее действие в системе.
func (h *HoldOrchestrator) ScheduleEndCallNotExist(token provider.CallToken) {
	if _, exists := h.endCallTimers[token]; exists {
		return
	}

	h.endCallTimers[token] = time.AfterFunc(h.endCallTimeout, func() {
		h.post(func() {
			h.fireEndCallNotExist(token)
		})
	})
}

// CancelEndCallNotExist отменяет сверку: движок подтвердил вызов.
func (h *HoldOrchestrator) CancelEndCallNotExist(token provider.CallToken) {
	if timer, ok := h.endCallTimers[token]; ok {
		timer.Stop()
		delete(h.endCallTimers, token)
	}
}

// fireEndCallNotExist выполняется на очереди ядра по срабатыванию
// таймера.
func (h *HoldOrchestrator) fireEndCallNotExist(token provider.CallToken) {
	delete(h.endCallTimers, token)

	id, known := h.correlation.LookupByToken(token)
	if known && id != engine.CallIDNone {
		// Корреляция состоялась; если движок отслеживает вызов,
		// сверке здесь делать нечего
		if _, ok := h.store.Get(id); ok {
			return
		}
		for _, active := range h.eng.ListActiveCalls() {
			if active == id {
				return
			}
		}
	}
	if !known {
		return
	}

	// Лог отличим от обычных завершений: телеметрия должна видеть
	// «мы не дождались», а не «вызов закончился»
	h.logger.Error("endCallNotExist: принудительное завершение по таймауту",
		String("token", string(token)), String("call_id", string(id)),
		String("code", CodeEndCallNotExist))
	h.metrics.forcedTerminations.Inc()

	// Откат выполняет фасад: помимо отчета и корреляции нужно снять
	// интент старта и незавершенные транзакции, иначе поздний
	// PerformStart оживит вызов, которого в нативном UI уже нет
	h.forceEnd(token)
}

// StopTimers гасит все таймеры при останове ядра.
func (h *HoldOrchestrator) StopTimers() {
	for token, timer := range h.endCallTimers {
		timer.Stop()
		delete(h.endCallTimers, token)
	}
	if h.noticeTimer != nil {
		h.noticeTimer.Stop()
		h.noticeTimer = nil
	}
}
