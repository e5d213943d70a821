// Package bridge реализует ядро синхронизации вызовов: компонент,
// который держит состояние SIP движка (Call Engine) согласованным с
// нативным телефонным координатором ОС (Telephony Provider).
//
// Обе системы ведут собственный учет «какие вызовы существуют и в
// каких состояниях» в разных пространствах идентификаторов и с
// независимой асинхронной доставкой событий. Ядро сводит их через
// таблицу корреляции и единственную сериализованную очередь
// исполнения: все колбэки провайдера и события движка перекладываются
// в одну очередь, и только из нее мутируется общее состояние. Этого
// достаточно, чтобы гонки корреляции, переводов и двойных эффектов
// были исключены конструктивно.
package bridge

import (
	"context"
	"sync"

	"github.com/arzzra/call_bridge/pkg/engine"
	"github.com/arzzra/call_bridge/pkg/provider"
)

// startIntent запомненные детали исходящего вызова между чеканкой
// токена и PerformStart колбэком провайдера.
type startIntent struct {
	address string
	video   bool
}

// Bridge фасад синхронизации: единственная точка входа для колбэков
// провайдера и событий движка.
//
// Создается композиционным корнем приложения и передается
// коллабораторам явно; глобального состояния нет.
type Bridge struct {
	cfg     Config
	logger  StructuredLogger
	metrics *Metrics

	eng      engine.Engine
	reporter provider.Reporter

	correlation *CorrelationTable
	records     *CallRecordStore
	machines    *CallStateMachine
	referrals   *ReferralTracker
	coordinator *TransactionCoordinator
	hold        *HoldOrchestrator

	// queue единственная очередь ядра; вся мутация общего состояния
	// происходит в горутине run
	queue chan func()
	quit  chan struct{}
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	// pendingStarts интенты исходящих вызовов по токенам
	pendingStarts map[provider.CallToken]startIntent

	// nativeUIDisabled выставляется при потере регистрации
	// единственного аккаунта
	nativeUIDisabled bool

	subscribers []func(Notification)
}

// New создает ядро синхронизации.
func New(cfg Config) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger.WithComponent("bridge")
	metrics := NewMetrics(cfg.MetricsNamespace, cfg.MetricsRegisterer)

	b := &Bridge{
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		eng:           cfg.Engine,
		reporter:      cfg.Reporter,
		queue:         make(chan func(), cfg.QueueSize),
		quit:          make(chan struct{}),
		pendingStarts: make(map[provider.CallToken]startIntent),
	}

	b.correlation = NewCorrelationTable()
	b.records = NewCallRecordStore(cfg.Logger, metrics)
	b.machines = NewCallStateMachine(cfg.Logger)
	b.referrals = NewReferralTracker(cfg.Logger)
	b.coordinator = NewTransactionCoordinator(cfg.Reporter, b.post, cfg.Logger, metrics)
	b.hold = NewHoldOrchestrator(b.records, b.correlation, b.coordinator,
		cfg.Engine, cfg.Reporter, cfg.Logger, metrics, cfg, b.post, b.publish)
	b.hold.forceEnd = b.abandonStart

	// События движка приходят из его потока; единственная обязанность
	// обработчика — переложить событие в очередь ядра
	cfg.Engine.SetEventHandler(func(ev engine.Event) {
		b.post(func() {
			b.handleEngineEvent(ev)
		})
	})

	return b, nil
}

// Start запускает горутину очереди ядра.
func (b *Bridge) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.run()
	})
}

// Stop останавливает ядро; уже поставленные в очередь события
// дорабатываются.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.post(func() {
			b.hold.StopTimers()
		})
		close(b.quit)
		b.wg.Wait()
	})
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case fn := <-b.queue:
			fn()
		case <-b.quit:
			// дорабатываем хвост очереди
			for {
				select {
				case fn := <-b.queue:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post кладет работу в очередь ядра. После останова работа
// отбрасывается.
func (b *Bridge) post(fn func()) {
	select {
	case b.queue <- fn:
	case <-b.quit:
	}
}

// OnNotification подписывает слой UI на локальные события ядра.
// Вызывать до Start.
func (b *Bridge) OnNotification(fn func(Notification)) {
	b.subscribers = append(b.subscribers, fn)
}

func (b *Bridge) publish(n Notification) {
	for _, fn := range b.subscribers {
		fn(n)
	}
}

// ---- операции, инициируемые приложением ----

// PlaceCall начинает исходящий вызов: чеканит токен провайдера,
// резервирует pending запись корреляции и запрашивает Start
// транзакцию. CallID появится позже, когда провайдер разрешит вызов
// и движок отправит INVITE.
func (b *Bridge) PlaceCall(address string, video bool) provider.CallToken {
	token := provider.NewToken()
	b.post(func() {
		if err := b.correlation.ReservePending(token); err != nil {
			b.failCorrelation(err)
			return
		}
		b.pendingStarts[token] = startIntent{address: address, video: video}

		// Видимая провайдеру запись без подтвержденной корреляции:
		// сразу планируем сверку по таймауту
		b.hold.ScheduleEndCallNotExist(token)

		if b.reporter == nil || b.nativeUIDisabled {
			b.startOutgoing(token)
			return
		}

		b.coordinator.Request(provider.StartAction{
			CallToken: token,
			Handle:    address,
			HasVideo:  video,
		}, ClassStart, false, func(err error) {
			if err != nil {
				b.logger.Error("start транзакция отклонена", Err(err))
				b.abandonStart(token)
			}
		})
	})
	return token
}

// HangUp завершает вызов по инициативе приложения.
func (b *Bridge) HangUp(id engine.CallID) {
	b.post(func() {
		if err := b.eng.Terminate(id); err != nil {
			b.logger.Error("не удалось завершить вызов", String("call_id", string(id)), Err(err))
		}
	})
}

// Answer принимает входящий вызов по инициативе приложения (без
// нативного UI).
func (b *Bridge) Answer(id engine.CallID) {
	b.post(func() {
		b.answerCall(id)
	})
}

// SetHeld ставит/снимает вызов с удержания по инициативе приложения.
func (b *Bridge) SetHeld(id engine.CallID, onHold bool) {
	b.post(func() {
		rec, ok := b.records.Get(id)
		if !ok {
			return
		}
		if !onHold {
			// возобновление требует эксклюзивности аудио
			b.hold.SetHeldOthers(id)
		}
		// Через координатор: нативный UI должен увидеть смену
		// состояния удержания, а resume — получить вторую фазу
		b.hold.issueHold(rec, onHold)
	})
}

// TransferCall переводит вызов на другой адрес.
func (b *Bridge) TransferCall(id engine.CallID, address string) {
	b.post(func() {
		if err := b.eng.Transfer(id, address); err != nil {
			b.logger.Error("не удалось перевести вызов", String("call_id", string(id)), Err(err))
		}
	})
}

// SetRecordingPath задает путь записи разговора; путь переживает
// перевод вызова.
func (b *Bridge) SetRecordingPath(id engine.CallID, path string) {
	b.post(func() {
		b.records.Mutate(id, func(rec *CallRecord) {
			rec.RecordingPath = path
		})
	})
}

// HandlePushIncoming регистрирует входящий вызов, о котором стало
// известно из push уведомления до того, как движок увидел сигнализацию.
// Токен чеканится сразу, чтобы нативный UI показал вызов немедленно;
// когда движок догонит (IncomingReceived с тем же CallID), корреляция
// уже будет на месте и уйдет только update.
func (b *Bridge) HandlePushIncoming(id engine.CallID, handle, displayName string, hasVideo bool) provider.CallToken {
	token := provider.NewToken()
	b.post(func() {
		if err := b.correlation.Bind(token, id); err != nil {
			b.failCorrelation(err)
			return
		}

		rec := b.records.Create(id, DirectionIncoming)
		rec.RemoteAddress = handle
		rec.IntendsVideo = hasVideo
		b.machines.Apply(id, engine.StatePushIncoming)
		rec.State = engine.StatePushIncoming

		b.hold.ScheduleEndCallNotExist(token)
		b.reportIncoming(token, id, handle, displayName, hasVideo)
	})
	return token
}

// ---- колбэки Telephony Provider (provider.Observer) ----

// PerformStart провайдер разрешил исходящий вызов.
func (b *Bridge) PerformStart(token provider.CallToken) {
	b.post(func() {
		b.startOutgoing(token)
	})
}

// PerformAnswer пользователь ответил из нативного UI.
func (b *Bridge) PerformAnswer(token provider.CallToken) {
	b.post(func() {
		id, ok := b.correlation.LookupByToken(token)
		if !ok || id == engine.CallIDNone {
			b.logger.Warn("answer для токена без вызова", String("token", string(token)))
			return
		}
		b.answerCall(id)
	})
}

// PerformEnd пользователь завершил вызов из нативного UI.
func (b *Bridge) PerformEnd(token provider.CallToken) {
	b.post(func() {
		id, ok := b.correlation.LookupByToken(token)
		if !ok {
			return
		}

		if id == engine.CallIDNone {
			// Вызов еще не родился: снимаем интент и запись
			b.abandonStart(token)
			return
		}

		b.records.Mutate(id, func(rec *CallRecord) {
			rec.EndedByProvider = true
		})
		if err := b.eng.Terminate(id); err != nil {
			b.logger.Error("terminate по требованию провайдера не удался",
				String("call_id", string(id)), Err(err))
		}
	})
}

// PerformSetHeld пользователь удержал/возобновил вызов из нативного UI.
func (b *Bridge) PerformSetHeld(token provider.CallToken, onHold bool) {
	b.post(func() {
		id, ok := b.correlation.LookupByToken(token)
		if !ok || id == engine.CallIDNone {
			return
		}
		rec, ok := b.records.Get(id)
		if !ok {
			return
		}
		b.hold.RouteHold(rec, onHold)
	})
}

// PerformSetMuted пользователь мьютит вызов из нативного UI.
func (b *Bridge) PerformSetMuted(token provider.CallToken, muted bool) {
	b.post(func() {
		id, ok := b.correlation.LookupByToken(token)
		if !ok || id == engine.CallIDNone {
			return
		}
		b.records.Mutate(id, func(rec *CallRecord) {
			rec.Muted = muted
		})
		if err := b.eng.SetMuted(id, muted); err != nil {
			b.logger.Error("mute не удался", String("call_id", string(id)), Err(err))
		}
	})
}

// PerformGroup пользователь объединил вызовы в конференцию.
func (b *Bridge) PerformGroup(token provider.CallToken, with *provider.CallToken) {
	b.post(func() {
		id, ok := b.correlation.LookupByToken(token)
		if !ok || id == engine.CallIDNone {
			return
		}

		ids := []engine.CallID{id}
		if with != nil {
			if otherID, ok := b.correlation.LookupByToken(*with); ok && otherID != engine.CallIDNone {
				ids = append(ids, otherID)
			}
		}

		for _, cid := range ids {
			b.records.Mutate(cid, func(rec *CallRecord) {
				rec.IsConferenceCall = true
			})
			if err := b.eng.EnterConference(cid); err != nil {
				b.logger.Error("вход в конференцию не удался",
					String("call_id", string(cid)), Err(err))
			}
		}

		// Остальные вызовы уходят на удержание, включая переутверждение
		// hold для исключенного вызова, если он сам был на паузе
		b.hold.SetHeldOthers(id)
	})
}

// PerformDTMF пользователь нажал DTMF клавиши в нативном UI.
func (b *Bridge) PerformDTMF(token provider.CallToken, digits string) {
	b.post(func() {
		id, ok := b.correlation.LookupByToken(token)
		if !ok || id == engine.CallIDNone {
			return
		}
		for _, digit := range digits {
			if err := b.eng.SendDTMF(id, digit); err != nil {
				b.logger.Error("DTMF не отправлен", String("call_id", string(id)), Err(err))
				return
			}
		}
	})
}

// TimedOut провайдер не дождался выполнения действия.
func (b *Bridge) TimedOut(token provider.CallToken) {
	b.post(func() {
		b.logger.Warn("провайдер сообщил таймаут действия", String("token", string(token)))
		b.coordinator.DropAll(token, newBridgeError(ErrorCategoryTimeout,
			CodeTransactionFailed, "действие провайдера истекло").WithToken(token))
	})
}

// AudioSessionActivated аудио-сессия ОС готова: включаем аудио движка.
func (b *Bridge) AudioSessionActivated() {
	b.post(func() {
		b.eng.SetAudioActive(true)
	})
}

// AudioSessionDeactivated аудио-сессия ОС остановлена.
func (b *Bridge) AudioSessionDeactivated() {
	b.post(func() {
		b.eng.SetAudioActive(false)
	})
}

// ---- внутренние операции (только на очереди ядра) ----

// startOutgoing выполняет исходящий вызов: INVITE и привязка корреляции.
func (b *Bridge) startOutgoing(token provider.CallToken) {
	intent, ok := b.pendingStarts[token]
	if !ok {
		b.logger.Warn("start для неизвестного токена", String("token", string(token)))
		return
	}
	delete(b.pendingStarts, token)

	params, err := b.eng.CreateCallParams(engine.CallIDNone)
	if err != nil {
		b.logger.Error("параметры вызова не созданы", Err(err))
		b.abandonStart(token)
		return
	}
	params.VideoEnabled = intent.video

	id, err := b.eng.Invite(context.Background(), intent.address, params)
	if err != nil {
		b.logger.Error("INVITE не отправлен", String("address", intent.address), Err(err))
		b.abandonStart(token)
		return
	}

	if err := b.correlation.Bind(token, id); err != nil {
		b.failCorrelation(err)
		return
	}

	rec := b.records.Create(id, DirectionOutgoing)
	rec.RemoteAddress = intent.address
	rec.IntendsVideo = intent.video
}

// abandonStart откатывает неудавшийся исходящий вызов. Повторный вызов
// для уже освобожденного токена — no-op: отчет о завершении уходит
// ровно один раз.
func (b *Bridge) abandonStart(token provider.CallToken) {
	delete(b.pendingStarts, token)
	b.hold.CancelEndCallNotExist(token)
	b.coordinator.DropAll(token, newBridgeError(ErrorCategoryTransaction,
		CodeTransactionFailed, "вызов отменен").WithToken(token))

	id, ok := b.correlation.LookupByToken(token)
	if !ok {
		// Корреляция уже снята: откат состоялся раньше
		return
	}
	if id != engine.CallIDNone {
		if err := b.eng.Terminate(id); err != nil {
			b.logger.Error("terminate при откате не удался", String("call_id", string(id)), Err(err))
		}
	}

	if b.reporter != nil {
		b.reporter.ReportEnded(token, provider.EndReasonFailed)
		b.metrics.providerReports.WithLabelValues("ended").Inc()
	}
	b.correlation.Release(token)
}

// answerCall принимает вызов, предварительно удержав остальные.
func (b *Bridge) answerCall(id engine.CallID) {
	b.hold.SetHeldOthers(id)

	params, err := b.eng.CreateCallParams(id)
	if err != nil {
		b.logger.Error("параметры ответа не созданы", String("call_id", string(id)), Err(err))
		return
	}
	if rec, ok := b.records.Get(id); ok {
		params.VideoEnabled = rec.IntendsVideo
	}

	if err := b.eng.Accept(id, params); err != nil {
		b.logger.Error("accept не удался", String("call_id", string(id)), Err(err))
	}
}

// failCorrelation обрабатывает ошибку корреляции: громко в лог и
// метрику; в строгом режиме (отладочная сборка) — паника.
func (b *Bridge) failCorrelation(err error) {
	var code string
	if be, ok := err.(*BridgeError); ok {
		code = be.Code
	} else {
		code = "UNKNOWN"
	}

	b.metrics.correlationErrors.WithLabelValues(code).Inc()
	if b.cfg.StrictCorrelation {
		panic(err)
	}
	b.logger.Error("ошибка корреляции", Err(err))
}

// ---- события движка (только на очереди ядра) ----

func (b *Bridge) handleEngineEvent(ev engine.Event) {
	switch e := ev.(type) {
	case engine.CallStateChanged:
		b.handleCallState(e)
	case engine.RegistrationStateChanged:
		b.handleRegistration(e)
	case engine.ConferenceLocalJoined:
		b.handleConferenceJoined(e)
	default:
		b.logger.Debug("неизвестное событие движка")
	}
}

// handleCallState единственный драйвер машины состояний.
func (b *Bridge) handleCallState(sc engine.CallStateChanged) {
	id := sc.ID

	rec := b.ensureRecord(sc)

	// Provenance перевода: новый вызов указывает на исходный
	if sc.ReferredFrom != engine.CallIDNone {
		if chain := b.referrals.ObserveNewCall(id, sc.ReferredFrom); chain != nil {
			b.resolveReferral(chain, rec)
		}
	}

	from, redelivered := b.machines.Apply(id, sc.State)
	rec.State = sc.State

	if redelivered {
		// Повторная доставка: необратимые эффекты уже отработали
		return
	}

	b.metrics.transitionsTotal.WithLabelValues(sc.State.String()).Inc()
	b.applyEffects(rec, from, sc)

	// Ровно одно извещение на обработанный переход
	b.publish(CallUpdated{ID: id, State: sc.State, Message: sc.Message})
}

// ensureRecord возвращает запись вызова, создавая ее при первом
// знакомстве с вызовом либо синтезируя при нарушении порядка доставки.
func (b *Bridge) ensureRecord(sc engine.CallStateChanged) *CallRecord {
	if rec, ok := b.records.Get(sc.ID); ok {
		return rec
	}

	direction := DirectionOutgoing
	switch sc.State {
	case engine.StateIncomingReceived, engine.StatePushIncoming:
		direction = DirectionIncoming
	}

	var rec *CallRecord
	switch {
	case sc.ReferredFrom != engine.CallIDNone:
		// Вызов-результат перевода рождается сразу в продвинутом
		// состоянии; это не нарушение порядка доставки
		rec = b.records.Create(sc.ID, direction)
	case sc.State == engine.StateIncomingReceived,
		sc.State == engine.StatePushIncoming,
		sc.State == engine.StateOutgoingInit:
		rec = b.records.Create(sc.ID, direction)
	default:
		rec = b.records.GetOrSynthesize(sc.ID, direction)
	}

	if sc.RemoteAddress != "" {
		rec.RemoteAddress = sc.RemoteAddress
	}
	if sc.HasVideo {
		rec.IntendsVideo = true
	}
	if sc.ReferredFrom != engine.CallIDNone {
		rec.IsFromReferral = true
	}
	return rec
}

// applyEffects детерминированные побочные эффекты перехода.
// Необратимые эффекты защищены флагами записи: повторная доставка
// события не приводит к повторному отчету.
func (b *Bridge) applyEffects(rec *CallRecord, from engine.CallState, sc engine.CallStateChanged) {
	id := sc.ID
	token, hasToken := b.correlation.LookupByID(id)

	// Выход из PausedByRemote гасит сигнал удаленной паузы
	if from == engine.StatePausedByRemote && sc.State != engine.StatePausedByRemote {
		b.publish(RemotePauseChanged{ID: id, Paused: false})
	}

	switch sc.State {
	case engine.StateIncomingReceived:
		b.effectIncoming(rec, sc, token, hasToken)

	case engine.StateOutgoingProgress:
		if hasToken && !rec.StartedConnectingReported && b.reporter != nil {
			b.reporter.ReportOutgoingStartedConnecting(token)
			b.metrics.providerReports.WithLabelValues("started_connecting").Inc()
			rec.StartedConnectingReported = true
		}

	case engine.StateConnected:
		// Корреляция подтверждена: сверка по таймауту не нужна
		if hasToken {
			b.hold.CancelEndCallNotExist(token)
		}

	case engine.StateStreamsRunning:
		if hasToken {
			b.hold.CancelEndCallNotExist(token)

			// Отчет «исходящий соединен» ровно один раз
			if rec.Direction == DirectionOutgoing && !rec.ConnectedToProvider && b.reporter != nil {
				b.reporter.ReportOutgoingConnected(token)
				b.metrics.providerReports.WithLabelValues("connected").Inc()
				rec.ConnectedToProvider = true
			}

			// Вторая фаза отложенного resume: медиа реально потекла
			b.coordinator.ConfirmFromEngine(token, ClassResume)
		}

	case engine.StatePausedByRemote:
		b.publish(RemotePauseChanged{ID: id, Paused: true})

	case engine.StateReferred:
		// Запись не удаляем: цепочка перевода разрешится позже
		b.referrals.ObserveReferred(id)

	case engine.StateEnd, engine.StateError:
		b.terminationSequence(rec, sc, from, token, hasToken)

	case engine.StateReleased:
		b.handleReleased(id, token, hasToken)
	}
}

// effectIncoming эффекты появления входящего вызова.
func (b *Bridge) effectIncoming(rec *CallRecord, sc engine.CallStateChanged, token provider.CallToken, hasToken bool) {
	id := sc.ID

	if hasToken {
		// Push случай: провайдер уже показывает вызов, шлем update
		if b.reporter != nil {
			b.reporter.ReportUpdate(token, b.callUpdateFor(rec, sc))
			b.metrics.providerReports.WithLabelValues("update").Inc()
		}
		return
	}

	handle := sc.RemoteAddress
	if handle == "" {
		handle = rec.RemoteAddress
	}

	if b.reporter == nil || b.nativeUIDisabled {
		// Нет нативной интеграции: локальное уведомление
		b.publish(LocalIncomingAlert{
			ID:          id,
			Handle:      handle,
			DisplayName: sc.DisplayName,
			HasVideo:    sc.HasVideo,
		})
		return
	}

	newToken := provider.NewToken()
	if err := b.correlation.Bind(newToken, id); err != nil {
		b.failCorrelation(err)
		return
	}

	b.reportIncoming(newToken, id, handle, sc.DisplayName, sc.HasVideo || rec.IntendsVideo)
}

// reportIncoming показывает входящий вызов провайдеру; без провайдера
// деградирует в локальное уведомление. Используется push путем, где
// токен уже привязан.
func (b *Bridge) reportIncoming(token provider.CallToken, id engine.CallID, handle, displayName string, hasVideo bool) {
	if b.reporter == nil || b.nativeUIDisabled {
		b.publish(LocalIncomingAlert{
			ID:          id,
			Handle:      handle,
			DisplayName: displayName,
			HasVideo:    hasVideo,
		})
		return
	}

	update := provider.CallUpdate{
		Handle:           handle,
		DisplayName:      displayName,
		HasVideo:         hasVideo,
		SupportsHolding:  true,
		SupportsGrouping: true,
		SupportsDTMF:     true,
	}

	b.metrics.providerReports.WithLabelValues("incoming").Inc()
	b.reporter.ReportIncoming(token, update, func(err error) {
		b.post(func() {
			if err == nil {
				return
			}
			reason := mapRefusalToReason(err)
			b.logger.Warn("провайдер отказал входящему вызову",
				String("call_id", string(id)), String("reason", reason.String()), Err(err))
			if derr := b.eng.Decline(id, reason); derr != nil {
				b.logger.Error("decline не удался", String("call_id", string(id)), Err(derr))
			}
			b.correlation.Release(token)
		})
	})
}

func (b *Bridge) callUpdateFor(rec *CallRecord, sc engine.CallStateChanged) provider.CallUpdate {
	handle := sc.RemoteAddress
	if handle == "" {
		handle = rec.RemoteAddress
	}
	return provider.CallUpdate{
		Handle:           handle,
		DisplayName:      sc.DisplayName,
		HasVideo:         sc.HasVideo || rec.IntendsVideo,
		SupportsHolding:  true,
		SupportsGrouping: true,
		SupportsDTMF:     true,
	}
}

// terminationSequence последовательность завершения вызова (End/Error).
func (b *Bridge) terminationSequence(rec *CallRecord, sc engine.CallStateChanged, from engine.CallState, token provider.CallToken, hasToken bool) {
	id := sc.ID
	isError := sc.State == engine.StateError

	// Перевод, не дождавшийся нового вызова, не состоялся
	if b.referrals.DiscardOnEnd(id) {
		b.metrics.referralsDiscarded.Inc()
	}

	if hasToken {
		b.hold.CancelEndCallNotExist(token)
		b.coordinator.DropAll(token, newBridgeError(ErrorCategoryState,
			"CALL_ENDED", "вызов завершен").WithToken(token).WithCallID(id))

		// Если завершение пришло из нативного UI, провайдер уже знает
		if !rec.EndedByProvider && b.reporter != nil {
			b.reporter.ReportEnded(token, endReasonFor(rec, from, isError))
			b.metrics.providerReports.WithLabelValues("ended").Inc()
		}
	}

	b.hold.TerminationSweep(id)
}

// endReasonFor маппинг завершения в причину для провайдера.
// Решение принимается по состоянию до перехода: запись к этому моменту
// уже хранит End/Error.
func endReasonFor(rec *CallRecord, from engine.CallState, isError bool) provider.EndReason {
	switch {
	case isError:
		return provider.EndReasonFailed
	case rec.Direction == DirectionIncoming &&
		(from == engine.StateIncomingReceived || from == engine.StatePushIncoming):
		return provider.EndReasonUnanswered
	default:
		return provider.EndReasonRemoteEnded
	}
}

// handleReleased финальная уборка после Released.
func (b *Bridge) handleReleased(id engine.CallID, token provider.CallToken, hasToken bool) {
	// Запись корреляции не освобождается, пока вызов в середине
	// перевода: она уже (или вот-вот будет) переписана на новый CallID
	if hasToken && !b.referrals.InFlightFor(id) {
		b.correlation.Release(token)
	}
	if chain, ok := b.referrals.ChainFor(id); ok && chain.Resolved() {
		b.referrals.Forget(id)
	}

	b.eng.AttachUserData(id, nil)
	b.records.Remove(id)
	b.machines.Remove(id)
}

// resolveReferral разрешает цепочку перевода: подмена корреляции и
// миграция флагов на запись нового вызова. Второго видимого провайдеру
// вызова не появляется.
func (b *Bridge) resolveReferral(chain *ReferralChain, newRec *CallRecord) {
	if chain.Resolved() {
		return
	}

	if err := b.correlation.Rewrite(chain.FromID, chain.ToID); err != nil {
		// Исходный вызов мог не иметь корреляции (без провайдера);
		// миграция флагов все равно выполняется
		b.logger.Warn("подмена корреляции при переводе не удалась", Err(err))
	}

	if oldRec, ok := b.records.Get(chain.FromID); ok {
		newRec.RecordingPath = oldRec.RecordingPath
		newRec.SASRequested = oldRec.SASRequested
		newRec.IntendsVideo = newRec.IntendsVideo || oldRec.IntendsVideo
	}
	newRec.IsFromReferral = true

	b.referrals.MarkResolved(chain)
	b.metrics.referralsResolved.Inc()

	b.logger.Info("перевод разрешен",
		String("from", string(chain.FromID)), String("to", string(chain.ToID)))
}

// handleRegistration потеря регистрации единственного аккаунта
// принудительно завершает все видимые провайдеру вызовы и выключает
// нативную интеграцию до восстановления.
func (b *Bridge) handleRegistration(ev engine.RegistrationStateChanged) {
	switch ev.State {
	case engine.RegistrationFailed, engine.RegistrationCleared:
		if ev.AccountCount != 1 {
			return
		}
		b.logger.Warn("регистрация потеряна, завершаем видимые провайдеру вызовы")
		for _, token := range b.correlation.Tokens() {
			if b.reporter != nil {
				b.reporter.ReportEnded(token, provider.EndReasonFailed)
				b.metrics.providerReports.WithLabelValues("ended").Inc()
			}
			b.hold.CancelEndCallNotExist(token)
			b.coordinator.DropAll(token, newBridgeError(ErrorCategoryEngine,
				"REGISTRATION_LOST", "регистрация потеряна").WithToken(token))
			delete(b.pendingStarts, token)
			b.correlation.Release(token)
		}
		if !b.nativeUIDisabled {
			b.nativeUIDisabled = true
			b.publish(NativeUIAvailabilityChanged{Disabled: true})
		}

	case engine.RegistrationOK:
		if b.nativeUIDisabled {
			b.nativeUIDisabled = false
			b.publish(NativeUIAvailabilityChanged{Disabled: false})
			// Вызовы, удержанные ради эксклюзивности с уже
			// завершенными провайдерскими, получают аудио обратно
			b.hold.ResumeAllPaused()
		}
	}
}

// handleConferenceJoined вторая фаза отложенного resume для
// конференции: локальный участник реально присутствует.
func (b *Bridge) handleConferenceJoined(ev engine.ConferenceLocalJoined) {
	if token, ok := b.correlation.LookupByID(ev.ID); ok {
		b.coordinator.ConfirmFromEngine(token, ClassResume)
	}
}
