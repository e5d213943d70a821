package bridge

import (
	"time"

	"github.com/arzzra/call_bridge/pkg/engine"
)

// Notification локальное событие для слоя UI. Ядро только publishes;
// отрисовка вне его ответственности.
type Notification interface {
	isNotification()
}

// CallUpdated извещение об обработанном переходе состояния вызова.
// Эмитится ровно один раз на обработанный переход.
type CallUpdated struct {
	ID      engine.CallID
	State   engine.CallState
	Message string
}

func (CallUpdated) isNotification() {}

// LocalIncomingAlert входящий вызов без нативной интеграции:
// приложение показывает собственное уведомление.
type LocalIncomingAlert struct {
	ID          engine.CallID
	Handle      string
	DisplayName string
	HasVideo    bool
}

func (LocalIncomingAlert) isNotification() {}

// RemotePauseChanged удаленная сторона поставила/сняла вызов с
// удержания.
type RemotePauseChanged struct {
	ID     engine.CallID
	Paused bool
}

func (RemotePauseChanged) isNotification() {}

// RemainingCallNotice после завершения одного из нескольких вызовов
// остался другой; показывается ограниченное время.
type RemainingCallNotice struct {
	ID    engine.CallID
	Until time.Time
}

func (RemainingCallNotice) isNotification() {}

// RemainingCallNoticeCleared таймер уведомления истек.
type RemainingCallNoticeCleared struct{}

func (RemainingCallNoticeCleared) isNotification() {}

// AudioRouteReset завершился последний вызов: маршрут аудио устройства
// возвращается к умолчанию.
type AudioRouteReset struct{}

func (AudioRouteReset) isNotification() {}

// NativeUIAvailabilityChanged нативная интеграция выключена/включена
// (потеря регистрации единственного аккаунта).
type NativeUIAvailabilityChanged struct {
	Disabled bool
}

func (NativeUIAvailabilityChanged) isNotification() {}
