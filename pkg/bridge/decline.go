package bridge

import (
	"errors"

	"github.com/arzzra/call_bridge/pkg/engine"
	"github.com/arzzra/call_bridge/pkg/provider"
)

// mapRefusalToReason переводит отказ провайдера показать входящий
// вызов в причину отклонения, понятную движку. SIP вызов отклоняется
// с этой причиной, чтобы удаленная сторона получила осмысленный ответ.
// Неизвестные ошибки провайдера деградируют в generic Unknown.
func mapRefusalToReason(err error) engine.Reason {
	switch {
	case errors.Is(err, provider.ErrFilteredDoNotDisturb):
		return engine.ReasonDoNotDisturb
	case errors.Is(err, provider.ErrFilteredBlocked):
		return engine.ReasonBusy
	case errors.Is(err, provider.ErrFilteredUnentitled):
		return engine.ReasonDeclined
	default:
		return engine.ReasonUnknown
	}
}
