package bridge

import (
	"errors"
	"fmt"
	"time"

	"github.com/arzzra/call_bridge/pkg/engine"
	"github.com/arzzra/call_bridge/pkg/provider"
)

// ErrorCategory категории ошибок ядра синхронизации
type ErrorCategory string

const (
	ErrorCategoryCorrelation ErrorCategory = "CORRELATION"
	ErrorCategoryTransaction ErrorCategory = "TRANSACTION"
	ErrorCategoryState       ErrorCategory = "STATE"
	ErrorCategoryTimeout     ErrorCategory = "TIMEOUT"
	ErrorCategoryProvider    ErrorCategory = "PROVIDER"
	ErrorCategoryEngine      ErrorCategory = "ENGINE"
	ErrorCategoryConfig      ErrorCategory = "CONFIG"
)

// Коды ошибок
const (
	// CodePendingSlotOccupied второй pending резерв без bind/release.
	// Ошибка класса «программная»: провайдер выдает максимум один
	// неотправленный исходящий вызов одновременно.
	CodePendingSlotOccupied = "PENDING_SLOT_OCCUPIED"

	// CodeAlreadyBound попытка привязать другой CallID к тому же токену
	CodeAlreadyBound = "ALREADY_BOUND"

	// CodeUnknownCall событие для неизвестного CallID (out-of-order)
	CodeUnknownCall = "UNKNOWN_CALL"

	// CodeDuplicateAction повторное действие того же класса для токена
	CodeDuplicateAction = "DUPLICATE_ACTION"

	// CodeEndCallNotExist принудительное завершение по таймауту:
	// провайдер показывает вызов, которого движок так и не подтвердил
	CodeEndCallNotExist = "END_CALL_NOT_EXIST"

	// CodeTransactionFailed провайдер отклонил запрошенное действие
	CodeTransactionFailed = "TRANSACTION_FAILED"
)

// Сентинельные ошибки корреляции для errors.Is проверок.
var (
	ErrPendingSlotOccupied = errors.New("pending slot occupied")
	ErrAlreadyBound        = errors.New("token already bound to another id")
)

// BridgeError структурированная ошибка ядра с контекстом вызова.
type BridgeError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Category  ErrorCategory     `json:"category"`
	Token     provider.CallToken `json:"token,omitempty"`
	CallID    engine.CallID     `json:"call_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error реализует интерфейс error.
func (e *BridgeError) Error() string {
	switch {
	case e.CallID != "" && e.Token != "":
		return fmt.Sprintf("[%s:%s] %s (call=%s token=%s)", e.Category, e.Code, e.Message, e.CallID, e.Token)
	case e.CallID != "":
		return fmt.Sprintf("[%s:%s] %s (call=%s)", e.Category, e.Code, e.Message, e.CallID)
	case e.Token != "":
		return fmt.Sprintf("[%s:%s] %s (token=%s)", e.Category, e.Code, e.Message, e.Token)
	default:
		return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	}
}

// Unwrap для errors.Is / errors.As.
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// newCorrelationError создает ошибку корреляции поверх сентинеля.
func newCorrelationError(code string, sentinel error, token provider.CallToken, id engine.CallID) *BridgeError {
	return &BridgeError{
		Code:      code,
		Message:   sentinel.Error(),
		Category:  ErrorCategoryCorrelation,
		Token:     token,
		CallID:    id,
		Timestamp: time.Now(),
		Cause:     sentinel,
	}
}

// newBridgeError создает ошибку произвольной категории.
func newBridgeError(category ErrorCategory, code, message string) *BridgeError {
	return &BridgeError{
		Code:      code,
		Message:   message,
		Category:  category,
		Timestamp: time.Now(),
	}
}

// WithToken добавляет контекст токена.
func (e *BridgeError) WithToken(token provider.CallToken) *BridgeError {
	e.Token = token
	return e
}

// WithCallID добавляет контекст вызова.
func (e *BridgeError) WithCallID(id engine.CallID) *BridgeError {
	e.CallID = id
	return e
}

// WithCause добавляет исходную ошибку.
func (e *BridgeError) WithCause(cause error) *BridgeError {
	e.Cause = cause
	return e
}
