package provider

import "errors"

// Ошибки отказа провайдера показать входящий вызов. Провайдер
// возвращает их в completion от ReportIncoming, когда системная
// политика запрещает показ (не беспокоить, черный список и т.п.).
var (
	// ErrFilteredDoNotDisturb вызов отфильтрован режимом «не беспокоить»
	ErrFilteredDoNotDisturb = errors.New("provider: call filtered by do-not-disturb")

	// ErrFilteredBlocked звонящий в черном списке
	ErrFilteredBlocked = errors.New("provider: caller is blocked")

	// ErrFilteredUnentitled приложению запрещена телефония
	ErrFilteredUnentitled = errors.New("provider: application not entitled")

	// ErrTransactionFailed провайдер не смог выполнить запрошенное действие
	ErrTransactionFailed = errors.New("provider: transaction failed")
)
