package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/call_bridge/pkg/engine"
	"github.com/arzzra/call_bridge/pkg/provider"
)

// Config конфигурация ядра синхронизации.
type Config struct {
	// Engine SIP движок (обязателен)
	Engine engine.Engine

	// Reporter адаптер Telephony Provider. nil означает работу без
	// нативной интеграции: входящие вызовы объявляются локальными
	// уведомлениями вместо нативного UI.
	Reporter provider.Reporter

	// Logger структурированный логгер. nil — NewDefaultLogger().
	Logger StructuredLogger

	// MetricsNamespace префикс prometheus метрик
	MetricsNamespace string

	// MetricsRegisterer реестр метрик. nil — prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer

	// QueueSize емкость входной очереди ядра
	QueueSize int

	// EndCallNotExistTimeout сколько ждать подтверждения от движка,
	// прежде чем принудительно завершить видимый провайдеру вызов
	EndCallNotExistTimeout time.Duration

	// RemainingCallNotice длительность показа уведомления об
	// оставшемся вызове после завершения одного из нескольких
	RemainingCallNotice time.Duration

	// StrictCorrelation в строгом режиме ошибки корреляции класса
	// «программная ошибка» вызывают панику вместо записи в лог.
	// Включается в отладочных сборках.
	StrictCorrelation bool
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		MetricsNamespace:       "call_bridge",
		QueueSize:              256,
		EndCallNotExistTimeout: 10 * time.Second,
		RemainingCallNotice:    4 * time.Second,
	}
}

// Validate проверяет конфигурацию и подставляет значения по умолчанию.
func (c *Config) Validate() error {
	if c.Engine == nil {
		return newBridgeError(ErrorCategoryConfig, "NO_ENGINE", "Engine обязателен")
	}
	if c.Logger == nil {
		c.Logger = NewDefaultLogger()
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "call_bridge"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.EndCallNotExistTimeout <= 0 {
		c.EndCallNotExistTimeout = 10 * time.Second
	}
	if c.RemainingCallNotice <= 0 {
		c.RemainingCallNotice = 4 * time.Second
	}
	return nil
}
