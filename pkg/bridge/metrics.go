package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics счетчики ядра синхронизации для операционной телеметрии.
//
// Отдельный счетчик принудительных завершений по таймауту позволяет
// отличать «мы не дождались вызова» от нормальных завершений.
type Metrics struct {
	transitionsTotal      *prometheus.CounterVec
	correlationErrors     *prometheus.CounterVec
	forcedTerminations    prometheus.Counter
	providerReports       *prometheus.CounterVec
	transactionFailures   prometheus.Counter
	outOfOrderEvents      prometheus.Counter
	activeCalls           prometheus.Gauge
	pendingTransactions   prometheus.Gauge
	referralsResolved     prometheus.Counter
	referralsDiscarded    prometheus.Counter
}

// NewMetrics регистрирует метрики в переданном Registerer.
// Тесты передают собственный prometheus.NewRegistry().
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		transitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "transitions_total",
			Help:      "Обработанные переходы состояний вызовов",
		}, []string{"state"}),
		correlationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "correlation_errors_total",
			Help:      "Ошибки таблицы корреляции по кодам",
		}, []string{"code"}),
		forcedTerminations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "forced_terminations_total",
			Help:      "Принудительные завершения по таймауту endCallNotExist",
		}),
		providerReports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "provider_reports_total",
			Help:      "Отчеты, отправленные Telephony Provider",
		}, []string{"kind"}),
		transactionFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "transaction_failures_total",
			Help:      "Отклоненные провайдером транзакции",
		}),
		outOfOrderEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "out_of_order_events_total",
			Help:      "События для неизвестных вызовов (synthesized records)",
		}),
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "active_calls",
			Help:      "Текущее число отслеживаемых вызовов",
		}),
		pendingTransactions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "pending_transactions",
			Help:      "Незавершенные транзакции провайдера",
		}),
		referralsResolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "referrals_resolved_total",
			Help:      "Успешно разрешенные цепочки перевода",
		}),
		referralsDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "referrals_discarded_total",
			Help:      "Цепочки перевода, сброшенные до появления нового вызова",
		}),
	}
}
