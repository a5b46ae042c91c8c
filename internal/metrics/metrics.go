// Package metrics содержит Prometheus-метрики обработки заказов.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder регистрирует события обработки заказов.
type Recorder struct {
	transitions   *prometheus.CounterVec
	dispatches    *prometheus.CounterVec
	verifications *prometheus.CounterVec
}

// NewRecorder создаёт и регистрирует метрики в reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "order_transitions_total",
			Help:      "Order status transitions by trigger and resulting status.",
		}, []string{"trigger", "status"}),
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "dispatch_total",
			Help:      "Completion dispatcher outcomes.",
		}, []string{"outcome"}),
		verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fulfillment",
			Name:      "verification_mismatch_total",
			Help:      "Payments rejected because provider data disagreed with the ledger.",
		}, []string{"trigger"}),
	}
}

// NewNop возвращает Recorder с метриками вне какого-либо реестра.
func NewNop() *Recorder {
	return NewRecorder(prometheus.NewRegistry())
}

// Transition учитывает переход заказа в status, выполненный триггером trigger.
func (r *Recorder) Transition(trigger, status string) {
	r.transitions.WithLabelValues(trigger, status).Inc()
}

// Dispatch учитывает исход попытки отправить уведомления.
func (r *Recorder) Dispatch(outcome string) {
	r.dispatches.WithLabelValues(outcome).Inc()
}

// VerificationMismatch учитывает отклонённое подтверждение оплаты.
func (r *Recorder) VerificationMismatch(trigger string) {
	r.verifications.WithLabelValues(trigger).Inc()
}
