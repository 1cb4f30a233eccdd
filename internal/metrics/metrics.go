// Package metrics содержит Prometheus-метрики сервиса paygate.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "paygate"

// Metrics объединяет счётчики сервиса. Методы безопасны для конкурентного использования.
type Metrics struct {
	registry prometheus.Gatherer

	tokenRefresh    *prometheus.CounterVec
	gatewayRequests *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	paymentRecords  prometheus.Counter
	eventsPublished *prometheus.CounterVec
}

// New регистрирует счётчики в указанном реестре. nil означает отдельный реестр.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Gateway authentication calls by result.",
		}, []string{"result"}),
		gatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Gateway API calls by operation and result.",
		}, []string{"operation", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Order status updates by channel, target status and outcome.",
		}, []string{"source", "status", "outcome"}),
		paymentRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_records_total",
			Help:      "Payment records created.",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Payment events handed to the broker by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		m.tokenRefresh,
		m.gatewayRequests,
		m.transitions,
		m.paymentRecords,
		m.eventsPublished,
	)

	return m
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{DisableCompression: true})
}

// RecordTokenRefresh учитывает попытку аутентификации.
func (m *Metrics) RecordTokenRefresh(ok bool) {
	m.tokenRefresh.WithLabelValues(result(ok)).Inc()
}

// RecordGatewayRequest учитывает вызов API шлюза.
func (m *Metrics) RecordGatewayRequest(operation, outcome string) {
	m.gatewayRequests.WithLabelValues(operation, outcome).Inc()
}

// RecordTransition учитывает обработанное обновление статуса.
func (m *Metrics) RecordTransition(source, status, outcome string) {
	m.transitions.WithLabelValues(source, status, outcome).Inc()
}

// RecordPaymentRecord учитывает созданную запись об оплате.
func (m *Metrics) RecordPaymentRecord() {
	m.paymentRecords.Inc()
}

// RecordEventPublished учитывает результат публикации события.
func (m *Metrics) RecordEventPublished(ok bool) {
	m.eventsPublished.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
