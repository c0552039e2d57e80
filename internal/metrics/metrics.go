package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "payment_hub"

// Metrics holds the hub's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	commands    *prometheus.CounterVec
	deposits    *prometheus.CounterVec
	settlements *prometheus.CounterVec
	ledger      *prometheus.GaugeVec
	blockHeight prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands handled, by operation and result code.",
		}, []string{"op", "code"}),
		deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Deposit outputs seen on chain, by outcome.",
		}, []string{"result"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement batches, by lifecycle event.",
		}, []string{"event"}),
		ledger: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_value",
			Help:      "Ledger counters in satoshis, plus the state id.",
		}, []string{"field"}),
		blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block_height",
			Help:      "Latest block ingested by the hub.",
		}),
	}
	registry.MustRegister(m.commands, m.deposits, m.settlements, m.ledger, m.blockHeight)
	return m
}

// The methods below accept a nil receiver so callers can run without metrics.

func (m *Metrics) Command(op string, code uint32) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.commands.WithLabelValues(op, strconv.FormatUint(uint64(code), 10)).Inc()
}

func (m *Metrics) Deposit(credited bool) {
	if m == nil {
		return
	}
	result := "credited"
	if !credited {
		result = "dropped"
	}
	m.deposits.WithLabelValues(result).Inc()
}

func (m *Metrics) Settlement(event string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(event).Inc()
}

func (m *Metrics) BlockHeight(height uint64) {
	if m == nil {
		return
	}
	m.blockHeight.Set(float64(height))
}

// Ledger publishes a set of named ledger counters.
func (m *Metrics) Ledger(values map[string]uint64) {
	if m == nil {
		return
	}
	for field, v := range values {
		m.ledger.WithLabelValues(field).Set(float64(v))
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
