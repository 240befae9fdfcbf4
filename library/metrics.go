package library

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics are the circulation counters. A nil *Metrics records nothing.
type Metrics struct {
	OpsTotal     *prometheus.CounterVec   // op=borrow|return|renew|settle, result=ok|<reason>
	OpLatencyMS  *prometheus.HistogramVec // op
	DBBusyTotal  *prometheus.CounterVec   // op
	FinesIssued  prometheus.Counter
	FineAmount   prometheus.Counter
	LoansCreated prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "library_circulation_ops_total",
				Help: "Circulation operations by result",
			},
			[]string{"op", "result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "library_circulation_op_latency_ms",
				Help:    "Latency of circulation operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		DBBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "library_db_busy_total",
				Help: "Total sqlite busy/locked errors",
			},
			[]string{"op"},
		),
		FinesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "library_fines_issued_total",
			Help: "Fines raised for overdue returns",
		}),
		FineAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "library_fines_amount_total",
			Help: "Sum of fine amounts raised",
		}),
		LoansCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "library_loans_created_total",
			Help: "Borrow transactions created",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.OpsTotal,
			m.OpLatencyMS,
			m.DBBusyTotal,
			m.FinesIssued,
			m.FineAmount,
			m.LoansCreated,
		)
	}
	return m
}

func (m *Metrics) observe(op, result string, latency time.Duration, busy bool) {
	if m == nil {
		return
	}
	m.OpsTotal.WithLabelValues(op, result).Inc()
	m.OpLatencyMS.WithLabelValues(op).Observe(float64(latency.Milliseconds()))
	if busy {
		m.DBBusyTotal.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) fineIssued(amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.FinesIssued.Inc()
	m.FineAmount.Add(amount.InexactFloat64())
}

func (m *Metrics) loanCreated() {
	if m == nil {
		return
	}
	m.LoansCreated.Inc()
}
