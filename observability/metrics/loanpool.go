package metrics

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "communityloans/loanpool"

type LoanPoolMetrics struct {
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	ongoingLoans   prometheus.Gauge
	poolBalance    prometheus.Gauge
	accrualSkipped prometheus.Counter
	interest       prometheus.Counter
	sweeps         *prometheus.CounterVec

	// Mirrors of the operation series for OTLP export.
	otelOperations metric.Int64Counter
	otelLatency    metric.Float64Histogram
}

var (
	loanPoolOnce     sync.Once
	loanPoolRegistry *LoanPoolMetrics
)

func LoanPool() *LoanPoolMetrics {
	loanPoolOnce.Do(func() {
		loanPoolRegistry = &LoanPoolMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "loanpool_operations_total",
				Help: "Count of loan pool operations by name and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "loanpool_operation_duration_seconds",
				Help:    "Latency of loan pool operations including commit.",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),
			ongoingLoans: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "loanpool_ongoing_loans",
				Help: "Number of loans currently tracked by the registry.",
			}),
			poolBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "loanpool_pool_free_balance",
				Help: "Free balance of the pool account.",
			}),
			accrualSkipped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "loanpool_accrual_skipped_total",
				Help: "Loans skipped by the accrual sweep because of arithmetic overflow.",
			}),
			interest: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "loanpool_interest_accrued_total",
				Help: "Cumulative interest added to ongoing loans.",
			}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "loanpool_sweeps_total",
				Help: "Accrual sweeps by trigger.",
			}, []string{"trigger"}),
		}
		prometheus.MustRegister(
			loanPoolRegistry.operations,
			loanPoolRegistry.latency,
			loanPoolRegistry.ongoingLoans,
			loanPoolRegistry.poolBalance,
			loanPoolRegistry.accrualSkipped,
			loanPoolRegistry.interest,
			loanPoolRegistry.sweeps,
		)
		meter := otel.Meter(meterName)
		if counter, err := meter.Int64Counter("loanpool.operations",
			metric.WithDescription("Loan pool operations by name and outcome.")); err == nil {
			loanPoolRegistry.otelOperations = counter
		}
		if hist, err := meter.Float64Histogram("loanpool.operation.duration",
			metric.WithDescription("Latency of loan pool operations including commit."),
			metric.WithUnit("s")); err == nil {
			loanPoolRegistry.otelLatency = hist
		}
	})
	return loanPoolRegistry
}

// ObserveOperation records the outcome and latency of an operation.
func (m *LoanPoolMetrics) ObserveOperation(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
	ctx := context.Background()
	if m.otelOperations != nil {
		m.otelOperations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcome)))
	}
	if m.otelLatency != nil {
		m.otelLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("operation", op)))
	}
}

func (m *LoanPoolMetrics) SetOngoingLoans(n int) {
	if m == nil {
		return
	}
	m.ongoingLoans.Set(float64(n))
}

func (m *LoanPoolMetrics) SetPoolBalance(balance *big.Int) {
	if m == nil || balance == nil {
		return
	}
	value, _ := new(big.Float).SetInt(balance).Float64()
	m.poolBalance.Set(value)
}

// RecordSweep records one accrual sweep.
func (m *LoanPoolMetrics) RecordSweep(trigger string, skipped int, interest *big.Int) {
	if m == nil {
		return
	}
	if trigger == "" {
		trigger = "unknown"
	}
	m.sweeps.WithLabelValues(trigger).Inc()
	if skipped > 0 {
		m.accrualSkipped.Add(float64(skipped))
	}
	if interest != nil && interest.Sign() > 0 {
		value, _ := new(big.Float).SetInt(interest).Float64()
		m.interest.Add(value)
	}
}
