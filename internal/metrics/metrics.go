// Package metrics exposes dashboard state as Prometheus metrics on a
// private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/b0ase/path402/apps/hashdash/internal/ledger"
	"github.com/b0ase/path402/apps/hashdash/internal/mining"
	"github.com/b0ase/path402/apps/hashdash/internal/rates"
	"github.com/b0ase/path402/apps/hashdash/internal/settlement"
)

const namespace = "hashdash"

// Recorder owns the registry and every collector on it.
type Recorder struct {
	registry *prometheus.Registry

	balance       prometheus.Gauge
	credited      prometheus.Gauge
	debited       prometheus.Gauge
	effectiveRate *prometheus.GaugeVec
	normalized    prometheus.Gauge
	difficulty    prometheus.Gauge
	mining        prometheus.Gauge
	ticks         prometheus.Counter
	payouts       *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	callLatency   *prometheus.HistogramVec
	callErrors    *prometheus.CounterVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "balance",
			Help: "Current ledger balance.",
		}),
		credited: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "credited_total",
			Help: "Sum of all credits since the ledger was opened.",
		}),
		debited: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "debited_total",
			Help: "Sum of all debits since the ledger was opened.",
		}),
		effectiveRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rate", Name: "effective",
			Help: "Effective hash rate in its own unit.",
		}, []string{"unit"}),
		normalized: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rate", Name: "normalized_hashes_per_second",
			Help: "Effective hash rate in hashes per second.",
		}),
		difficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mining", Name: "network_difficulty",
			Help: "Network difficulty used by the accrual formula.",
		}),
		mining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mining", Name: "enabled",
			Help: "1 while the accrual loop is running.",
		}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mining", Name: "ticks_total",
			Help: "Accrual ticks completed.",
		}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mining", Name: "payouts_total",
			Help: "Payout events recorded, by source.",
		}, []string{"source"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "transitions_total",
			Help: "Withdrawal status transitions, by target status.",
		}, []string{"status"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "call_duration_seconds",
			Help:    "Latency of verifier and processor calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"call"}),
		callErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "call_errors_total",
			Help: "Failed verifier and processor calls.",
		}, []string{"call"}),
	}

	r.registry.MustRegister(
		r.balance, r.credited, r.debited,
		r.effectiveRate, r.normalized, r.difficulty,
		r.mining, r.ticks, r.payouts,
		r.transitions, r.callLatency, r.callErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the private registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (r *Recorder) ObserveLedger(s ledger.Snapshot) {
	r.balance.Set(s.Balance.InexactFloat64())
	r.credited.Set(s.TotalCredited.InexactFloat64())
	r.debited.Set(s.TotalDebited.InexactFloat64())
}

func (r *Recorder) ObserveRate(rate rates.Rate) {
	r.effectiveRate.Reset()
	r.effectiveRate.WithLabelValues(rate.Unit.String()).Set(rate.Value.InexactFloat64())
	r.normalized.Set(rates.Normalize(rate).InexactFloat64())
}

func (r *Recorder) ObserveTick(ev mining.TickEvent) {
	r.ticks.Inc()
	r.difficulty.Set(ev.Difficulty.InexactFloat64())
	r.ObserveRate(ev.Rate)
}

func (r *Recorder) ObservePayout(ev ledger.PayoutEvent) {
	r.payouts.WithLabelValues(ev.Source).Inc()
}

func (r *Recorder) SetMining(on bool) {
	if on {
		r.mining.Set(1)
	} else {
		r.mining.Set(0)
	}
}

func (r *Recorder) SetDifficulty(d decimal.Decimal) {
	r.difficulty.Set(d.InexactFloat64())
}

func (r *Recorder) ObserveTransition(tx settlement.Transaction) {
	r.transitions.WithLabelValues(string(tx.Status)).Inc()
}

// ObserveCall matches settlement.CallObserver.
func (r *Recorder) ObserveCall(call string, took time.Duration, err error) {
	r.callLatency.WithLabelValues(call).Observe(took.Seconds())
	if err != nil {
		r.callErrors.WithLabelValues(call).Inc()
	}
}
