// Package metrics defines the prometheus counters and histograms for gate
// decisions, review outcomes, and payouts. Grounded on the teacher's
// observability/metrics.go registration style (direct prometheus/client_golang
// MustRegister calls against a Registerer passed in by the caller; this
// package keeps no registry of its own), rebuilt fresh for
// bountyd's domain since the teacher's counters are NHB-chain-consensus/
// swap-specific and do not generalize.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/histogram the pipeline emits.
type Metrics struct {
	WebhookEventsTotal   *prometheus.CounterVec
	GateRejectionsTotal  *prometheus.CounterVec
	ReviewVerdictsTotal  *prometheus.CounterVec
	SafetyVerdictsTotal  *prometheus.CounterVec
	PayoutsTotal         *prometheus.CounterVec
	StakeTransitionsTotal *prometheus.CounterVec
	LMCallDuration       *prometheus.HistogramVec
	ChainCallDuration    *prometheus.HistogramVec
}

// New constructs and registers Metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhookEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bountyd_webhook_events_total",
			Help: "Total webhook events received, by action.",
		}, []string{"action"}),
		GateRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bountyd_gate_rejections_total",
			Help: "Total gate rejections, by gate name.",
		}, []string{"gate"}),
		ReviewVerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bountyd_review_verdicts_total",
			Help: "Total quality-review verdicts, by verdict.",
		}, []string{"verdict"}),
		SafetyVerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bountyd_safety_verdicts_total",
			Help: "Total safety-scan verdicts, by verdict and risk level.",
		}, []string{"verdict", "risk"}),
		PayoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bountyd_payouts_total",
			Help: "Total successful bounty payouts.",
		}, []string{"tier"}),
		StakeTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bountyd_stake_transitions_total",
			Help: "Total stake ledger transitions, by resulting status.",
		}, []string{"status"}),
		LMCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bountyd_lm_call_duration_seconds",
			Help:    "Latency of LM provider completions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		ChainCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bountyd_chain_call_duration_seconds",
			Help:    "Latency of blockchain RPC calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	reg.MustRegister(
		m.WebhookEventsTotal,
		m.GateRejectionsTotal,
		m.ReviewVerdictsTotal,
		m.SafetyVerdictsTotal,
		m.PayoutsTotal,
		m.StakeTransitionsTotal,
		m.LMCallDuration,
		m.ChainCallDuration,
	)
	return m
}
