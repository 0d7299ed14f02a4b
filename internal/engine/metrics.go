package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the execution engine.
type Metrics struct {
	Reserved       prometheus.Counter
	Claims         prometheus.Counter
	LostRaces      prometheus.Counter
	Done           prometheus.Counter
	Retried        prometheus.Counter
	Failed         prometheus.Counter
	StaleRecovered prometheus.Counter
	LockLost       prometheus.Counter
	CommitErrors   prometheus.Counter
	Unconfirmed    prometheus.Counter
	NotifyFailures prometheus.Counter
	Pruned         prometheus.Counter
	Passes         *prometheus.CounterVec // labels: result=ok|error
	ExecDuration   prometheus.Histogram
	PassDuration   prometheus.Histogram
}

// NewMetrics creates the engine collectors and registers them on reg. A nil
// reg leaves them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservo_orders_reserved_total",
			Help: "Orders queued by Reserve and ReserveRepeating",
		}),
		Claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservo_claims_total",
			Help: "Successful PENDING to RUNNING claims",
		}),
		LostRaces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservo_claim_lost_total",
			Help: "Claims lost to another worker",
		}),
		Done: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservo_orders_done_total",
			Help: "Orders committed as DONE",
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservo_orders_retried_total",
			Help: "Failed attempts returned to PENDING",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservo_orders_failed_total",
			Help: "Orders moved to ERROR after exhausting retries",
		}),
		StaleRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservo_stale_recovered_total",
			Help: "RUNNING orders returned to PENDING by the stale-lock sweep",
		}),
		LockLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservo_commit_lock_lost_total",
			Help: "Commits rejected because the lock had been taken over",
		}),
		CommitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservo_commit_errors_total",
			Help: "Commits that failed on store errors after retrying",
		}),
		Unconfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservo_orders_unconfirmed_total",
			Help: "Stale orders moved to ERROR because a submission had been sent",
		}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservo_notify_failures_total",
			Help: "Notifier errors and panics swallowed by the engine",
		}),
		Pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reservo_orders_pruned_total",
			Help: "Terminal orders deleted by retention",
		}),
		Passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reservo_reconcile_passes_total",
			Help: "Reconciliation passes by result",
		}, []string{"result"}),
		ExecDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reservo_order_exec_seconds",
			Help:    "Time from claim to commit of a single order",
			Buckets: prometheus.DefBuckets,
		}),
		PassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reservo_reconcile_seconds",
			Help:    "Duration of a reconciliation pass",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Reserved, m.Claims, m.LostRaces, m.Done, m.Retried, m.Failed,
			m.StaleRecovered, m.LockLost, m.CommitErrors, m.Unconfirmed,
			m.NotifyFailures, m.Pruned,
			m.Passes, m.ExecDuration, m.PassDuration,
		)
	}
	return m
}
