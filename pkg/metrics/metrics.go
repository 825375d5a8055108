package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_reconcile_duration_seconds",
			Help:    "Reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PeersAdded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconcile_peers_added_total",
			Help: "Total number of mesh peers added or updated",
		},
	)

	PeersRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconcile_peers_removed_total",
			Help: "Total number of mesh peers removed",
		},
	)

	PeersAdopted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconcile_peers_adopted_total",
			Help: "Total number of peers adopted by auto-discovery",
		},
	)

	ExtraPeers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconcile_extra_peers_total",
			Help: "Total number of extra peers detected in observe-only mode",
		},
	)

	PeersOffline = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconcile_peers_offline_total",
			Help: "Total number of offline peer observations",
		},
	)

	MissingBindings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconcile_missing_bindings_total",
			Help: "Total number of peers observed without a binding",
		},
	)

	BindingsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconcile_bindings_created_total",
			Help: "Total number of bindings created during reconciliation",
		},
	)

	BindingErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconcile_binding_errors_total",
			Help: "Total number of binding creation failures",
		},
	)

	TenantMismatchSkips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_reconcile_tenant_mismatch_skips_total",
			Help: "Total number of records skipped by the cross-tenant guard",
		},
	)

	ReconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_reconcile_errors_total",
			Help: "Total number of reconciliation errors by stage",
		},
		[]string{"stage"},
	)

	// Authorization metrics
	AuthorizeAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_authorize_attempts_total",
			Help: "Total number of device authorization attempts",
		},
	)

	AuthorizeSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_authorize_success_total",
			Help: "Total number of successful device authorizations",
		},
	)

	AuthorizeFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_authorize_failed_total",
			Help: "Total number of failed device authorizations",
		},
	)

	AuthorizePending = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_authorize_pending_total",
			Help: "Total number of authorizations deferred to the retry queue",
		},
	)

	AuthorizeIdempotent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_authorize_idempotent_total",
			Help: "Total number of authorization requests answered from the applied ledger",
		},
	)

	ErrorClasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_error_class_total",
			Help: "Total number of classified errors by class and code",
		},
		[]string{"class", "code"},
	)

	RouterHealthState = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_router_health_transitions_total",
			Help: "Total number of router health transitions by resulting state",
		},
		[]string{"state"},
	)

	// Request authentication metrics
	HMACFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_hmac_failures_total",
			Help: "Total number of request signature verification failures by code",
		},
		[]string{"code"},
	)

	// Job queue metrics
	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_jobs_scheduled_total",
			Help: "Total number of delayed jobs scheduled",
		},
	)

	JobsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_jobs_dispatched_total",
			Help: "Total number of delayed jobs dispatched to handlers",
		},
	)

	// Ledger metrics
	LedgerPrunes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_ledger_prunes_total",
			Help: "Total number of ledger prune passes",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(PeersAdded)
	prometheus.MustRegister(PeersRemoved)
	prometheus.MustRegister(PeersAdopted)
	prometheus.MustRegister(ExtraPeers)
	prometheus.MustRegister(PeersOffline)
	prometheus.MustRegister(MissingBindings)
	prometheus.MustRegister(BindingsCreated)
	prometheus.MustRegister(BindingErrors)
	prometheus.MustRegister(TenantMismatchSkips)
	prometheus.MustRegister(ReconcileErrors)
	prometheus.MustRegister(AuthorizeAttempts)
	prometheus.MustRegister(AuthorizeSuccess)
	prometheus.MustRegister(AuthorizeFailed)
	prometheus.MustRegister(AuthorizePending)
	prometheus.MustRegister(AuthorizeIdempotent)
	prometheus.MustRegister(ErrorClasses)
	prometheus.MustRegister(RouterHealthState)
	prometheus.MustRegister(HMACFailures)
	prometheus.MustRegister(JobsScheduled)
	prometheus.MustRegister(JobsDispatched)
	prometheus.MustRegister(LedgerPrunes)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
