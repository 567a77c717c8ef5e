package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Certificate metrics
	CertificatesValidatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parsec_certificates_validated_total",
			Help: "Total number of certificates validated by kind",
		},
		[]string{"kind"},
	)

	CertificatesRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parsec_certificates_rejected_total",
			Help: "Total number of certificates rejected by reason",
		},
		[]string{"reason"},
	)

	// Keys bundle metrics
	KeysBundleLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parsec_keys_bundle_loads_total",
			Help: "Total number of keys bundle loads by outcome (cache_hit, ok, invalid)",
		},
		[]string{"outcome"},
	)

	CorruptedKeysGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "parsec_corrupted_keys",
			Help: "Number of corrupted keys in the last loaded bundle, per realm",
		},
		[]string{"realm_id"},
	)

	// Sync metrics
	InboundSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parsec_inbound_sync_total",
			Help: "Total number of inbound sync operations by outcome (updated, no_change, entry_busy)",
		},
		[]string{"outcome"},
	)

	OutboundSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parsec_outbound_sync_total",
			Help: "Total number of outbound sync operations by outcome (done, inbound_needed, entry_busy, offline)",
		},
		[]string{"outcome"},
	)

	SyncConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parsec_sync_conflicts_total",
			Help: "Total number of sync conflicts resolved with a renamed copy",
		},
	)

	SelfHealTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parsec_manifest_self_heal_total",
			Help: "Total number of manifests adopted from an older valid version",
		},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parsec_sync_duration_seconds",
			Help:    "Duration of sync operations",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Storage metrics
	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "parsec_storage_flush_duration_seconds",
			Help:    "Duration of work-ahead flushes to the local database",
			Buckets: prometheus.DefBuckets,
		},
	)

	FlushFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "parsec_storage_flush_failures_total",
			Help: "Total number of failed work-ahead flushes (entries were reinserted)",
		},
	)
)

// Register registers all metrics with Prometheus
func Register() {
	prometheus.MustRegister(
		CertificatesValidatedTotal,
		CertificatesRejectedTotal,
		KeysBundleLoadsTotal,
		CorruptedKeysGauge,
		InboundSyncTotal,
		OutboundSyncTotal,
		SyncConflictsTotal,
		SelfHealTotal,
		SyncDuration,
		FlushDuration,
		FlushFailuresTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
