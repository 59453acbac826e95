// Package metrics has prometheus metrics for the mailbox store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricItem = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keepmail_store_item_total",
		Help: "Number of item operations, by operation.",
	},
	[]string{
		"op", // create, delete, copy, move, rename
	},
)

var metricRevisionPurge = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "keepmail_store_revision_purge_total",
		Help: "Number of content revisions purged beyond the configured maximum.",
	},
)

var metricDeferredAction = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keepmail_store_deferred_action_total",
		Help: "Number of destructive storage actions queued for after commit, by kind.",
	},
	[]string{
		"kind", // blob, index, reindex
	},
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keepmail_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

func ItemOpInc(op string) {
	metricItem.WithLabelValues(op).Inc()
}

func RevisionPurgeInc() {
	metricRevisionPurge.Inc()
}

func DeferredActionAdd(kind string, n int) {
	metricDeferredAction.WithLabelValues(kind).Add(float64(n))
}

func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}
