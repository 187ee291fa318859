package journal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordsCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "scrip_journal_records_committed_total",
	Help: "counter of grant records made durable in the journal",
})

var bytesCommittedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "scrip_journal_bytes_committed_total",
	Help: "counter of bytes made durable in the journal",
})

var syncSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "scrip_journal_sync_seconds",
	Help:    "histogram of journal sync (commit point) durations",
	Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
})
