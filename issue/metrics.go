package issue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var grantsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scrip_engine_grants_total",
	Help: "counter of grant decisions made by the issuance engine",
}, []string{"class", "status"})

var batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "scrip_engine_commit_batch_size",
	Help:    "histogram of grant requests decided under a single journal sync",
	Buckets: prometheus.ExponentialBuckets(1, 2, 10),
})

var connsAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "scrip_engine_connections_accepted_total",
	Help: "counter of front-end connections accepted by the engine",
})

var connsHandledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scrip_engine_connections_handled_total",
	Help: "counter of front-end connections handled to completion by the engine",
}, []string{"status"})
