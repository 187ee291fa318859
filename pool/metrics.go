package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var checkoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scrip_pool_checkouts_total",
	Help: "counter of engine connection checkouts by how they were satisfied",
}, []string{"outcome"})

var discardsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "scrip_pool_discards_total",
	Help: "counter of pooled engine connections discarded as broken",
})
