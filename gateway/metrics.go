package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "scrip_gateway_requests_total",
	Help: "counter of certificate requests handled by the gateway",
}, []string{"code", "reason"})
