package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var outboundRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "smh",
	Subsystem: "federation",
	Name:      "requests_total",
	Help:      "Outbound federation requests by operation and response status.",
}, []string{"operation", "status"})

var wellKnownLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "smh",
	Subsystem: "federation",
	Name:      "well_known_lookups_total",
	Help:      "Well-known delegation lookups by result.",
}, []string{"result"})
