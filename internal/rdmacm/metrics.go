package rdmacm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdmacm_events_total",
		Help: "RDMA-CM events and operation outcomes observed by the wrapper, by type.",
	}, []string{"type"})

	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdmacm_connections_active",
		Help: "Connections currently in the established state.",
	})
)
