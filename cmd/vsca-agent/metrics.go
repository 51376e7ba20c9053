package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"vsca/pkg/conntab"
)

type Metrics struct {
	packets *prometheus.CounterVec
	drops   *prometheus.CounterVec
	lookups *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		packets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vsca_packets_total",
			Help: "Captured packets by tracking outcome",
		}, []string{"result"}),
		drops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vsca_drops_total",
			Help: "Packets that could not be tracked",
		}, []string{"reason"}),
		lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vsca_lookups_total",
			Help: "API lookups",
		}, []string{"result"}),
	}
}

// registerTable exports the table's live count and cumulative counters.
func registerTable(reg prometheus.Registerer, table *conntab.Table) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vsca_conns_active",
		Help: "Live conns in the table",
	}, func() float64 { return float64(table.Len()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "vsca_conns_created_total",
		Help: "Conns created",
	}, func() float64 { return float64(table.Stats().Created) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "vsca_conns_freed_total",
		Help: "Conns freed after expiry",
	}, func() float64 { return float64(table.Stats().Freed) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "vsca_expire_retries_total",
		Help: "Expiries deferred because the conn was still referenced",
	}, func() float64 { return float64(table.Stats().ExpireRetries) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "vsca_invariant_violations_total",
		Help: "Refcount or hashing invariant violations",
	}, func() float64 { return float64(table.Stats().Violations) })
}
