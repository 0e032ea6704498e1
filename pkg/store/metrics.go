package store

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinalkan/smpcache/pkg/ipc"
)

// Metrics are the store counters. A Store without a registerer keeps them
// unregistered; tests read them with the prometheus testutil helpers.
type Metrics struct {
	CheckCachable *prometheus.CounterVec
	SwapOuts      *prometheus.CounterVec
	Copies        *prometheus.CounterVec
	Releases      prometheus.Counter
	LateReleases  prometheus.Counter
	QuickAborts   prometheus.Counter
	Notifications *prometheus.CounterVec
}

// NewMetrics creates the store metrics and registers them with reg unless
// reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CheckCachable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smpcache",
			Subsystem: "store",
			Name:      "check_cachable_total",
			Help:      "Cachability decisions by outcome.",
		}, []string{"result"}),
		SwapOuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smpcache",
			Subsystem: "store",
			Name:      "swapouts_total",
			Help:      "Swap-outs by outcome.",
		}, []string{"result"}),
		Copies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smpcache",
			Subsystem: "store",
			Name:      "client_copies_total",
			Help:      "Answered client copy requests by source.",
		}, []string{"source"}),
		Releases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smpcache",
			Subsystem: "store",
			Name:      "releases_total",
			Help:      "Entries released.",
		}),
		LateReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smpcache",
			Subsystem: "store",
			Name:      "late_releases_total",
			Help:      "Releases deferred until the disk index was rebuilt.",
		}),
		QuickAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smpcache",
			Subsystem: "store",
			Name:      "quick_aborts_total",
			Help:      "Pending entries aborted after their last client left.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smpcache",
			Subsystem: "collapsed",
			Name:      "notifications_total",
			Help:      "Collapsed forwarding notifications by direction.",
		}, []string{"kind"}),
	}

	if reg != nil {
		reg.MustRegister(m.CheckCachable, m.SwapOuts, m.Copies, m.Releases,
			m.LateReleases, m.QuickAborts, m.Notifications)
	}

	return m
}

// MapCollector exports the lock states of a shared map as gauges.
type MapCollector struct {
	m       *ipc.StoreMap
	entries *prometheus.Desc
	limit   *prometheus.Desc
	locks   *prometheus.Desc
}

// NewMapCollector returns a collector for m labeled with name.
func NewMapCollector(name string, m *ipc.StoreMap) *MapCollector {
	labels := prometheus.Labels{"map": name}

	return &MapCollector{
		m:       m,
		entries: prometheus.NewDesc("smpcache_map_entries", "Approximate used anchors.", nil, labels),
		limit:   prometheus.NewDesc("smpcache_map_entry_limit", "Anchor capacity.", nil, labels),
		locks:   prometheus.NewDesc("smpcache_map_locks", "Anchor locks by state.", []string{"state"}, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *MapCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.limit
	ch <- c.locks
}

// Collect implements prometheus.Collector.
func (c *MapCollector) Collect(ch chan<- prometheus.Metric) {
	var stats ipc.ReadWriteLockStats

	c.m.UpdateStats(&stats)

	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(c.m.EntryCount()))
	ch <- prometheus.MustNewConstMetric(c.limit, prometheus.GaugeValue, float64(c.m.EntryLimit()))
	ch <- prometheus.MustNewConstMetric(c.locks, prometheus.GaugeValue, float64(stats.Readable), "reading")
	ch <- prometheus.MustNewConstMetric(c.locks, prometheus.GaugeValue, float64(stats.Writeable), "writing")
	ch <- prometheus.MustNewConstMetric(c.locks, prometheus.GaugeValue, float64(stats.Appenders), "appending")
	ch <- prometheus.MustNewConstMetric(c.locks, prometheus.GaugeValue, float64(stats.Idle), "idle")
}
