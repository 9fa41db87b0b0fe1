// Package metrics exposes the daemon's Prometheus instrumentation, built
// on the same Gauge/CounterVec collector shape used by this codebase's
// BFD daemon lineage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "lanshare"
	subsystem = "daemon"
)

const (
	labelAction = "action"
	labelResult = "result"
)

// Collector holds every lanshared Prometheus metric.
type Collector struct {
	// PeersKnown tracks the current size of the peer table: total distinct
	// peers currently alive, not split by discovery axis.
	PeersKnown prometheus.Gauge

	// PacketsReceived counts demultiplexed datagrams by packet type.
	PacketsReceived *prometheus.CounterVec

	// PacketsDropped counts datagrams that failed to decode or dispatch.
	PacketsDropped *prometheus.CounterVec

	// ResourcesOwned and ResourcesReceived track catalog size.
	ResourcesOwned    prometheus.Gauge
	ResourcesReceived prometheus.Gauge

	// AnnouncementsSent counts outbound file_share announcements by
	// action (announce, add_access, remove_access).
	AnnouncementsSent *prometheus.CounterVec

	// RendezvousRequests counts HTTP calls the rendezvous client makes to
	// the registry, labeled by action and result (ok/error).
	RendezvousRequests *prometheus.CounterVec

	// RendezvousDegraded reports 1 when the registry client has crossed
	// the consecutive-failure threshold, 0 otherwise.
	RendezvousDegraded prometheus.Gauge
}

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PeersKnown,
		c.PacketsReceived,
		c.PacketsDropped,
		c.ResourcesOwned,
		c.ResourcesReceived,
		c.AnnouncementsSent,
		c.RendezvousRequests,
		c.RendezvousDegraded,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		PeersKnown: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers_known",
			Help:      "Number of peers currently alive in the peer table.",
		}),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total datagrams demultiplexed, labeled by packet type.",
		}, []string{"type"}),

		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total datagrams dropped for failing to decode or dispatch.",
		}, []string{"reason"}),

		ResourcesOwned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resources_owned",
			Help:      "Number of resources currently owned by this host.",
		}),

		ResourcesReceived: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resources_received",
			Help:      "Number of resources currently received from peers.",
		}),

		AnnouncementsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "announcements_sent_total",
			Help:      "Total outbound file_share packets, labeled by action.",
		}, []string{labelAction}),

		RendezvousRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rendezvous_requests_total",
			Help:      "Total rendezvous HTTP requests, labeled by action and result.",
		}, []string{labelAction, labelResult}),

		RendezvousDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rendezvous_degraded",
			Help:      "1 if the rendezvous client has crossed the consecutive-failure threshold.",
		}),
	}
}

// IncPacketsReceived increments the received-packets counter for the given
// packet type tag.
func (c *Collector) IncPacketsReceived(packetType string) {
	c.PacketsReceived.WithLabelValues(packetType).Inc()
}

// IncPacketsDropped increments the dropped-packets counter for the given
// drop reason.
func (c *Collector) IncPacketsDropped(reason string) {
	c.PacketsDropped.WithLabelValues(reason).Inc()
}

// IncAnnouncementsSent increments the outbound announcement counter for
// the given file_share action.
func (c *Collector) IncAnnouncementsSent(action string) {
	c.AnnouncementsSent.WithLabelValues(action).Inc()
}

// ObserveRendezvousRequest increments the rendezvous request counter for
// the given action (register, unregister, heartbeat, refresh) and result
// (ok, error).
func (c *Collector) ObserveRendezvousRequest(action, result string) {
	c.RendezvousRequests.WithLabelValues(action, result).Inc()
}

// SetRendezvousDegraded sets the degraded gauge to 1 or 0.
func (c *Collector) SetRendezvousDegraded(degraded bool) {
	if degraded {
		c.RendezvousDegraded.Set(1)
		return
	}
	c.RendezvousDegraded.Set(0)
}

// SetPeersKnown sets the current peer-table size.
func (c *Collector) SetPeersKnown(n int) {
	c.PeersKnown.Set(float64(n))
}

// SetResourceCounts sets the owned/received catalog gauges.
func (c *Collector) SetResourceCounts(owned, received int) {
	c.ResourcesOwned.Set(float64(owned))
	c.ResourcesReceived.Set(float64(received))
}
