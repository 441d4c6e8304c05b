// Package metrics exposes operational counters as a Prometheus collector
// that queries its providers at scrape time. Nothing in the signaling or
// media path touches a metric registry.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/voxbridge/voxbridge/internal/store/models"
)

// ActiveCallsProvider exposes the number of live calls.
type ActiveCallsProvider interface {
	ActiveCount() int
}

// TransactionCounter exposes the number of live SIP server transactions.
type TransactionCounter interface {
	Count() int
}

// CallStatusCounter returns persisted call counts grouped by status.
type CallStatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.CallStatus]int64, error)
}

// RTPStats are aggregate bridge packet counters.
type RTPStats struct {
	PacketsIn      uint64
	PacketsOut     uint64
	PacketsDropped uint64
}

// RTPStatsProvider returns aggregate RTP statistics over live bridges.
type RTPStatsProvider interface {
	RTPStats() RTPStats
}

// PortPoolProvider exposes RTP port pool usage.
type PortPoolProvider interface {
	InUse() int
}

// Collector gathers voxbridge metrics at scrape time. Any provider may be
// nil if unavailable.
type Collector struct {
	activeCalls  ActiveCallsProvider
	transactions TransactionCounter
	callCounts   CallStatusCounter
	rtp          RTPStatsProvider
	ports        PortPoolProvider
	startTime    time.Time
	logger       *slog.Logger

	activeCallsDesc       *prometheus.Desc
	transactionsDesc      *prometheus.Desc
	callsTotalDesc        *prometheus.Desc
	rtpPacketsInDesc      *prometheus.Desc
	rtpPacketsOutDesc     *prometheus.Desc
	rtpPacketsDroppedDesc *prometheus.Desc
	rtpPortsDesc          *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// NewCollector creates a metrics collector.
func NewCollector(
	activeCalls ActiveCallsProvider,
	transactions TransactionCounter,
	callCounts CallStatusCounter,
	rtp RTPStatsProvider,
	ports PortPoolProvider,
	startTime time.Time,
	logger *slog.Logger,
) *Collector {
	return &Collector{
		activeCalls:  activeCalls,
		transactions: transactions,
		callCounts:   callCounts,
		rtp:          rtp,
		ports:        ports,
		startTime:    startTime,
		logger:       logger.With("component", "metrics"),

		activeCallsDesc: prometheus.NewDesc(
			"voxbridge_active_calls",
			"Number of live calls (ringing + active)",
			nil, nil,
		),
		transactionsDesc: prometheus.NewDesc(
			"voxbridge_sip_transactions",
			"Number of live SIP server transactions",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"voxbridge_calls_total",
			"Total calls recorded, by terminal or live status",
			[]string{"status"}, nil,
		),
		rtpPacketsInDesc: prometheus.NewDesc(
			"voxbridge_rtp_packets_in_total",
			"RTP packets accepted from phones across live bridges",
			nil, nil,
		),
		rtpPacketsOutDesc: prometheus.NewDesc(
			"voxbridge_rtp_packets_out_total",
			"RTP packets sent to phones across live bridges",
			nil, nil,
		),
		rtpPacketsDroppedDesc: prometheus.NewDesc(
			"voxbridge_rtp_packets_dropped_total",
			"RTP packets dropped across live bridges",
			nil, nil,
		),
		rtpPortsDesc: prometheus.NewDesc(
			"voxbridge_rtp_ports_in_use",
			"Allocated RTP port pairs",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voxbridge_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.transactionsDesc
	ch <- c.callsTotalDesc
	ch <- c.rtpPacketsInDesc
	ch <- c.rtpPacketsOutDesc
	ch <- c.rtpPacketsDroppedDesc
	ch <- c.rtpPortsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCount()),
		)
	}
	if c.transactions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.transactionsDesc, prometheus.GaugeValue,
			float64(c.transactions.Count()),
		)
	}
	if c.callCounts != nil {
		counts, err := c.callCounts.CountByStatus(ctx)
		if err != nil {
			c.logger.Error("counting calls by status failed", "error", err)
		} else {
			for _, status := range []models.CallStatus{
				models.StatusRinging, models.StatusActive, models.StatusEnded,
				models.StatusCancelled, models.StatusFailed,
			} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[status]), string(status),
				)
			}
		}
	}
	if c.rtp != nil {
		stats := c.rtp.RTPStats()
		ch <- prometheus.MustNewConstMetric(c.rtpPacketsInDesc, prometheus.CounterValue, float64(stats.PacketsIn))
		ch <- prometheus.MustNewConstMetric(c.rtpPacketsOutDesc, prometheus.CounterValue, float64(stats.PacketsOut))
		ch <- prometheus.MustNewConstMetric(c.rtpPacketsDroppedDesc, prometheus.CounterValue, float64(stats.PacketsDropped))
	}
	if c.ports != nil {
		ch <- prometheus.MustNewConstMetric(c.rtpPortsDesc, prometheus.GaugeValue, float64(c.ports.InUse()))
	}
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
