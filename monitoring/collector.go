package monitoring

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/spvd/consensus"
	"github.com/lightningnetwork/spvd/iface"
	"github.com/lightningnetwork/spvd/network"
	"github.com/prometheus/client_golang/prometheus"
)

// Source is what the collector reads its metrics from. The network
// orchestrator implements it.
type Source interface {
	CurrentTip() (int32, chainhash.Hash)
	IsCaughtUp() bool
	Degraded() bool
	Servers() []network.ServerInfo
	SelectorStats() consensus.Stats
}

// A compile time check to ensure the orchestrator is a Source.
var _ Source = (*network.Orchestrator)(nil)

// allStates are reported even when no server is in them, so the series do
// not disappear.
var allStates = []iface.State{
	iface.StateDisconnected,
	iface.StateConnecting,
	iface.StateHandshaking,
	iface.StateSubscribedIdle,
	iface.StateCatchingUp,
	iface.StateSynced,
}

type chainCollector struct {
	src Source

	heightDesc      *prometheus.Desc
	caughtUpDesc    *prometheus.Desc
	degradedDesc    *prometheus.Desc
	serversDesc     *prometheus.Desc
	knownDesc       *prometheus.Desc
	trustDesc       *prometheus.Desc
	reorgsDesc      *prometheus.Desc
	extensionsDesc  *prometheus.Desc
	rejectionsDesc  *prometheus.Desc
	resolutionsDesc *prometheus.Desc
}

// NewCollector returns a collector exporting the state of the header chain
// and the server pool.
func NewCollector(src Source) prometheus.Collector {
	return &chainCollector{
		src: src,
		heightDesc: prometheus.NewDesc(
			"spvd_header_height",
			"Height of the verified header chain.",
			nil, nil),
		caughtUpDesc: prometheus.NewDesc(
			"spvd_caught_up",
			"Whether the tip is within reach of the best claim.",
			nil, nil),
		degradedDesc: prometheus.NewDesc(
			"spvd_degraded",
			"Whether no server is connected.",
			nil, nil),
		serversDesc: prometheus.NewDesc(
			"spvd_servers",
			"Number of connected servers by state.",
			[]string{"state"}, nil),
		knownDesc: prometheus.NewDesc(
			"spvd_known_servers",
			"Number of servers known from configuration and "+
				"discovery.",
			[]string{"source"}, nil),
		trustDesc: prometheus.NewDesc(
			"spvd_server_trust",
			"Trust score by server.",
			[]string{"server"}, nil),
		reorgsDesc: prometheus.NewDesc(
			"spvd_reorgs_total",
			"Number of accepted branches that replaced headers.",
			nil, nil),
		extensionsDesc: prometheus.NewDesc(
			"spvd_extensions_total",
			"Number of headers appended to the tip.",
			nil, nil),
		rejectionsDesc: prometheus.NewDesc(
			"spvd_rejections_total",
			"Number of rejected claims.",
			nil, nil),
		resolutionsDesc: prometheus.NewDesc(
			"spvd_resolutions_total",
			"Number of claim resolutions.",
			nil, nil),
	}
}

func (c *chainCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.heightDesc
	ch <- c.caughtUpDesc
	ch <- c.degradedDesc
	ch <- c.serversDesc
	ch <- c.knownDesc
	ch <- c.trustDesc
	ch <- c.reorgsDesc
	ch <- c.extensionsDesc
	ch <- c.rejectionsDesc
	ch <- c.resolutionsDesc
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}

	return 0
}

func (c *chainCollector) Collect(ch chan<- prometheus.Metric) {
	height, _ := c.src.CurrentTip()
	ch <- prometheus.MustNewConstMetric(
		c.heightDesc, prometheus.GaugeValue, float64(height),
	)
	ch <- prometheus.MustNewConstMetric(
		c.caughtUpDesc, prometheus.GaugeValue,
		boolGauge(c.src.IsCaughtUp()),
	)
	ch <- prometheus.MustNewConstMetric(
		c.degradedDesc, prometheus.GaugeValue,
		boolGauge(c.src.Degraded()),
	)

	byState := make(map[iface.State]int)
	bySource := make(map[string]int)
	for _, info := range c.src.Servers() {
		bySource[info.Source]++

		if !info.Connected {
			continue
		}
		byState[info.State]++

		ch <- prometheus.MustNewConstMetric(
			c.trustDesc, prometheus.GaugeValue, info.Trust,
			info.Address,
		)
	}

	for _, state := range allStates {
		ch <- prometheus.MustNewConstMetric(
			c.serversDesc, prometheus.GaugeValue,
			float64(byState[state]), state.String(),
		)
	}
	for source, n := range bySource {
		ch <- prometheus.MustNewConstMetric(
			c.knownDesc, prometheus.GaugeValue, float64(n), source,
		)
	}

	stats := c.src.SelectorStats()
	ch <- prometheus.MustNewConstMetric(
		c.reorgsDesc, prometheus.CounterValue, float64(stats.Reorgs),
	)
	ch <- prometheus.MustNewConstMetric(
		c.extensionsDesc, prometheus.CounterValue,
		float64(stats.Extensions),
	)
	ch <- prometheus.MustNewConstMetric(
		c.rejectionsDesc, prometheus.CounterValue,
		float64(stats.Rejections),
	)
	ch <- prometheus.MustNewConstMetric(
		c.resolutionsDesc, prometheus.CounterValue,
		float64(stats.Resolutions),
	)
}
