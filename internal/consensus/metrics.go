package consensus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quorumchain/quorumchain/internal/state"
)

// engineMetrics is the small set of counters and gauges the engine keeps
// (an operator-facing HTTP scrape surface is left to the embedding binary,
// per the metrics non-goal: the counters are ambient, the endpoint is not).
type engineMetrics struct {
	blocksFinalized   prometheus.Counter
	notarizations     prometheus.Counter
	stateVersionsLive prometheus.GaugeFunc
}

func newEngineMetrics(mgr *state.Manager) *engineMetrics {
	return &engineMetrics{
		blocksFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blocks_finalized_total",
			Help: "Total number of blocks promoted to the finalized chain.",
		}),
		notarizations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notarizations_total",
			Help: "Total number of blocks that crossed the two-thirds stake notarization threshold.",
		}),
		stateVersionsLive: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "state_versions_live",
			Help: "Number of live state versions currently held by the version manager.",
		}, func() float64 { return float64(mgr.NumVersions()) }),
	}
}

// Register adds every engine metric to reg. A process embedding more than
// one engine needs a distinct registry per engine.
func (m *engineMetrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.blocksFinalized, m.notarizations, m.stateVersionsLive} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
