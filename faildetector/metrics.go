package faildetector

import (
	"github.com/armon/go-metrics"

	"github.com/maxpoletaev/swim/membership"
)

var (
	metricProbeDirect   = []string{"swim", "probe", "direct"}
	metricProbeIndirect = []string{"swim", "probe", "indirect"}
	metricAcks          = []string{"swim", "ack"}
	metricSuspect       = []string{"swim", "suspect"}
	metricDead          = []string{"swim", "dead"}
	metricRefute        = []string{"swim", "refute"}
	metricUpdates       = []string{"swim", "updates"}
	metricGlitch        = []string{"swim", "glitch"}
	metricAlive         = []string{"swim", "members", "alive"}
	metricSuspected     = []string{"swim", "members", "suspect"}
	metricDeadMembers   = []string{"swim", "members", "dead"}
)

func incrCounter(key []string, n int) {
	if n > 0 {
		metrics.IncrCounter(key, float32(n))
	}
}

func reportView(view map[membership.NodeID]membership.State) {
	var alive, suspect, dead int

	for _, st := range view {
		switch st.Status {
		case membership.StatusAlive:
			alive++
		case membership.StatusSuspect:
			suspect++
		case membership.StatusDead:
			dead++
		}
	}

	metrics.SetGauge(metricAlive, float32(alive))
	metrics.SetGauge(metricSuspected, float32(suspect))
	metrics.SetGauge(metricDeadMembers, float32(dead))
}
