package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ServiceName labels logs, metrics and health responses.
const ServiceName = "tokengate-api"

var (
	buildMu         sync.Mutex
	buildRegistered bool

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "tokengate_build_info",
		Help:        "Constant 1, labelled with the running build.",
		ConstLabels: prometheus.Labels{"service": ServiceName},
	}, []string{"version", "commit", "go_version"})
)

// InitBuildInfo publishes the running build. Calling it again replaces the
// previous labels rather than adding a second series.
func InitBuildInfo(version, commit string) {
	buildMu.Lock()
	defer buildMu.Unlock()
	if !buildRegistered {
		prometheus.MustRegister(buildInfo)
		buildRegistered = true
	}
	buildInfo.Reset()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}
