package obs

import (
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// build_info is a constant 1 gauge labelled with version metadata.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tessera_build_info",
			Help: "Tessera API build information.",
		},
		[]string{"version", "commit", "go_version"},
	)
)

// InitBuildInfo registers build_info once and publishes the labels. An empty
// commit falls back to the VCS revision stamped by the toolchain.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})

	goVersion := "unknown"
	if bi, ok := debug.ReadBuildInfo(); ok {
		goVersion = bi.GoVersion
		if commit == "" {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					commit = s.Value
				}
			}
		}
	}
	if commit == "" {
		commit = "unknown"
	}
	buildInfo.WithLabelValues(version, commit, goVersion).Set(1)
}
