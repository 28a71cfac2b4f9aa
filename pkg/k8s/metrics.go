package k8s

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/types"
)

var metricsOnce sync.Once

// metricsRegisterOnce registers collector with the default Prometheus
// registry exactly once, tolerating repeated calls across test runs.
func metricsRegisterOnce(c prometheus.Collector) {
	metricsOnce.Do(func() {
		prometheus.MustRegister(c)
	})
}

func unixTime(ts int64) time.Time {
	return time.Unix(ts, 0).UTC()
}

// patchTypeMerge is a typed alias kept local to this package so lease.go
// doesn't need a second import line for a single constant.
const patchTypeMerge = types.MergePatchType
