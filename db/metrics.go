package db

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	BackendPostgres = "postgres"
	BackendLevelDB  = "leveldb"
)

// QueryDurations is shared by both storage backends.
var QueryDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "relayer",
	Subsystem: "store",
	Name:      "query_duration_seconds",
	Help:      "Duration of relayer state store operations.",
	Buckets:   []float64{0.001, 0.005, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2},
}, []string{"backend", "query"})

func ObserveDuration(backend, query string) func() time.Duration {
	return prometheus.NewTimer(QueryDurations.WithLabelValues(backend, query)).ObserveDuration
}
