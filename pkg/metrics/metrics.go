package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Global metrics, registered with the default registry through promauto.
// Every address space in the process reports into the same series.

var (
	// MapsTotal counts map attempts by mapping mode and result code.
	MapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pegas_map_total",
			Help: "Total number of region map attempts",
		},
		[]string{"mode", "result"},
	)

	// UnmapsTotal counts unmap attempts by mapping mode and result code.
	UnmapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pegas_unmap_total",
			Help: "Total number of region unmap attempts",
		},
		[]string{"mode", "result"},
	)

	// MapDuration measures the cost of binding a region, dominated by the
	// underlying mmap calls.
	MapDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pegas_map_duration_seconds",
			Help:    "Duration of successful region map operations in seconds",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"mode"},
	)

	// RtransTotal counts reverse translations by outcome ("hit" or "miss").
	RtransTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pegas_rtrans_total",
			Help: "Total number of reverse address translations",
		},
		[]string{"result"},
	)

	// MappedRegions tracks live regions per mapping mode.
	MappedRegions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pegas_mapped_regions",
			Help: "Number of live mapped regions",
		},
		[]string{"mode"},
	)

	// MappedBytes tracks bytes of region data currently mapped per mode.
	MappedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pegas_mapped_bytes",
			Help: "Bytes of region data currently mapped",
		},
		[]string{"mode"},
	)
)
