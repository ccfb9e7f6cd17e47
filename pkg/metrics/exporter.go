package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func init() {
	prometheus.MustRegister(ImagesActive, ImagesLingering, ImagesClosedTotal, ImagesDeletedTotal)
	prometheus.MustRegister(FragmentsRead, BytesRead, InvalidPositionsTotal)
}

func StartMetricsServer(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", port)
		fmt.Println("[METRICS] Prometheus exporter listening on", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			fmt.Printf("[METRICS] Failed to start metrics server: %v\n", err)
		}
	}()
}

// RecordFragments updates read-side counters after a poll.
func RecordFragments(fragments int, bytes int) {
	if fragments <= 0 {
		return
	}
	FragmentsRead.Add(float64(fragments))
	BytesRead.Add(float64(bytes))
}
