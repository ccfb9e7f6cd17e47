package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ImagesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shmbus_images_active",
		Help: "Number of images currently available to subscriptions",
	})

	ImagesLingering = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shmbus_images_lingering",
		Help: "Number of closed images waiting for the linger interval and reference drain",
	})

	ImagesClosedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shmbus_images_closed_total",
		Help: "Total number of images force-closed by the conductor",
	})

	ImagesDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shmbus_images_deleted_total",
		Help: "Total number of images deleted after lingering",
	})

	FragmentsRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shmbus_fragments_read_total",
		Help: "Total number of message fragments delivered to handlers",
	})

	BytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shmbus_bytes_read_total",
		Help: "Total payload bytes delivered to handlers",
	})

	InvalidPositionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shmbus_invalid_positions_total",
		Help: "Total number of rejected position seeks",
	})
)
