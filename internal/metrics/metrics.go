// Package metrics exposes service counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ytdlhub_active_downloads",
		Help: "Downloader processes currently holding a capacity slot",
	})

	QueuedDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ytdlhub_queued_downloads",
		Help: "Jobs waiting for a capacity slot",
	})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ytdlhub_jobs_completed_total",
		Help: "Jobs that reached a terminal status",
	}, []string{"status"})

	SourceChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ytdlhub_source_checks_total",
		Help: "Subscription checks by result",
	}, []string{"result"})

	ItemsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ytdlhub_items_discovered_total",
		Help: "New pending items found by subscription checks",
	})

	EventObservers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ytdlhub_event_observers",
		Help: "Connected event stream observers",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
