package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxlingo_turns_processed_total",
		Help: "Completed conversation turns, by speaker.",
	}, []string{"speaker"})

	ConversationsFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxlingo_conversations_finished_total",
		Help: "Conversations driven to the finished status.",
	})

	GenerationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxlingo_generation_failures_total",
		Help: "Generative calls that exhausted their retry budget.",
	})

	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxlingo_live_sessions",
		Help: "Currently connected live conversation sessions.",
	})
)

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
