// Package metrics exposes the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/assetmanager/filingsqa/engine/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "filingsqa"

// Outcome label values for the answer duration histogram.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// DefaultBuckets are the answer latency buckets in seconds. Generation
// dominates, so they reach further than the Prometheus defaults.
var DefaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60}

// Pipeline holds the collectors recorded by the question answering pipeline.
// A nil *Pipeline is valid and records nothing.
type Pipeline struct {
	AnswerDuration *prometheus.HistogramVec
	StageErrors    *prometheus.CounterVec
	Records        prometheus.Histogram
}

// NewPipeline registers the pipeline collectors with reg.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	f := promauto.With(reg)
	return &Pipeline{
		AnswerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_duration_seconds",
			Help:      "Wall-clock time of a full answer, by outcome.",
			Buckets:   DefaultBuckets,
		}, []string{"outcome"}),
		StageErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_errors_total",
			Help:      "Pipeline failures by stage (embed, search, generate).",
		}, []string{"stage"}),
		Records: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_records",
			Help:      "Number of records returned by the similarity search.",
			Buckets:   prometheus.LinearBuckets(0, 10, 6),
		}),
	}
}

// ObserveAnswer records one finished answer. A failed answer also bumps the
// stage error counter when the error carries a stage.
func (p *Pipeline) ObserveAnswer(elapsed time.Duration, err error) {
	if p == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
		if stage := domain.KindOf(err); stage != "" {
			p.StageErrors.WithLabelValues(stage).Inc()
		}
	}
	p.AnswerDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveRecords records the size of a search result set.
func (p *Pipeline) ObserveRecords(n int) {
	if p == nil {
		return
	}
	p.Records.Observe(float64(n))
}

// Handler serves the gathered metrics in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
