package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered on the default registry through promauto.

var (
	// Iterations counts completed loop iterations, labeled by how the batch
	// was selected ("kbest" or "random").
	Iterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchgraph_iterations_total",
			Help: "Total number of completed selection iterations",
		},
		[]string{"mode"},
	)

	// Labels counts labels applied to the graph.
	Labels = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matchgraph_labels_total",
			Help: "Total number of pair labels applied to the graph",
		},
		[]string{"label"},
	)

	SimilarPairs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matchgraph_similar_pairs",
		Help: "Number of pairs currently labeled Similar",
	})

	DissimilarPairs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matchgraph_dissimilar_pairs",
		Help: "Number of pairs currently labeled Dissimilar",
	})

	UnknownPairs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matchgraph_unknown_pairs",
		Help: "Number of pairs not labeled yet",
	})

	// StageDuration measures each stage of an iteration.
	// Buckets run from a tiny CG solve to a slow external comparator.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "matchgraph_stage_duration_seconds",
			Help:    "Duration of iteration stages in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	ComparatorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchgraph_comparator_failures_total",
		Help: "Comparisons that failed and were recorded as Dissimilar",
	})

	SolverIterations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchgraph_solver_iterations_total",
		Help: "Total conjugate gradient iterations across all column solves",
	})
)

// ObserveCounts updates the pair gauges.
func ObserveCounts(similar, dissimilar, unknown int) {
	SimilarPairs.Set(float64(similar))
	DissimilarPairs.Set(float64(dissimilar))
	UnknownPairs.Set(float64(unknown))
}
