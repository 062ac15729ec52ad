package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics holds all Prometheus metrics for the correlation engine.
type EngineMetrics struct {
	AlertsGrouped        *prometheus.CounterVec
	GroupsCreated        prometheus.Counter
	RCAsGenerated        *prometheus.CounterVec
	KnowledgeIngests     *prometheus.CounterVec
	KnowledgeSearches    prometheus.Counter
	BackendFailures      *prometheus.CounterVec
	EmbeddingCacheHits   prometheus.Counter
	EmbeddingCacheMisses prometheus.Counter
}

// New initializes and registers the Prometheus metrics.
func New() *EngineMetrics {
	return newWithRegisterer(prometheus.DefaultRegisterer)
}

// NewForTesting registers metrics on a private registry so tests can
// construct services without double-registration panics.
func NewForTesting() *EngineMetrics {
	return newWithRegisterer(prometheus.NewRegistry())
}

func newWithRegisterer(reg prometheus.Registerer) *EngineMetrics {
	factory := promauto.With(reg)
	return &EngineMetrics{
		AlertsGrouped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "causalis",
			Subsystem: "grouping",
			Name:      "alerts_grouped_total",
			Help:      "Total number of alerts assigned to groups by outcome.",
		}, []string{"outcome"}), // outcome: matched, new_group, fallback
		GroupsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "causalis",
			Subsystem: "grouping",
			Name:      "groups_created_total",
			Help:      "Total number of alert groups created.",
		}),
		RCAsGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "causalis",
			Subsystem: "generation",
			Name:      "rcas_generated_total",
			Help:      "Total number of RCAs generated by analysis method.",
		}, []string{"method"}), // method: llm_rag, fallback
		KnowledgeIngests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "causalis",
			Subsystem: "knowledge",
			Name:      "ingests_total",
			Help:      "Total number of knowledge base ingestions by status.",
		}, []string{"status"}), // status: ok, failed
		KnowledgeSearches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "causalis",
			Subsystem: "knowledge",
			Name:      "searches_total",
			Help:      "Total number of knowledge base similarity searches.",
		}),
		BackendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "causalis",
			Subsystem: "backends",
			Name:      "failures_total",
			Help:      "Total number of ML backend failures by backend.",
		}, []string{"backend"}), // backend: llm, embedding, vectorstore
		EmbeddingCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "causalis",
			Subsystem: "embedding",
			Name:      "cache_hits_total",
			Help:      "Total number of embedding cache hits.",
		}),
		EmbeddingCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "causalis",
			Subsystem: "embedding",
			Name:      "cache_misses_total",
			Help:      "Total number of embedding cache misses.",
		}),
	}
}
