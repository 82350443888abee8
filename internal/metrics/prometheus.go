package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every harness metric. It is private to the process so the
// textfile written at the end of a run contains nothing else.
var Registry = prometheus.NewRegistry()

var (
	PairsEvaluated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foodqa_pairs_evaluated_total",
			Help: "QA pairs evaluated, by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)

	ResponseTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foodqa_agent_response_seconds",
			Help:    "Agent wall-clock response time including retry back-off",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent"},
	)

	SQLScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foodqa_sql_score",
			Help:    "Per-question SQL combined score",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"agent"},
	)

	CombinedScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foodqa_combined_score",
			Help:    "Per-question combined evaluation score",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"agent"},
	)

	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foodqa_retries_total",
			Help: "Retries after transient external-service errors",
		},
		[]string{"operation"},
	)

	JudgeParseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foodqa_judge_parse_failures_total",
			Help: "Judge responses that did not contain a score",
		},
	)

	QueryRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foodqa_query_rejections_total",
			Help: "Agent queries that failed validation or execution",
		},
		[]string{"kind"},
	)

	IndexRebuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foodqa_index_rebuilds_total",
			Help: "Column index rebuilds, by validation status",
		},
		[]string{"status"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foodqa_llm_tokens_used_total",
			Help: "LLM tokens used",
		},
		[]string{"model", "type"},
	)

	WebSearchTriggered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foodqa_web_search_triggered_total",
			Help: "Web fallback searches performed by agents",
		},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foodqa_api_query_duration_seconds",
			Help:    "API question processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"agent"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foodqa_api_query_total",
			Help: "API questions processed",
		},
		[]string{"status"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foodqa_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foodqa_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

var initOnce sync.Once

// Init registers every collector. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		Registry.MustRegister(
			PairsEvaluated,
			ResponseTime,
			SQLScore,
			CombinedScore,
			Retries,
			JudgeParseFailures,
			QueryRejections,
			IndexRebuilds,
			LLMTokensUsed,
			WebSearchTriggered,
			QueryDuration,
			QueryTotal,
			CacheHits,
			CacheMisses,
		)
	})
}

// WriteTextfile dumps the registry in the text exposition format.
func WriteTextfile(path string) error {
	Init()
	return prometheus.WriteToTextfile(path, Registry)
}

func MetricsHandler() fiber.Handler {
	Init()
	return adaptor.HTTPHandler(promhttp.HandlerFor(Registry, promhttp.HandlerOpts{}))
}
