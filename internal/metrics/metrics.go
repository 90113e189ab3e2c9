package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Indexing metrics
	EventsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casehawk_events_indexed_total",
			Help: "Total number of events acknowledged by the search engine",
		},
		[]string{"result"},
	)

	BulkFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casehawk_bulk_failures_total",
			Help: "Total number of bulk items the search engine rejected",
		},
	)

	MalformedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casehawk_malformed_records_total",
			Help: "Total number of records skipped because they could not be parsed",
		},
		[]string{"format"},
	)

	CapacityRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casehawk_capacity_rejections_total",
			Help: "Total number of operations refused by the shard capacity check",
		},
		[]string{"operation"},
	)

	ShardUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "casehawk_shard_utilization_ratio",
			Help: "Active shards divided by the cluster shard limit at the last check",
		},
	)

	// Task metrics
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "casehawk_task_duration_seconds",
			Help:    "Duration of file operations in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"operation", "status"},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "casehawk_tasks_in_flight",
			Help: "Number of file operations currently running in this process",
		},
	)

	TokensReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casehawk_tokens_reclaimed_total",
			Help: "Total number of task tokens reclaimed from dead owners",
		},
	)

	// Hunting metrics
	IOCMatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casehawk_ioc_matches_total",
			Help: "Total number of new indicator matches recorded",
		},
	)

	RuleViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casehawk_rule_violations_total",
			Help: "Total number of new rule violations recorded",
		},
	)

	RetrieverPages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casehawk_retriever_pages_total",
			Help: "Total number of scroll pages fetched",
		},
	)

	RetrieverTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "casehawk_retriever_truncations_total",
			Help: "Total number of retrievals stopped at the page cap",
		},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "casehawk_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"route", "status"},
	)
)
