package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpflow_events_received_total",
		Help: "Total number of normalized events handed to the pipeline, labelled by source.",
	}, []string{"source"})

	EventsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpflow_events_duplicate_total",
		Help: "Total number of events dropped as already processed, labelled by source.",
	}, []string{"source"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpflow_events_processed_total",
		Help: "Total number of events fully processed, labelled by source and status.",
	}, []string{"source", "status"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xpflow_events_dropped_total",
		Help: "Total number of events rejected due to a full background queue.",
	})

	SignatureRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpflow_signature_rejected_total",
		Help: "Total number of webhook deliveries that failed verification, labelled by source.",
	}, []string{"source"})

	RewardXP = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpflow_reward_xp_total",
		Help: "Sum of computed XP deltas, labelled by reason. Penalties are counted by absolute value.",
	}, []string{"reason"})

	LedgerSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpflow_ledger_steps_awarded_total",
		Help: "Total number of ledger steps awarded, labelled by scope.",
	}, []string{"scope"})

	DispatchCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpflow_dispatch_tasks_total",
		Help: "Total number of dispatch tasks run, labelled by status.",
	}, []string{"status"})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "xpflow_dispatch_task_duration_ms",
		Help:    "Duration of one dispatch attempt in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xpflow_dispatch_queue_depth",
		Help: "Number of tasks waiting in the dispatch queue.",
	})

	ImportRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpflow_import_rows_total",
		Help: "Total number of batch import rows, labelled by kind and outcome.",
	}, []string{"kind", "outcome"})

	Adjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xpflow_adjustments_total",
		Help: "Total number of manual adjustment requests, labelled by outcome.",
	}, []string{"outcome"})

	EventProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "xpflow_event_processing_duration_ms",
		Help:    "Pipeline processing latency per event in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "xpflow_queue_utilization_ratio",
		Help: "Highest utilization of the background and dispatch queues (0–1).",
	})
)
