package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики pipeline. Регистрируются в DefaultRegisterer и отдаются через /metrics.
var (
	// DispatchTotal — опубликованные WorkItem по стадиям (включая retry).
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hartree_dispatch_total",
		Help: "Work items published to the work queue",
	}, []string{"stage"})

	// CompletionsTotal — входящие completion по исходу обработки:
	// delivered, duplicate, unknown, deleted.
	CompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hartree_completions_total",
		Help: "Completion signals received by the dispatcher",
	}, []string{"outcome"})

	// StageTimeoutsTotal — dispatch, не дождавшиеся completion.
	StageTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hartree_stage_timeouts_total",
		Help: "Dispatches that timed out waiting for completion",
	}, []string{"stage"})

	// DispatchDuration — время от publish до completion.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hartree_dispatch_duration_seconds",
		Help:    "Time between publishing a work item and receiving its completion",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	}, []string{"stage"})

	// ActiveWorkflows — workflow в памяти оркестратора.
	ActiveWorkflows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hartree_active_workflows",
		Help: "Workflows currently running in the orchestrator",
	})

	// JobsFinishedTotal — завершённые job по статусу и outcome.
	JobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hartree_jobs_finished_total",
		Help: "Jobs that reached a terminal workflow state",
	}, []string{"status", "outcome"})

	// QueueDepth — последняя измеренная глубина очереди work.ready.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hartree_queue_depth",
		Help: "Messages waiting in the work queue",
	})

	// WorkerSlots — текущее число слотов worker pool.
	WorkerSlots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hartree_worker_slots",
		Help: "Active worker slots consuming the work queue",
	})

	// WorkItemsProcessed — обработанные воркером элементы по стадии и статусу.
	WorkItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hartree_work_items_processed_total",
		Help: "Work items executed by the worker pool",
	}, []string{"stage", "status"})
)
