// Package telemetry holds the Prometheus instruments for the extraction
// pipeline and its scanners.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExtractionsTotal counts extraction invocations by trigger and outcome.
	ExtractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_extractions_total",
		Help: "Extraction invocations by trigger source and outcome.",
	}, []string{"trigger", "outcome"})

	// TasksStagedTotal counts tasks written to the staging store.
	TasksStagedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_tasks_staged_total",
		Help: "Tasks persisted to the staging store.",
	})

	// TitleRejectionsTotal counts titles bounced by validation.
	TitleRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_title_rejections_total",
		Help: "extract_task titles rejected by validation.",
	})

	// DedupDeletionsTotal counts staged tasks removed by the dedup scanner.
	DedupDeletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_dedup_deletions_total",
		Help: "Staged tasks hard-deleted as duplicates.",
	})

	// RerankMovesTotal counts applied rerank instructions.
	RerankMovesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_rerank_moves_total",
		Help: "Rerank instructions applied by the prioritization scanner.",
	})

	// PromotionsTotal counts staged tasks promoted to action items.
	PromotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_promotions_total",
		Help: "Staged tasks promoted to action items.",
	})

	// ObservationDropsTotal counts observations dropped by a full sink buffer.
	ObservationDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_observation_drops_total",
		Help: "Observations dropped because the sink buffer was full.",
	})
)
