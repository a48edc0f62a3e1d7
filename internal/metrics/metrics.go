// Package metrics exposes pipeline counters on the ops listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesIngested counts messages created in FETCHED, by source.
	MessagesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketpipe",
		Name:      "messages_ingested_total",
		Help:      "Messages accepted into the pipeline.",
	}, []string{"source"})

	// ParseFailures counts files routed to the failed zone.
	ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ticketpipe",
		Name:      "parse_failures_total",
		Help:      "Inbound files that could not be parsed.",
	})

	// StageDispatched counts successful claims, by stage.
	StageDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketpipe",
		Name:      "stage_dispatched_total",
		Help:      "Stage executions dispatched after a won claim.",
	}, []string{"stage"})

	// StageCompleted counts stage outcomes, by stage and result.
	StageCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketpipe",
		Name:      "stage_completed_total",
		Help:      "Stage executions finished, by result.",
	}, []string{"stage", "result"})

	// MessagesRecovered counts stuck messages reset by the recovery job.
	MessagesRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketpipe",
		Name:      "messages_recovered_total",
		Help:      "Stuck messages reset for retry or failed as exhausted.",
	}, []string{"outcome"})

	// FilesCleaned counts files deleted by the cleanup manager, by zone.
	FilesCleaned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketpipe",
		Name:      "files_cleaned_total",
		Help:      "Staged files deleted past their zone age threshold.",
	}, []string{"zone"})
)
