// Package metrics holds the Prometheus collectors of the thread service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ThreadsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threads_created_total",
		Help: "Threads whose three creation steps all succeeded",
	})

	MessagesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thread_messages_posted_total",
		Help: "Committed thread messages by payload type",
	}, []string{"type"})

	MembersAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thread_members_admitted_total",
		Help: "Members admitted to threads by posting or mentions",
	})

	MentionCandidatesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thread_mention_candidates_dropped_total",
		Help: "Mention candidates dropped because the member cap was reached",
	})

	CreationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thread_creation_failures_total",
		Help: "Thread creations that failed, by the step that failed",
	}, []string{"step"})

	WildcardExpansionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "thread_wildcard_expansion_failures_total",
		Help: "Wildcard mentions whose server member query failed",
	})

	Reconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "thread_reconciled_total",
		Help: "Repairs applied to partially created threads",
	}, []string{"repair"})

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "thread_stream_subscribers",
		Help: "Open snapshot streams",
	})
)
