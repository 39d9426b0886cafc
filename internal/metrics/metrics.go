// Package metrics exposes Prometheus counters for the crawl engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommentsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxharbor",
		Name:      "comments_ingested_total",
		Help:      "Comments appended to the ingest batcher.",
	})

	PostsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxharbor",
		Name:      "posts_ingested_total",
		Help:      "Post snapshots appended to the ingest batcher.",
	})

	ChatsDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxharbor",
		Name:      "chats_discovered_total",
		Help:      "Discovered-chat records appended to the ingest batcher.",
	})

	FlushTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxharbor",
		Name:      "batcher_flush_total",
		Help:      "Ingest batcher flush cycles.",
	})

	FlushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxharbor",
		Name:      "batcher_flush_errors_total",
		Help:      "Ingest batcher flush cycles that failed; the flushed batch is dropped.",
	})

	ChatJoins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxharbor",
		Name:      "chat_joins_total",
		Help:      "Chats joined during reconciliation.",
	})

	ChatLeaves = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxharbor",
		Name:      "chat_leaves_total",
		Help:      "Chats left during reconciliation (wrong shard or session).",
	})

	BackfillSteps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxharbor",
		Name:      "backfill_steps_total",
		Help:      "History backfill steps executed.",
	})

	BackfillFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voxharbor",
		Name:      "backfill_failures_total",
		Help:      "History backfill tasks abandoned after exhausting retries.",
	})

	TrackedPosts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "voxharbor",
		Name:      "tracked_posts",
		Help:      "Posts currently tracked for reaction resampling.",
	})
)
