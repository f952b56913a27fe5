// Copyright (c) 2026 The Claimsflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts finished ingestion runs by terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_runs_total",
		Help: "Finished ingestion runs by terminal status.",
	}, []string{"status"})

	// RunDuration observes wall-clock run time.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingestion_run_duration_seconds",
		Help:    "Wall-clock duration of ingestion runs.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	// MessagesProcessed counts messages by outcome (processed, ignored,
	// duplicate, error).
	MessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_messages_total",
		Help: "Messages handled by ingestion runs, by outcome.",
	}, []string{"outcome"})

	// ItemsExtracted counts claim items produced from attachments.
	ItemsExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingestion_items_extracted_total",
		Help: "Claim items extracted from attachments.",
	})

	// RuleMatches counts rule hits by action.
	RuleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestion_rule_matches_total",
		Help: "Messages matched by a filter rule, by action.",
	}, []string{"action"})

	// RunningServices gauges services currently mid-run.
	RunningServices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestion_running_services",
		Help: "Services with an ingestion run in flight.",
	})
)
