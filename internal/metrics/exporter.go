/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 Nopea

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package metrics provides the OpenTelemetry-based metrics exporter for the
reconciler. It configures Prometheus-compatible metrics collection for
monitoring sync, drift, leader-election and webhook activity.
*/
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	otelMeter metric.Meter

	// SyncRunsTotal counts SyncExecutor runs, labelled by outcome via attributes.
	SyncRunsTotal metric.Int64Counter
	// SyncDurationSeconds observes the wall time of a full sync pipeline run.
	SyncDurationSeconds metric.Float64Histogram
	// ManifestsAppliedTotal counts individual manifests applied to the target cluster.
	ManifestsAppliedTotal metric.Int64Counter
	// ParseFailuresTotal counts YAML documents that failed to parse during a sync.
	ParseFailuresTotal metric.Int64Counter
	// ApplyFailuresTotal counts manifests that failed server-side apply.
	ApplyFailuresTotal metric.Int64Counter

	// DriftClassificationsTotal counts three-way diff outcomes by classification.
	DriftClassificationsTotal metric.Int64Counter
	// DriftHealsTotal counts resources the DriftEngine healed.
	DriftHealsTotal metric.Int64Counter
	// DriftSkipsTotal counts resources left drifted by policy or grace period.
	DriftSkipsTotal metric.Int64Counter

	// WorkerActiveTotal is a gauge of currently running repository workers.
	WorkerActiveTotal metric.Int64UpDownCounter
	// WorkerCycleDurationSeconds observes one worker poll/reconcile cycle.
	WorkerCycleDurationSeconds metric.Float64Histogram
	// WorkerRestartsTotal counts worker goroutines restarted after a panic or crash.
	WorkerRestartsTotal metric.Int64Counter

	// WebhookRequestsTotal counts inbound webhook deliveries whose body was read,
	// before provider detection and verification; it carries no outcome attribute.
	WebhookRequestsTotal metric.Int64Counter
	// WebhookVerifyFailuresTotal counts signature/token verification failures.
	WebhookVerifyFailuresTotal metric.Int64Counter

	// LeaderTransitionsTotal counts leadership acquire/lose/take-over transitions.
	LeaderTransitionsTotal metric.Int64Counter
	// LeaseRenewFailuresTotal counts failed Lease renewal attempts.
	LeaseRenewFailuresTotal metric.Int64Counter

	// CollaboratorRespawnsTotal counts git collaborator subprocess respawns after a crash.
	CollaboratorRespawnsTotal metric.Int64Counter

	// CDEventsEmittedTotal counts CloudEvents envelopes emitted, by event type.
	CDEventsEmittedTotal metric.Int64Counter
)

// InitOTLPExporter initializes the OTLP-to-Prometheus bridge.
func InitOTLPExporter(_ context.Context) (func(context.Context) error, error) {
	fmt.Println("Initializing OTLP exporter")

	exporter, err := prometheus.New(
		prometheus.WithRegisterer(metrics.Registry),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	otelMeter = provider.Meter("gitops-reconciler")

	type cSpec struct {
		name string
		dest *metric.Int64Counter
	}
	type hSpec struct {
		name string
		dest *metric.Float64Histogram
	}
	type uSpec struct {
		name string
		dest *metric.Int64UpDownCounter
	}

	counters := []cSpec{
		{"gitops_sync_runs_total", &SyncRunsTotal},
		{"gitops_manifests_applied_total", &ManifestsAppliedTotal},
		{"gitops_parse_failures_total", &ParseFailuresTotal},
		{"gitops_apply_failures_total", &ApplyFailuresTotal},
		{"gitops_drift_classifications_total", &DriftClassificationsTotal},
		{"gitops_drift_heals_total", &DriftHealsTotal},
		{"gitops_drift_skips_total", &DriftSkipsTotal},
		{"gitops_worker_restarts_total", &WorkerRestartsTotal},
		{"gitops_webhook_requests_total", &WebhookRequestsTotal},
		{"gitops_webhook_verify_failures_total", &WebhookVerifyFailuresTotal},
		{"gitops_leader_transitions_total", &LeaderTransitionsTotal},
		{"gitops_lease_renew_failures_total", &LeaseRenewFailuresTotal},
		{"gitops_collaborator_respawns_total", &CollaboratorRespawnsTotal},
		{"gitops_cdevents_emitted_total", &CDEventsEmittedTotal},
	}
	for _, s := range counters {
		v, err := otelMeter.Int64Counter(s.name)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	hists := []hSpec{
		{"gitops_sync_duration_seconds", &SyncDurationSeconds},
		{"gitops_worker_cycle_duration_seconds", &WorkerCycleDurationSeconds},
	}
	for _, s := range hists {
		v, err := otelMeter.Float64Histogram(s.name)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	upDowns := []uSpec{
		{"gitops_worker_active_total", &WorkerActiveTotal},
	}
	for _, s := range upDowns {
		v, err := otelMeter.Int64UpDownCounter(s.name)
		if err != nil {
			return nil, err
		}
		*s.dest = v
	}

	return func(_ context.Context) error {
		fmt.Println("Shutting down OTLP exporter")
		return nil
	}, nil
}
