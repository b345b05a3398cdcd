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

// Package k8sops declares the K8sOps capability interface: the boundary
// between the reconciliation core and the target cluster's API server.
package k8sops

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/nopea-io/gitops-reconciler/internal/model"
)

// FieldManager is the server-side-apply field manager identity this
// controller uses for every apply call.
const FieldManager = "nopea"

// K8sOps is the set of cluster operations the SyncExecutor and DriftEngine need.
type K8sOps interface {
	// Get fetches the live object identified by apiVersion/kind/namespace/name.
	// Returns (nil, nil) when the object does not exist.
	Get(ctx context.Context, apiVersion, kind, namespace, name string) (*model.Manifest, error)
	// Apply performs a server-side apply of manifest, force-owning conflicting
	// fields, and returns the server-echoed object.
	Apply(ctx context.Context, manifest *model.Manifest) (*model.Manifest, error)
	// UpdateStatus patches the status subresource of the named custom resource.
	UpdateStatus(ctx context.Context, namespace, name string, status map[string]interface{}) error
}

// StatusFields is a convenience builder for the GitOpsRepository status
// fields the Worker writes after every cycle.
func StatusFields(phase model.Phase, lastSyncedCommit, message string, observedGeneration int64, conditions []metav1.Condition) map[string]interface{} {
	return map[string]interface{}{
		"phase":              string(phase),
		"lastSyncedCommit":   lastSyncedCommit,
		"lastSyncTime":       metav1.Now().Format(metav1TimeFormat),
		"message":            message,
		"observedGeneration": observedGeneration,
		"conditions":         conditionsToUnstructured(conditions),
	}
}

func conditionsToUnstructured(conditions []metav1.Condition) []interface{} {
	out := make([]interface{}, 0, len(conditions))
	for _, c := range conditions {
		out = append(out, map[string]interface{}{
			"type":               c.Type,
			"status":             string(c.Status),
			"reason":             c.Reason,
			"message":            c.Message,
			"observedGeneration": c.ObservedGeneration,
			"lastTransitionTime": c.LastTransitionTime.Format(metav1TimeFormat),
		})
	}
	return out
}

const metav1TimeFormat = "2006-01-02T15:04:05Z07:00"

// Condition types and reasons written to a GitOpsRepository's status.
const (
	ConditionReady = "Ready"

	ReasonSyncSucceeded = "SyncSucceeded"
	ReasonSyncFailed    = "SyncFailed"
	ReasonDriftHealed   = "DriftHealed"
	ReasonDriftDetected = "DriftDetected"
)

// UpsertCondition replaces the condition of the same type in conditions with
// a new one, preserving LastTransitionTime when the status hasn't actually
// changed.
func UpsertCondition(
	conditions []metav1.Condition,
	conditionType string,
	status metav1.ConditionStatus,
	reason, message string,
	observedGeneration int64,
) []metav1.Condition {
	now := metav1.Now()
	next := metav1.Condition{
		Type:               conditionType,
		Status:             status,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: observedGeneration,
		LastTransitionTime: now,
	}

	var existing *metav1.Condition
	result := make([]metav1.Condition, 0, len(conditions))
	for i := range conditions {
		cond := conditions[i]
		if cond.Type == conditionType {
			if existing == nil {
				existing = &cond
			}
			continue
		}
		result = append(result, cond)
	}

	if existing != nil && existing.Status == next.Status && !existing.LastTransitionTime.IsZero() {
		next.LastTransitionTime = existing.LastTransitionTime
	}

	result = append(result, next)
	return result
}
