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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// HealPolicy governs how the reconciler reacts to manual drift on a
// resource it manages.
type HealPolicy string

const (
	// HealPolicyAuto reverts manual drift back to the last-applied state
	// once the grace period elapses.
	HealPolicyAuto HealPolicy = "Auto"
	// HealPolicyManual leaves drifted resources alone until an operator
	// triggers a sync.
	HealPolicyManual HealPolicy = "Manual"
	// HealPolicyNotify behaves like Manual but also emits a drift event.
	HealPolicyNotify HealPolicy = "Notify"
)

// GitOpsRepositorySpec defines the desired state of a GitOpsRepository.
type GitOpsRepositorySpec struct {
	// URL is the Git remote to sync from.
	// +required
	// +kubebuilder:validation:MinLength=1
	URL string `json:"url"`

	// Branch is the ref to track. Defaults to "main".
	// +optional
	// +kubebuilder:default="main"
	Branch string `json:"branch,omitempty"`

	// Path is the subdirectory of the repository to read manifests from.
	// Empty means the repository root.
	// +optional
	Path string `json:"path,omitempty"`

	// TargetNamespace is applied to any manifest that doesn't set its own
	// namespace. Cluster-scoped manifests ignore it. Empty means the
	// GitOpsRepository's own namespace.
	// +optional
	// +kubebuilder:validation:MinLength=1
	TargetNamespace string `json:"targetNamespace"`

	// Interval is the poll period, as a duration string. Defaults to "5m".
	// +optional
	// +kubebuilder:default="5m"
	Interval string `json:"interval,omitempty"`

	// Suspend pauses polling, webhooks and reconciliation without deleting
	// the worker's recorded state.
	// +optional
	Suspend bool `json:"suspend,omitempty"`

	// HealPolicy governs the reconcile pass's reaction to manual drift.
	// +optional
	// +kubebuilder:default=Auto
	// +kubebuilder:validation:Enum=Auto;Manual;Notify
	HealPolicy HealPolicy `json:"healPolicy,omitempty"`

	// HealGracePeriod delays an Auto heal after drift is first observed, as
	// a duration string. Defaults to "0s" (heal immediately).
	// +optional
	HealGracePeriod string `json:"healGracePeriod,omitempty"`

	// SecretRef names a Secret in the same namespace holding Git
	// credentials, if the repository is not publicly readable.
	// +optional
	SecretRef *LocalObjectReference `json:"secretRef,omitempty"`
}

// GitOpsRepositoryStatus defines the observed state of a GitOpsRepository.
type GitOpsRepositoryStatus struct {
	// Phase mirrors the worker's current lifecycle state.
	// +optional
	Phase string `json:"phase,omitempty"`

	// LastSyncedCommit is the commit SHA last applied to the cluster.
	// +optional
	LastSyncedCommit string `json:"lastSyncedCommit,omitempty"`

	// LastSyncTime records when LastSyncedCommit was applied.
	// +optional
	LastSyncTime *metav1.Time `json:"lastSyncTime,omitempty"`

	// Message carries a human-readable detail for the current phase,
	// typically the last error when Phase is Failed.
	// +optional
	Message string `json:"message,omitempty"`

	// ObservedGeneration is the .metadata.generation the controller last
	// acted on.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions holds the standard Kubernetes condition set for this
	// repository, keyed by type.
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope=Namespaced
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Commit",type=string,JSONPath=`.status.lastSyncedCommit`
// +kubebuilder:printcolumn:name="Suspend",type=boolean,JSONPath=`.spec.suspend`

// GitOpsRepository is the Schema for the gitopsrepositories API.
type GitOpsRepository struct {
	metav1.TypeMeta `json:",inline"`

	// metadata is a standard object metadata
	// +optional
	metav1.ObjectMeta `json:"metadata,omitempty,omitzero"`

	// spec defines the desired state of GitOpsRepository
	// +required
	Spec GitOpsRepositorySpec `json:"spec"`

	// status defines the observed state of GitOpsRepository
	// +optional
	Status GitOpsRepositoryStatus `json:"status,omitempty,omitzero"`
}

// +kubebuilder:object:root=true

// GitOpsRepositoryList contains a list of GitOpsRepository.
type GitOpsRepositoryList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`

	Items []GitOpsRepository `json:"items"`
}

func init() {
	SchemeBuilder.Register(&GitOpsRepository{}, &GitOpsRepositoryList{})
}
