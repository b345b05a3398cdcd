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

package model

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Manifest is a parsed Kubernetes object. Every manifest that reaches the
// applier is guaranteed to carry apiVersion, kind and metadata.name.
type Manifest = unstructured.Unstructured

// ValidateManifest enforces the required-fields invariant for a parsed document.
func ValidateManifest(m *Manifest) error {
	if m.GetAPIVersion() == "" {
		return fmt.Errorf("manifest missing apiVersion")
	}
	if m.GetKind() == "" {
		return fmt.Errorf("manifest missing kind")
	}
	if m.GetName() == "" {
		return fmt.Errorf("manifest missing metadata.name")
	}
	return nil
}

// Phase is the worker's lifecycle phase.
type Phase string

const (
	PhaseInitializing Phase = "Initializing"
	PhaseSyncing      Phase = "Syncing"
	PhaseSynced       Phase = "Synced"
	PhaseFailed       Phase = "Failed"
)
