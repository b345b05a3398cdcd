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
Package drift implements manifest normalization, canonical hashing, the
three-way classification between last-applied, desired and live state, and
the heal-policy arbitration that decides whether a classified resource is
actually re-applied.

Normalize does its own server-field stripping so two manifests compare
equal regardless of which fields the apiserver stamped onto them; the
sanitize package supplies only the ordered-field YAML rendering that
CanonicalHash digests.
*/
package drift

import (
	"crypto/sha256"
	"encoding/hex"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/nopea-io/gitops-reconciler/internal/model"
	"github.com/nopea-io/gitops-reconciler/internal/sanitize"
)

const lastAppliedConfigAnnotation = "kubectl.kubernetes.io/last-applied-configuration"

// SuspendHealAnnotation is the break-glass annotation that inhibits healing
// for a single resource.
const SuspendHealAnnotation = "nopea.io/suspend-heal"

// Normalize strips fields the apiserver adds so that two manifests
// differing only in server-assigned bookkeeping compare equal.
func Normalize(m *model.Manifest) *model.Manifest {
	if m == nil {
		return nil
	}
	out := m.DeepCopy()
	unstructured.RemoveNestedField(out.Object, "status")

	metaFields := []string{"resourceVersion", "uid", "creationTimestamp", "generation", "managedFields", "selfLink"}
	for _, f := range metaFields {
		unstructured.RemoveNestedField(out.Object, "metadata", f)
	}

	annotations, found, _ := unstructured.NestedStringMap(out.Object, "metadata", "annotations")
	if found {
		delete(annotations, lastAppliedConfigAnnotation)
		if len(annotations) == 0 {
			unstructured.RemoveNestedField(out.Object, "metadata", "annotations")
		} else {
			_ = unstructured.SetNestedStringMap(out.Object, annotations, "metadata", "annotations")
		}
	}

	return out
}

// CanonicalHash returns "sha256:" followed by the hex digest of the normalized manifest's
// ordered-field YAML rendering, so two manifests that differ only in map
// key order or server-assigned bookkeeping hash equal.
func CanonicalHash(m *model.Manifest) (string, error) {
	normalized := Normalize(m)
	b, err := sanitize.MarshalToOrderedYAML(normalized)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// HasBreakGlass reports whether the live object carries the suspend-heal
// annotation.
func HasBreakGlass(live *model.Manifest) bool {
	if live == nil {
		return false
	}
	v, found := live.GetAnnotations()[SuspendHealAnnotation]
	return found && v == "true"
}
