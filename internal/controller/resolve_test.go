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

package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/nopea-io/gitops-reconciler/internal/model"
)

func newRepoObject(spec map[string]interface{}) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "gitops.nopea.io/v1alpha1",
		"kind":       "GitOpsRepository",
		"metadata": map[string]interface{}{
			"name":       "acme",
			"namespace":  "acme-ns",
			"generation": int64(3),
		},
		"spec": spec,
	}}
}

func TestResolveSpecRequiresURL(t *testing.T) {
	_, err := resolveSpec(newRepoObject(map[string]interface{}{}))
	require.Error(t, err)
}

func TestResolveSpecDefaultsBranchAndTargetNamespace(t *testing.T) {
	spec, err := resolveSpec(newRepoObject(map[string]interface{}{
		"url": "https://example/acme.git",
	}))
	require.NoError(t, err)
	assert.Equal(t, model.DefaultBranch, spec.Branch)
	assert.Equal(t, "acme-ns", spec.TargetNamespace)
	assert.Equal(t, int64(3), spec.Generation)
	assert.Empty(t, spec.SecretRef)
}

func TestResolveSpecExtractsSecretRefName(t *testing.T) {
	spec, err := resolveSpec(newRepoObject(map[string]interface{}{
		"url": "https://example/acme.git",
		"secretRef": map[string]interface{}{
			"name": "acme-git-creds",
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, "acme-git-creds", spec.SecretRef)
}
