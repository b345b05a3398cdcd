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

package fake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/nopea-io/gitops-reconciler/internal/k8sops"
	"github.com/nopea-io/gitops-reconciler/internal/model"
)

func configMap(namespace, name string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": map[string]interface{}{
			"namespace": namespace,
			"name":      name,
		},
		"data": map[string]interface{}{"key": "value"},
	}}
}

func TestApplyThenGetRoundTrip(t *testing.T) {
	f := New()
	ctx := context.Background()

	_, err := f.Apply(ctx, configMap("acme", "app"))
	require.NoError(t, err)

	got, err := f.Get(ctx, "v1", "ConfigMap", "acme", "app")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "value", got.Object["data"].(map[string]interface{})["key"])
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	f := New()
	got, err := f.Get(context.Background(), "v1", "ConfigMap", "acme", "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateStatusMergesIntoAppliedObject(t *testing.T) {
	f := New()
	ctx := context.Background()

	repo := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "nopea.io/v1alpha1",
		"kind":       "GitOpsRepository",
		"metadata":   map[string]interface{}{"namespace": "acme", "name": "repo1"},
		"spec":       map[string]interface{}{"url": "https://example/repo.git"},
	}}
	_, err := f.Apply(ctx, repo)
	require.NoError(t, err)

	err = f.UpdateStatus(ctx, "acme", "repo1", k8sops.StatusFields(model.PhaseSynced, "abc1234", "ok", 3, nil))
	require.NoError(t, err)

	got, err := f.Get(ctx, "nopea.io/v1alpha1", "GitOpsRepository", "acme", "repo1")
	require.NoError(t, err)
	status := got.Object["status"].(map[string]interface{})
	assert.Equal(t, "Synced", status["phase"])
}

func TestUpdateStatusWithoutPriorApplyFails(t *testing.T) {
	f := New()
	err := f.UpdateStatus(context.Background(), "acme", "ghost", map[string]interface{}{"phase": "Failed"})
	assert.Error(t, err)
}

func TestApplyErrOverride(t *testing.T) {
	f := New()
	f.ApplyErr = assert.AnError
	_, err := f.Apply(context.Background(), configMap("acme", "app"))
	assert.ErrorIs(t, err, assert.AnError)
}
