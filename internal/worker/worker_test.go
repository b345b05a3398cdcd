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

package worker

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	gitfake "github.com/nopea-io/gitops-reconciler/internal/gitops/fake"
	k8sfake "github.com/nopea-io/gitops-reconciler/internal/k8sops/fake"
	"github.com/nopea-io/gitops-reconciler/internal/model"
	"github.com/nopea-io/gitops-reconciler/internal/statestore"
	"github.com/nopea-io/gitops-reconciler/internal/types"
)

func TestSanitizeWorkDirName(t *testing.T) {
	assert.Equal(t, "acme_repo", SanitizeWorkDirName("acme/repo"))
	assert.Equal(t, "acme-repo_1", SanitizeWorkDirName("acme-repo.1"))
	assert.Equal(t, "already_ok-1", SanitizeWorkDirName("already_ok-1"))
}

func newTestWorker(t *testing.T, spec model.RepositorySpec) (*Worker, *gitfake.GitOps, *k8sfake.K8sOps) {
	t.Helper()
	git := gitfake.New()
	git.PushRevision(gitfake.Revision{
		SHA: "1111111111111111111111111111111111abcd",
		Files: []gitfake.File{
			{Path: "app.yaml", Content: []byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: app\ndata:\n  key: value\n")},
		},
	})
	k8s := k8sfake.New()
	_, err := k8s.Apply(context.Background(), &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "nopea.io/v1alpha1",
		"kind":       "GitOpsRepository",
		"metadata": map[string]interface{}{
			"name":      spec.Name,
			"namespace": spec.SourceNamespace,
		},
	}})
	require.NoError(t, err)
	store := statestore.New()
	w := New(spec, t.TempDir(), git, k8s, store, nil, logr.Discard())
	return w, git, k8s
}

func TestRunStartupSyncReachesSynced(t *testing.T) {
	spec := model.RepositorySpec{
		Name: "acme", SourceNamespace: "acme-ns", URL: "https://example/acme.git",
		Branch: "main", TargetNamespace: "acme-ns", PollInterval: time.Hour,
	}
	w, _, k8s := newTestWorker(t, spec)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	state := w.GetState()
	assert.Equal(t, model.PhaseSynced, state.Phase)
	assert.Equal(t, "1111111111111111111111111111111111abcd", state.LastCommit)
	assert.Len(t, k8s.Objects(), 2, "the applied ConfigMap plus the pre-seeded GitOpsRepository")

	repo, err := k8s.Get(context.Background(), "", "GitOpsRepository", spec.SourceNamespace, spec.Name)
	require.NoError(t, err)
	require.NotNil(t, repo)
	status, ok := repo.Object["status"].(map[string]interface{})
	require.True(t, ok, "status must be written after a successful sync")
	assert.Equal(t, "Synced", status["phase"])
	conditions, ok := status["conditions"].([]interface{})
	require.True(t, ok)
	require.Len(t, conditions, 1)
	condition := conditions[0].(map[string]interface{})
	assert.Equal(t, "Ready", condition["type"])
	assert.Equal(t, "True", condition["status"])
	assert.Equal(t, "SyncSucceeded", condition["reason"])

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestSyncNowReAppliesAndReportsState(t *testing.T) {
	spec := model.RepositorySpec{
		Name: "acme", SourceNamespace: "acme-ns", URL: "https://example/acme.git",
		Branch: "main", TargetNamespace: "acme-ns", PollInterval: time.Hour,
	}
	w, git, _ := newTestWorker(t, spec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	_ = w.GetState() // wait for startup sync to complete

	git.PushRevision(gitfake.Revision{
		SHA: "2222222222222222222222222222222222abcd",
		Files: []gitfake.File{
			{Path: "app.yaml", Content: []byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: app\ndata:\n  key: value2\n")},
		},
	})

	state := w.SyncNow()
	assert.Equal(t, "2222222222222222222222222222222222abcd", state.LastCommit)
	assert.Equal(t, model.PhaseSynced, state.Phase)
}

func TestWebhookTriggersAsyncSync(t *testing.T) {
	spec := model.RepositorySpec{
		Name: "acme", SourceNamespace: "acme-ns", URL: "https://example/acme.git",
		Branch: "main", TargetNamespace: "acme-ns", PollInterval: time.Hour,
	}
	w, git, _ := newTestWorker(t, spec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	_ = w.GetState()

	git.PushRevision(gitfake.Revision{
		SHA: "3333333333333333333333333333333333abcd",
		Files: []gitfake.File{
			{Path: "app.yaml", Content: []byte("apiVersion: v1\nkind: ConfigMap\nmetadata:\n  name: app\n")},
		},
	})
	w.Webhook("3333333333333333333333333333333333abcd")

	require.Eventually(t, func() bool {
		return w.GetState().LastCommit == "3333333333333333333333333333333333abcd"
	}, time.Second, 5*time.Millisecond)
}

func TestFailedSyncDoesNotClearPreviousState(t *testing.T) {
	spec := model.RepositorySpec{
		Name: "acme", SourceNamespace: "acme-ns", URL: "https://example/acme.git",
		Branch: "main", TargetNamespace: "acme-ns", PollInterval: time.Hour,
	}
	w, _, k8s := newTestWorker(t, spec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	first := w.GetState()
	require.Equal(t, model.PhaseSynced, first.Phase)

	k8s.ApplyErr = assert.AnError
	state := w.SyncNow()
	assert.Equal(t, model.PhaseFailed, state.Phase)
	assert.Equal(t, first.LastCommit, state.LastCommit, "failed sync must not clear the previously recorded commit")

	repo, err := k8s.Get(context.Background(), "", "GitOpsRepository", spec.SourceNamespace, spec.Name)
	require.NoError(t, err)
	status := repo.Object["status"].(map[string]interface{})
	conditions := status["conditions"].([]interface{})
	require.Len(t, conditions, 1)
	condition := conditions[0].(map[string]interface{})
	assert.Equal(t, "False", condition["status"])
	assert.Equal(t, "SyncFailed", condition["reason"])
}

func TestReconcileRecreatesOutOfBandDeletedObject(t *testing.T) {
	spec := model.RepositorySpec{
		Name: "acme", SourceNamespace: "acme-ns", URL: "https://example/acme.git",
		Branch: "main", TargetNamespace: "acme-ns", PollInterval: time.Hour,
		HealPolicy: model.HealPolicyAuto,
	}
	w, _, k8s := newTestWorker(t, spec)

	key := types.NewResourceKey("ConfigMap", "acme-ns", "app")
	lastApplied := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata": map[string]interface{}{
			"name":      "app",
			"namespace": "acme-ns",
		},
		"data": map[string]interface{}{"key": "value"},
	}}
	w.store.PutLastApplied(spec.Name, key, lastApplied)

	live, err := k8s.Get(context.Background(), "", "ConfigMap", "acme-ns", "app")
	require.NoError(t, err)
	require.Nil(t, live, "the object must not exist yet, simulating an out-of-band deletion")

	w.handleReconcile(context.Background())

	live, err = k8s.Get(context.Background(), "", "ConfigMap", "acme-ns", "app")
	require.NoError(t, err)
	require.NotNil(t, live, "healing a deleted object must recreate it")
	assert.Equal(t, "app", live.GetName())
}
