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

package statestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/nopea-io/gitops-reconciler/internal/model"
	"github.com/nopea-io/gitops-reconciler/internal/types"
)

func TestCommitRoundTrip(t *testing.T) {
	s := New()
	_, ok := s.GetCommit("acme")
	assert.False(t, ok)

	sha, err := types.NewCommitSHA("abc123000000000000000000000000000000abcd")
	require.NoError(t, err)
	s.PutCommit("acme", sha)

	got, ok := s.GetCommit("acme")
	require.True(t, ok)
	assert.Equal(t, sha, got)

	s.DeleteCommit("acme")
	_, ok = s.GetCommit("acme")
	assert.False(t, ok)
}

func TestLastAppliedRoundTrip(t *testing.T) {
	s := New()
	key := types.NewResourceKey("ConfigMap", "prod", "app")
	manifest := &unstructured.Unstructured{Object: map[string]interface{}{"kind": "ConfigMap"}}

	s.PutLastApplied("acme", key, manifest)
	got, ok := s.GetLastApplied("acme", key)
	require.True(t, ok)
	assert.Same(t, manifest, got)

	assert.ElementsMatch(t, []types.ResourceKey{key}, s.ListLastApplied("acme"))

	s.ClearLastApplied("acme")
	assert.Empty(t, s.ListLastApplied("acme"))
}

func TestRecordDriftFirstSeenIsIdempotent(t *testing.T) {
	s := New()
	key := types.NewResourceKey("ConfigMap", "prod", "app")

	t0 := time.Now()
	first := s.RecordDriftFirstSeen("acme", key, t0)
	assert.Equal(t, t0, first)

	later := t0.Add(time.Minute)
	second := s.RecordDriftFirstSeen("acme", key, later)
	assert.Equal(t, t0, second, "second call must return the originally stored timestamp")
}

func TestClearRepositoryClearsEveryPartition(t *testing.T) {
	s := New()
	key := types.NewResourceKey("ConfigMap", "prod", "app")
	sha, _ := types.NewCommitSHA("abc123000000000000000000000000000000abcd")

	s.PutCommit("acme", sha)
	s.PutLastApplied("acme", key, &unstructured.Unstructured{})
	s.RecordDriftFirstSeen("acme", key, time.Now())
	s.PutSyncState("acme", SyncState{Commit: sha, Phase: model.PhaseSynced})

	s.ClearRepository("acme")

	_, ok := s.GetCommit("acme")
	assert.False(t, ok)
	assert.Empty(t, s.ListLastApplied("acme"))
	_, ok = s.GetDriftFirstSeen("acme", key)
	assert.False(t, ok)
	_, ok = s.GetSyncState("acme")
	assert.False(t, ok)
}
