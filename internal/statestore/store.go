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
Package statestore holds the in-memory, process-lifetime state the
reconciliation core needs between sync and reconcile cycles: the last
synced commit per repository, the desired-state manifest we last wrote
for each resource, drift grace-period timestamps, and a summary of each
worker's sync state.

Each partition is an independent map behind its own lock (a sync.RWMutex,
or a plain sync.Mutex for the drift timestamps). Workers only ever
write under their own repository key, so there is no write-write
contention across repositories in practice.
*/
package statestore

import (
	"sync"
	"time"

	"github.com/nopea-io/gitops-reconciler/internal/model"
	"github.com/nopea-io/gitops-reconciler/internal/types"
)

// SyncState is the summary record written after every cycle.
type SyncState struct {
	Commit     types.CommitSHA
	LastSyncAt time.Time
	Phase      model.Phase
}

type lastAppliedKey struct {
	repo string
	key  types.ResourceKey
}

type driftKey = lastAppliedKey

// Store is the process-wide, concurrency-safe state keeper.
// It is safe for use by multiple goroutines.
type Store struct {
	commitsMu sync.RWMutex
	commits   map[string]types.CommitSHA

	appliedMu sync.RWMutex
	applied   map[lastAppliedKey]*model.Manifest

	driftMu sync.Mutex
	drift   map[driftKey]time.Time

	syncMu sync.RWMutex
	sync   map[string]SyncState
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		commits: make(map[string]types.CommitSHA),
		applied: make(map[lastAppliedKey]*model.Manifest),
		drift:   make(map[driftKey]time.Time),
		sync:    make(map[string]SyncState),
	}
}

// PutCommit records the last successfully synced commit for repo.
func (s *Store) PutCommit(repo string, sha types.CommitSHA) {
	s.commitsMu.Lock()
	defer s.commitsMu.Unlock()
	s.commits[repo] = sha
}

// GetCommit returns the last synced commit for repo, if any.
func (s *Store) GetCommit(repo string) (types.CommitSHA, bool) {
	s.commitsMu.RLock()
	defer s.commitsMu.RUnlock()
	sha, ok := s.commits[repo]
	return sha, ok
}

// DeleteCommit removes the tracked commit for repo.
func (s *Store) DeleteCommit(repo string) {
	s.commitsMu.Lock()
	defer s.commitsMu.Unlock()
	delete(s.commits, repo)
}

// PutLastApplied records the normalized manifest we last wrote for a resource.
func (s *Store) PutLastApplied(repo string, key types.ResourceKey, manifest *model.Manifest) {
	s.appliedMu.Lock()
	defer s.appliedMu.Unlock()
	s.applied[lastAppliedKey{repo: repo, key: key}] = manifest
}

// GetLastApplied returns the last-applied manifest for a resource, if any.
func (s *Store) GetLastApplied(repo string, key types.ResourceKey) (*model.Manifest, bool) {
	s.appliedMu.RLock()
	defer s.appliedMu.RUnlock()
	m, ok := s.applied[lastAppliedKey{repo: repo, key: key}]
	return m, ok
}

// ListLastApplied returns every tracked resource key for repo.
func (s *Store) ListLastApplied(repo string) []types.ResourceKey {
	s.appliedMu.RLock()
	defer s.appliedMu.RUnlock()
	out := make([]types.ResourceKey, 0)
	for k := range s.applied {
		if k.repo == repo {
			out = append(out, k.key)
		}
	}
	return out
}

// DeleteLastApplied removes a single tracked resource.
func (s *Store) DeleteLastApplied(repo string, key types.ResourceKey) {
	s.appliedMu.Lock()
	defer s.appliedMu.Unlock()
	delete(s.applied, lastAppliedKey{repo: repo, key: key})
}

// ClearLastApplied removes every tracked resource for repo.
func (s *Store) ClearLastApplied(repo string) {
	s.appliedMu.Lock()
	defer s.appliedMu.Unlock()
	for k := range s.applied {
		if k.repo == repo {
			delete(s.applied, k)
		}
	}
}

// RecordDriftFirstSeen inserts now() on first call for a key and returns the
// stored timestamp on every subsequent call; it is idempotent.
func (s *Store) RecordDriftFirstSeen(repo string, key types.ResourceKey, now time.Time) time.Time {
	s.driftMu.Lock()
	defer s.driftMu.Unlock()
	k := driftKey{repo: repo, key: key}
	if existing, ok := s.drift[k]; ok {
		return existing
	}
	s.drift[k] = now
	return now
}

// GetDriftFirstSeen returns the recorded grace-period start, if any.
func (s *Store) GetDriftFirstSeen(repo string, key types.ResourceKey) (time.Time, bool) {
	s.driftMu.Lock()
	defer s.driftMu.Unlock()
	t, ok := s.drift[driftKey{repo: repo, key: key}]
	return t, ok
}

// ClearDriftFirstSeen removes the grace-period timestamp for a single resource.
func (s *Store) ClearDriftFirstSeen(repo string, key types.ResourceKey) {
	s.driftMu.Lock()
	defer s.driftMu.Unlock()
	delete(s.drift, driftKey{repo: repo, key: key})
}

// ClearAllDriftTimestamps removes every grace-period timestamp for repo.
func (s *Store) ClearAllDriftTimestamps(repo string) {
	s.driftMu.Lock()
	defer s.driftMu.Unlock()
	for k := range s.drift {
		if k.repo == repo {
			delete(s.drift, k)
		}
	}
}

// PutSyncState records the latest sync summary for repo.
func (s *Store) PutSyncState(repo string, state SyncState) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	s.sync[repo] = state
}

// GetSyncState returns the latest sync summary for repo, if any.
func (s *Store) GetSyncState(repo string) (SyncState, bool) {
	s.syncMu.RLock()
	defer s.syncMu.RUnlock()
	state, ok := s.sync[repo]
	return state, ok
}

// ClearRepository removes every partition's entries for repo. Called when
// the custom resource backing it is deleted.
func (s *Store) ClearRepository(repo string) {
	s.DeleteCommit(repo)
	s.ClearLastApplied(repo)
	s.ClearAllDriftTimestamps(repo)
	s.syncMu.Lock()
	delete(s.sync, repo)
	s.syncMu.Unlock()
}
