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
Package supervisor keeps the at-most-one-worker-per-repository invariant: a
mutex-guarded registry mapping repository name to its running worker, with a
start/stop/lookup/list lifecycle.

Only single-process mode is implemented end-to-end here: the Registry
interface is the seam a cluster-wide, CRDT-backed registry would sit
behind (see DESIGN.md for that Open Question's resolution), but this
package supplies only the in-process implementation.
*/
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/nopea-io/gitops-reconciler/internal/cdevents"
	"github.com/nopea-io/gitops-reconciler/internal/gitops"
	"github.com/nopea-io/gitops-reconciler/internal/k8sops"
	"github.com/nopea-io/gitops-reconciler/internal/metrics"
	"github.com/nopea-io/gitops-reconciler/internal/model"
	"github.com/nopea-io/gitops-reconciler/internal/statestore"
	"github.com/nopea-io/gitops-reconciler/internal/worker"
)

// Registry is the start/stop/lookup/list contract the Controller drives.
// The single-process Supervisor below is the only implementation this
// module ships; a cluster-wide implementation would satisfy the same
// interface.
type Registry interface {
	StartWorker(ctx context.Context, spec model.RepositorySpec) error
	StopWorker(name string)
	Lookup(name string) (*worker.Worker, bool)
	List() []string
}

type entry struct {
	w      *worker.Worker
	cancel context.CancelFunc
	done   chan struct{}
	url    string
}

// Supervisor is the in-process, single-node worker registry.
type Supervisor struct {
	baseDir string
	git     gitops.GitOps
	k8s     k8sops.K8sOps
	store   *statestore.Store
	emit    *cdevents.Emitter
	log     logr.Logger

	mu       sync.Mutex
	children map[string]*entry
}

// New builds a Supervisor. baseDir is the parent directory each worker's
// sanitized working directory is created under.
func New(baseDir string, git gitops.GitOps, k8s k8sops.K8sOps, store *statestore.Store, emit *cdevents.Emitter, log logr.Logger) *Supervisor {
	return &Supervisor{
		baseDir:  baseDir,
		git:      git,
		k8s:      k8s,
		store:    store,
		emit:     emit,
		log:      log.WithName("supervisor"),
		children: make(map[string]*entry),
	}
}

// StartWorker starts a worker for spec.Name if one is not already running.
// Starting an already-running repository is a no-op, matching the
// at-most-one-worker-per-repository invariant.
func (s *Supervisor) StartWorker(ctx context.Context, spec model.RepositorySpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid repository spec: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.children[spec.Name]; exists {
		return nil
	}

	if reg, ok := s.git.(gitops.AuthRegistrar); ok {
		reg.RegisterAuth(spec.URL, spec.SourceNamespace, spec.SecretRef)
	}

	w := worker.New(spec, s.baseDir, s.git, s.k8s, s.store, s.emit, s.log)
	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if !runRecovering(workerCtx, w.Run, s.log, spec.Name) {
				return
			}
			if workerCtx.Err() != nil {
				return
			}
			metrics.WorkerRestartsTotal.Add(workerCtx, 1)
			s.log.Info("restarting worker after panic", "repo", spec.Name)
		}
	}()

	s.children[spec.Name] = &entry{w: w, cancel: cancel, done: done, url: spec.URL}
	s.log.Info("worker started", "repo", spec.Name)
	return nil
}

// runRecovering runs run to completion, recovering a panic instead of
// letting it take down the whole process. It reports whether the run
// crashed, so the caller can decide whether to restart it.
func runRecovering(ctx context.Context, run func(context.Context), log logr.Logger, name string) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Errorf("%v", r), "worker panicked", "repo", name)
			crashed = true
		}
	}()
	run(ctx)
	return false
}

// StopWorker cancels and removes the worker for name, if any. It waits for
// the worker's goroutine to exit before returning, bounding a caller's
// graceful-stop budget to the worker's own cancellation latency.
func (s *Supervisor) StopWorker(name string) {
	s.mu.Lock()
	e, exists := s.children[name]
	if exists {
		delete(s.children, name)
	}
	s.mu.Unlock()

	if !exists {
		return
	}
	e.w.Stop()
	e.cancel()
	<-e.done
	if reg, ok := s.git.(gitops.AuthRegistrar); ok {
		reg.UnregisterAuth(e.url)
	}
	s.log.Info("worker stopped", "repo", name)
}

// Lookup returns the running worker for name, if any.
func (s *Supervisor) Lookup(name string) (*worker.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.children[name]
	if !ok {
		return nil, false
	}
	return e.w, true
}

// List returns the names of every currently running worker.
func (s *Supervisor) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.children))
	for name := range s.children {
		names = append(names, name)
	}
	return names
}

var _ Registry = (*Supervisor)(nil)
