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
Package worker implements the per-repository state machine: one goroutine per
GitOpsRepository, driving sync and drift-reconcile cycles from a buffered
channel of tagged messages. A worker syncs on a schedule or on demand, then
reconciles drift on a slower schedule, all serialized through its own channel
so a single repository never has two syncs or reconciles running at once.
*/
package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/nopea-io/gitops-reconciler/internal/cdevents"
	"github.com/nopea-io/gitops-reconciler/internal/drift"
	"github.com/nopea-io/gitops-reconciler/internal/gitops"
	"github.com/nopea-io/gitops-reconciler/internal/k8sops"
	"github.com/nopea-io/gitops-reconciler/internal/metrics"
	"github.com/nopea-io/gitops-reconciler/internal/model"
	"github.com/nopea-io/gitops-reconciler/internal/statestore"
	"github.com/nopea-io/gitops-reconciler/internal/syncexec"
	"github.com/nopea-io/gitops-reconciler/internal/types"
)

var workDirSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeWorkDirName replaces every character outside [A-Za-z0-9_-] with '_'.
func SanitizeWorkDirName(repoName string) string {
	return workDirSanitizer.ReplaceAllString(repoName, "_")
}

type msgKind int

const (
	msgWebhook msgKind = iota
	msgSyncNow
	msgGetState
	msgStop
)

type message struct {
	kind   msgKind
	commit string
	reply  chan State
}

// State is a snapshot of the worker's observable status.
type State struct {
	Phase      model.Phase
	LastCommit string
	LastSyncAt time.Time
}

// Worker drives one GitOpsRepository's sync and reconcile cycles.
type Worker struct {
	spec    model.RepositorySpec
	workDir string

	git   gitops.GitOps
	k8s   k8sops.K8sOps
	store *statestore.Store
	log   logr.Logger
	emit  *cdevents.Emitter

	inbox chan message

	phase      model.Phase
	lastCommit string
	lastSyncAt time.Time
	conditions []metav1.Condition
}

// New builds a worker for spec. baseDir is the parent directory every
// worker's sanitized working directory is joined to. emit may be nil, in
// which case no outbound events are published.
func New(spec model.RepositorySpec, baseDir string, git gitops.GitOps, k8s k8sops.K8sOps, store *statestore.Store, emit *cdevents.Emitter, log logr.Logger) *Worker {
	return &Worker{
		spec:    spec,
		workDir: filepath.Join(baseDir, SanitizeWorkDirName(spec.Name)),
		git:     git,
		k8s:     k8s,
		store:   store,
		emit:    emit,
		log:     log.WithValues("repo", spec.Name),
		inbox:   make(chan message, 32),
		phase:   model.PhaseInitializing,
	}
}

// Run drives the worker's message loop until ctx is cancelled or a Stop
// message is processed. It blocks, so callers run it in its own goroutine.
// The first thing it does is a startup sync, per the state machine's
// Initializing -> Syncing edge.
func (w *Worker) Run(ctx context.Context) {
	metrics.WorkerActiveTotal.Add(ctx, 1)
	defer metrics.WorkerActiveTotal.Add(ctx, -1)

	pollInterval := w.spec.PollInterval
	if pollInterval <= 0 {
		pollInterval = model.DefaultPollInterval
	}
	reconcileInterval := 2 * pollInterval

	pollTimer := time.NewTimer(pollInterval)
	reconcileTimer := time.NewTimer(reconcileInterval)
	defer pollTimer.Stop()
	defer reconcileTimer.Stop()

	w.handleFullSync(ctx, "startup_sync")

	for {
		select {
		case <-ctx.Done():
			return

		case <-pollTimer.C:
			cycleStart := time.Now()
			w.handlePoll(ctx)
			metrics.WorkerCycleDurationSeconds.Record(ctx, time.Since(cycleStart).Seconds())
			resetTimer(pollTimer, pollInterval)

		case <-reconcileTimer.C:
			cycleStart := time.Now()
			w.handleReconcile(ctx)
			metrics.WorkerCycleDurationSeconds.Record(ctx, time.Since(cycleStart).Seconds())
			resetTimer(reconcileTimer, reconcileInterval)

		case m, ok := <-w.inbox:
			if !ok {
				return
			}
			switch m.kind {
			case msgWebhook:
				w.handleFullSync(ctx, "webhook")
				resetTimer(pollTimer, pollInterval)
			case msgSyncNow:
				w.handleFullSync(ctx, "sync_now")
				resetTimer(pollTimer, pollInterval)
				if m.reply != nil {
					m.reply <- w.State()
				}
			case msgGetState:
				if m.reply != nil {
					m.reply <- w.State()
				}
			case msgStop:
				return
			}
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// Webhook enqueues an immediate sync triggered by an inbound webhook delivery.
// commit is informational only: the executor always re-resolves HEAD itself.
func (w *Worker) Webhook(commit string) {
	w.inbox <- message{kind: msgWebhook, commit: commit}
}

// SyncNow enqueues an immediate sync and blocks until it completes.
func (w *Worker) SyncNow() State {
	reply := make(chan State, 1)
	w.inbox <- message{kind: msgSyncNow, reply: reply}
	return <-reply
}

// GetState returns the worker's current status via the inbox round trip, so
// it is safe to call from any goroutine once Run has started.
func (w *Worker) GetState() State {
	reply := make(chan State, 1)
	w.inbox <- message{kind: msgGetState, reply: reply}
	return <-reply
}

// Stop asks the worker's Run loop to exit.
func (w *Worker) Stop() {
	w.inbox <- message{kind: msgStop}
}

func (w *Worker) State() State {
	return State{Phase: w.phase, LastCommit: w.lastCommit, LastSyncAt: w.lastSyncAt}
}

func (w *Worker) handlePoll(ctx context.Context) {
	if w.spec.Suspend {
		return
	}
	sha, err := w.git.LsRemote(ctx, w.spec.URL, w.spec.Branch)
	if err != nil {
		w.log.Error(err, "poll ls-remote failed")
		return
	}
	if sha == w.lastCommit {
		return
	}
	w.handleFullSync(ctx, "poll")
}

func (w *Worker) handleFullSync(ctx context.Context, trigger string) {
	if err := w.runSync(ctx); err != nil {
		w.log.Error(err, "sync failed", "trigger", trigger)
	}
}

// runSync executes one SyncExecutor pass and folds the result into worker
// state, the StateStore, and outbound events. A failed sync never clears
// previously recorded state, per the worker's failure contract.
func (w *Worker) runSync(ctx context.Context) error {
	w.phase = model.PhaseSyncing

	start := time.Now()
	result, err := syncexec.Execute(ctx, w.spec, w.workDir, w.git, w.k8s)
	metrics.SyncDurationSeconds.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		w.phase = model.PhaseFailed
		w.recordSyncState()
		w.writeStatus(ctx, k8sops.ReasonSyncFailed, metav1.ConditionFalse, fmt.Sprintf("sync failed: %v", err))
		metrics.SyncRunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "failure")))
		recordSyncFailureMetric(ctx, err)
		if w.emit != nil {
			_ = w.emit.EmitServiceRemoved(w.spec.Name, w.lastCommit, err.Error())
		}
		return err
	}
	metrics.SyncRunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "success")))

	firstSuccess := w.lastCommit == ""
	commitChanged := w.lastCommit != result.Commit

	w.lastCommit = result.Commit
	w.lastSyncAt = time.Now()
	w.phase = model.PhaseSynced

	metrics.ManifestsAppliedTotal.Add(ctx, int64(len(result.Applied)))

	if sha, shaErr := types.NewCommitSHA(result.Commit); shaErr == nil {
		w.store.PutCommit(w.spec.Name, sha)
	}
	for _, applied := range result.Applied {
		key := types.NewResourceKey(applied.GetKind(), applied.GetNamespace(), applied.GetName())
		w.store.PutLastApplied(w.spec.Name, key, drift.Normalize(applied))
	}
	w.recordSyncState()
	w.writeStatus(ctx, k8sops.ReasonSyncSucceeded, metav1.ConditionTrue, fmt.Sprintf("synced %d manifests at %s", len(result.Applied), result.Commit))

	if w.emit != nil {
		if firstSuccess {
			_ = w.emit.EmitServiceSync(cdevents.TypeServiceDeployed, w.spec.Name, result.Commit)
		} else if commitChanged {
			_ = w.emit.EmitServiceSync(cdevents.TypeServiceUpgraded, w.spec.Name, result.Commit)
		}
	}

	return nil
}

// recordSyncFailureMetric increments the counter matching the pipeline
// stage syncexec.Execute failed at. Failures that never reach a distinct
// stage (git sync, file listing) have no dedicated counter and are covered
// only by SyncRunsTotal's failure outcome.
func recordSyncFailureMetric(ctx context.Context, err error) {
	var syncErr *syncexec.Error
	if !errors.As(err, &syncErr) {
		return
	}
	switch syncErr.Kind {
	case syncexec.ParseFailed:
		n := len(syncErr.Errs)
		if n == 0 {
			n = 1
		}
		metrics.ParseFailuresTotal.Add(ctx, int64(n))
	case syncexec.ApplyFailed:
		metrics.ApplyFailuresTotal.Add(ctx, 1)
	}
}

func (w *Worker) recordSyncState() {
	sha, _ := types.NewCommitSHA(w.lastCommit)
	w.store.PutSyncState(w.spec.Name, statestore.SyncState{
		Commit:     sha,
		LastSyncAt: w.lastSyncAt,
		Phase:      w.phase,
	})
}

// writeStatus upserts the Ready condition and patches the GitOpsRepository's
// status subresource. Failures here are logged, not returned: a status write
// failure never rolls back a sync or reconcile outcome that already happened.
func (w *Worker) writeStatus(ctx context.Context, reason string, status metav1.ConditionStatus, message string) {
	w.conditions = k8sops.UpsertCondition(w.conditions, k8sops.ConditionReady, status, reason, message, w.spec.ObservedGeneration)
	fields := k8sops.StatusFields(w.phase, w.lastCommit, message, w.spec.ObservedGeneration, w.conditions)
	if err := w.k8s.UpdateStatus(ctx, w.spec.SourceNamespace, w.spec.Name, fields); err != nil {
		w.log.Error(err, "status update failed")
	}
}

// handleReconcile runs a drift-detection pass without re-fetching Git,
// classifying and arbitrating every resource this worker last applied.
func (w *Worker) handleReconcile(ctx context.Context) {
	if w.spec.Suspend {
		return
	}

	now := time.Now()
	var healed, detected int
	for _, key := range w.store.ListLastApplied(w.spec.Name) {
		lastApplied, ok := w.store.GetLastApplied(w.spec.Name, key)
		if !ok {
			continue
		}

		live, err := w.k8s.Get(ctx, lastApplied.GetAPIVersion(), key.Kind, key.Namespace, key.Name)
		if err != nil {
			w.log.Error(err, "reconcile: get live object failed", "resource", key.String())
			continue
		}

		classification, err := drift.Classify(lastApplied, lastApplied, live)
		if err != nil {
			w.log.Error(err, "reconcile: classify failed", "resource", key.String())
			continue
		}

		breakGlass := drift.HasBreakGlass(live)
		decision := drift.Arbitrate(w.store, w.spec.Name, key, classification, w.spec.HealPolicy, w.spec.HealGracePeriod, breakGlass, now)
		metrics.DriftClassificationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("classification", string(classification))))

		if decision.Action == drift.ActionHealed {
			// live == nil means the object was deleted out-of-band; Apply's
			// server-side apply patch creates it, so no separate branch is
			// needed to recreate versus update.
			if _, err := w.k8s.Apply(ctx, lastApplied); err != nil {
				w.log.Error(err, "reconcile: heal apply failed", "resource", key.String())
				w.emitDrift(decision, cdevents.ActionSkipped)
				metrics.DriftSkipsTotal.Add(ctx, 1)
				continue
			}
			metrics.DriftHealsTotal.Add(ctx, 1)
			w.emitDrift(decision, cdevents.ActionHealed)
			healed++
		} else {
			metrics.DriftSkipsTotal.Add(ctx, 1)
			action := cdevents.ActionSkipped
			if w.spec.HealPolicy == model.HealPolicyNotify {
				action = cdevents.ActionReported
			}
			w.emitDrift(decision, action)
			if classification != drift.NoDrift {
				detected++
			}
		}
	}

	switch {
	case healed > 0:
		w.writeStatus(ctx, k8sops.ReasonDriftHealed, metav1.ConditionTrue, fmt.Sprintf("healed drift on %d resources", healed))
	case detected > 0:
		w.writeStatus(ctx, k8sops.ReasonDriftDetected, metav1.ConditionFalse, fmt.Sprintf("drift detected on %d resources", detected))
	}
}

// emitDrift reports the outcome that actually happened for decision.Key.
// action must reflect a completed apply, never the arbitrated intent alone,
// since the sink is meant to describe what the cluster did.
func (w *Worker) emitDrift(decision drift.Decision, action cdevents.DriftAction) {
	if w.emit == nil {
		return
	}
	_ = w.emit.EmitServiceDrifted(w.spec.Name, decision.Key, string(decision.Classification), action)
}
