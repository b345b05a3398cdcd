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
Package leaderelection implements a from-scratch Lease-based single-writer
election, operating directly on the coordination.k8s.io/v1 Lease object
through a controller-runtime client.Client. It owns the acquire/renew/take-over
transitions itself instead of delegating them to a manager, so the Controller
can observe each leadership edge explicitly.
*/
package leaderelection

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nopea-io/gitops-reconciler/internal/metrics"
)

// Config parameterizes one election.
type Config struct {
	LeaseName      string
	LeaseNamespace string
	HolderIdentity string

	LeaseDuration time.Duration // default 15s
	RenewDeadline time.Duration // default 10s
	RetryPeriod   time.Duration // default 2s
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 15 * time.Second
	}
	if c.RenewDeadline <= 0 {
		c.RenewDeadline = 10 * time.Second
	}
	if c.RetryPeriod <= 0 {
		c.RetryPeriod = 2 * time.Second
	}
	return c
}

// Elector drives one Lease-based election loop and publishes each
// leadership edge (never a repeated same-state notification) to OnChange.
type Elector struct {
	Client   client.Client
	Config   Config
	Log      logr.Logger
	OnChange func(leader bool)

	isLeader bool
	started  bool
}

func New(c client.Client, cfg Config, log logr.Logger, onChange func(leader bool)) *Elector {
	return &Elector{Client: c, Config: cfg.withDefaults(), Log: log.WithName("leaderelection"), OnChange: onChange}
}

// Run drives acquire/renew/retry cycles until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	e.tryAcquireOrRenew(ctx)

	for {
		interval := e.Config.RetryPeriod
		if e.isLeader {
			interval = e.Config.LeaseDuration / 2
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			e.tryAcquireOrRenew(ctx)
		}
	}
}

func (e *Elector) tryAcquireOrRenew(ctx context.Context) {
	leader, err := e.acquireOrRenew(ctx)
	if err != nil {
		e.Log.Error(err, "lease acquire/renew failed")
		metrics.LeaseRenewFailuresTotal.Add(ctx, 1)
		leader = false
	}
	e.transition(ctx, leader)
}

func (e *Elector) transition(ctx context.Context, leader bool) {
	if e.started && leader == e.isLeader {
		return
	}
	e.started = true
	e.isLeader = leader
	metrics.LeaderTransitionsTotal.Add(ctx, 1)
	e.Log.Info("leadership transition", "leader", leader)
	if e.OnChange != nil {
		e.OnChange(leader)
	}
}

// acquireOrRenew implements the acquire/renew/take-over/not-leader decision
// exactly per the state machine: create if absent, renew if we already hold
// it, take over if the current holder's lease has expired, otherwise
// not-leader.
func (e *Elector) acquireOrRenew(ctx context.Context) (bool, error) {
	now := metav1.NewMicroTime(time.Now())
	leaseDurationSeconds := int32(e.Config.LeaseDuration / time.Second)

	var lease coordinationv1.Lease
	err := e.Client.Get(ctx, types.NamespacedName{Namespace: e.Config.LeaseNamespace, Name: e.Config.LeaseName}, &lease)
	if apierrors.IsNotFound(err) {
		lease = coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{Name: e.Config.LeaseName, Namespace: e.Config.LeaseNamespace},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       ptr(e.Config.HolderIdentity),
				LeaseDurationSeconds: ptr(leaseDurationSeconds),
				AcquireTime:          &now,
				RenewTime:            &now,
				LeaseTransitions:     ptr(int32(0)),
			},
		}
		if createErr := e.Client.Create(ctx, &lease); createErr != nil {
			if apierrors.IsAlreadyExists(createErr) {
				return false, nil
			}
			return false, fmt.Errorf("create lease: %w", createErr)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("get lease: %w", err)
	}

	holder := ""
	if lease.Spec.HolderIdentity != nil {
		holder = *lease.Spec.HolderIdentity
	}

	if holder == e.Config.HolderIdentity {
		lease.Spec.RenewTime = &now
		lease.Spec.LeaseDurationSeconds = ptr(leaseDurationSeconds)
		if err := e.Client.Update(ctx, &lease); err != nil {
			return false, fmt.Errorf("renew lease: %w", err)
		}
		return true, nil
	}

	expired := lease.Spec.RenewTime == nil || time.Since(lease.Spec.RenewTime.Time) > e.Config.LeaseDuration
	if !expired {
		return false, nil
	}

	transitions := int32(0)
	if lease.Spec.LeaseTransitions != nil {
		transitions = *lease.Spec.LeaseTransitions
	}
	lease.Spec.HolderIdentity = ptr(e.Config.HolderIdentity)
	lease.Spec.LeaseDurationSeconds = ptr(leaseDurationSeconds)
	lease.Spec.AcquireTime = &now
	lease.Spec.RenewTime = &now
	lease.Spec.LeaseTransitions = ptr(transitions + 1)
	if err := e.Client.Update(ctx, &lease); err != nil {
		return false, fmt.Errorf("take over lease: %w", err)
	}
	return true, nil
}

// IsLeader reports the elector's last known state.
func (e *Elector) IsLeader() bool {
	return e.isLeader
}

func ptr[T any](v T) *T { return &v }
