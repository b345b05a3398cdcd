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

package drift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nopea-io/gitops-reconciler/internal/model"
	"github.com/nopea-io/gitops-reconciler/internal/statestore"
	"github.com/nopea-io/gitops-reconciler/internal/types"
)

func TestArbitrateManualDriftAutoNoGraceHealsImmediately(t *testing.T) {
	store := statestore.New()
	key := types.NewResourceKey("ConfigMap", "prod", "app")

	d := Arbitrate(store, "acme", key, ManualDrift, model.HealPolicyAuto, 0, false, time.Now())
	assert.Equal(t, ActionHealed, d.Action)
}

func TestArbitrateBreakGlassInhibitsManualDrift(t *testing.T) {
	store := statestore.New()
	key := types.NewResourceKey("ConfigMap", "prod", "app")

	d := Arbitrate(store, "acme", key, ManualDrift, model.HealPolicyAuto, 0, true, time.Now())
	assert.Equal(t, ActionSkipped, d.Action)
}

func TestArbitrateBreakGlassInhibitsGitChange(t *testing.T) {
	store := statestore.New()
	key := types.NewResourceKey("ConfigMap", "prod", "app")

	d := Arbitrate(store, "acme", key, GitChange, model.HealPolicyAuto, 0, true, time.Now())
	assert.Equal(t, ActionSkipped, d.Action)
}

func TestArbitrateGracePeriodMonotonicity(t *testing.T) {
	store := statestore.New()
	key := types.NewResourceKey("ConfigMap", "prod", "app")
	grace := 5 * time.Minute
	t0 := time.Now()

	d := Arbitrate(store, "acme", key, ManualDrift, model.HealPolicyAuto, grace, false, t0)
	assert.Equal(t, ActionSkipped, d.Action, "must not heal at detection time")

	d = Arbitrate(store, "acme", key, ManualDrift, model.HealPolicyAuto, grace, false, t0.Add(2*time.Minute))
	assert.Equal(t, ActionSkipped, d.Action, "must not heal within the grace period")

	d = Arbitrate(store, "acme", key, ManualDrift, model.HealPolicyAuto, grace, false, t0.Add(6*time.Minute))
	assert.Equal(t, ActionHealed, d.Action, "must heal once the grace period has elapsed")
}

func TestArbitrateManualPolicyNeverAutoHeals(t *testing.T) {
	store := statestore.New()
	key := types.NewResourceKey("ConfigMap", "prod", "app")

	d := Arbitrate(store, "acme", key, ManualDrift, model.HealPolicyManual, 0, false, time.Now())
	assert.Equal(t, ActionSkipped, d.Action)

	d = Arbitrate(store, "acme", key, ManualDrift, model.HealPolicyNotify, 0, false, time.Now())
	assert.Equal(t, ActionSkipped, d.Action)
}

func TestArbitrateNewResourceAndNeedsApplyAlwaysHeal(t *testing.T) {
	store := statestore.New()
	key := types.NewResourceKey("ConfigMap", "prod", "app")

	d := Arbitrate(store, "acme", key, NewResource, model.HealPolicyManual, 0, true, time.Now())
	assert.Equal(t, ActionHealed, d.Action)

	d = Arbitrate(store, "acme", key, NeedsApply, model.HealPolicyManual, 0, true, time.Now())
	assert.Equal(t, ActionHealed, d.Action)
}
