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
	"time"

	"github.com/nopea-io/gitops-reconciler/internal/model"
	"github.com/nopea-io/gitops-reconciler/internal/statestore"
	"github.com/nopea-io/gitops-reconciler/internal/types"
)

// Action is the outcome of heal-policy arbitration for one classified resource.
type Action string

const (
	ActionHealed  Action = "healed"
	ActionSkipped Action = "skipped"
)

// Decision is the arbitration result for a single resource, ready to be
// turned into an apply call and a service.drifted event.
type Decision struct {
	Key            types.ResourceKey
	Classification Classification
	Action         Action
}

// Arbitrate decides, for a single classified resource, whether to heal now.
// now is passed in explicitly so callers can test grace-period boundaries
// deterministically.
func Arbitrate(
	store *statestore.Store,
	repo string,
	key types.ResourceKey,
	classification Classification,
	policy model.HealPolicy,
	gracePeriod time.Duration,
	breakGlass bool,
	now time.Time,
) Decision {
	d := Decision{Key: key, Classification: classification}

	switch classification {
	case NewResource, NeedsApply:
		d.Action = ActionHealed
		store.ClearDriftFirstSeen(repo, key)
		return d

	case GitChange:
		if breakGlass {
			d.Action = ActionSkipped
		} else {
			d.Action = ActionHealed
		}
		store.ClearDriftFirstSeen(repo, key)
		return d

	case ManualDrift, Conflict:
		if breakGlass || policy != model.HealPolicyAuto {
			d.Action = ActionSkipped
			return d
		}
		firstSeen := store.RecordDriftFirstSeen(repo, key, now)
		if gracePeriod <= 0 || now.Sub(firstSeen) >= gracePeriod {
			d.Action = ActionHealed
			store.ClearDriftFirstSeen(repo, key)
		} else {
			d.Action = ActionSkipped
		}
		return d

	case NoDrift:
		d.Action = ActionSkipped
		store.ClearDriftFirstSeen(repo, key)
		return d

	default:
		d.Action = ActionSkipped
		return d
	}
}
