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
	"github.com/nopea-io/gitops-reconciler/internal/model"
)

// Classification is the result of comparing last-applied, desired and live
// state for a single resource.
type Classification string

const (
	NoDrift     Classification = "NoDrift"
	GitChange   Classification = "GitChange"
	ManualDrift Classification = "ManualDrift"
	Conflict    Classification = "Conflict"
	NewResource Classification = "NewResource"
	NeedsApply  Classification = "NeedsApply"
)

// Classify runs the three-way diff for a single resource. lastApplied and
// live may be nil to represent absence; desired must never be nil.
func Classify(lastApplied, desired, live *model.Manifest) (Classification, error) {
	if lastApplied == nil && live == nil {
		return NewResource, nil
	}
	if lastApplied == nil && live != nil {
		return NeedsApply, nil
	}

	lastAppliedVsDesired, err := hashEqual(lastApplied, desired)
	if err != nil {
		return "", err
	}
	liveVsLastApplied, err := hashEqual(live, lastApplied)
	if err != nil {
		return "", err
	}

	switch {
	case lastAppliedVsDesired && liveVsLastApplied:
		return NoDrift, nil
	case !lastAppliedVsDesired && liveVsLastApplied:
		return GitChange, nil
	case lastAppliedVsDesired && !liveVsLastApplied:
		return ManualDrift, nil
	default:
		return Conflict, nil
	}
}

func hashEqual(a, b *model.Manifest) (bool, error) {
	if a == nil || b == nil {
		return a == b, nil
	}
	ha, err := CanonicalHash(a)
	if err != nil {
		return false, err
	}
	hb, err := CanonicalHash(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}
