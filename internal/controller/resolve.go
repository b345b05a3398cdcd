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

package controller

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/nopea-io/gitops-reconciler/internal/model"
)

// resolveSpec derives a RepositorySpec straight from the live custom
// resource returned by list/watch, per the controller's obligation to
// hand workers the canonical spec rather than a value the caller could
// have gone stale on.
func resolveSpec(obj *unstructured.Unstructured) (model.RepositorySpec, error) {
	url, _, _ := unstructured.NestedString(obj.Object, "spec", "url")
	if url == "" {
		return model.RepositorySpec{}, fmt.Errorf("gitopsrepository %s/%s: spec.url is required", obj.GetNamespace(), obj.GetName())
	}
	targetNamespace, _, _ := unstructured.NestedString(obj.Object, "spec", "targetNamespace")
	if targetNamespace == "" {
		targetNamespace = obj.GetNamespace()
	}
	branch, _, _ := unstructured.NestedString(obj.Object, "spec", "branch")
	if branch == "" {
		branch = model.DefaultBranch
	}
	path, _, _ := unstructured.NestedString(obj.Object, "spec", "path")
	interval, _, _ := unstructured.NestedString(obj.Object, "spec", "interval")
	suspend, _, _ := unstructured.NestedBool(obj.Object, "spec", "suspend")
	healPolicyRaw, _, _ := unstructured.NestedString(obj.Object, "spec", "healPolicy")
	healGracePeriod, _, _ := unstructured.NestedString(obj.Object, "spec", "healGracePeriod")
	observedGeneration, _, _ := unstructured.NestedInt64(obj.Object, "status", "observedGeneration")
	secretRefName, _, _ := unstructured.NestedString(obj.Object, "spec", "secretRef", "name")

	return model.RepositorySpec{
		Name:               obj.GetName(),
		SourceNamespace:    obj.GetNamespace(),
		URL:                url,
		Branch:             branch,
		Subpath:            path,
		TargetNamespace:    targetNamespace,
		PollInterval:       model.ParseDuration(interval, model.DefaultPollInterval),
		Suspend:            suspend,
		HealPolicy:         resolveHealPolicy(healPolicyRaw),
		HealGracePeriod:    model.ParseDuration(healGracePeriod, 0),
		Generation:         obj.GetGeneration(),
		ObservedGeneration: observedGeneration,
		SecretRef:          secretRefName,
	}, nil
}

func resolveHealPolicy(raw string) model.HealPolicy {
	switch strings.ToLower(raw) {
	case "manual":
		return model.HealPolicyManual
	case "notify":
		return model.HealPolicyNotify
	default:
		return model.HealPolicyAuto
	}
}
