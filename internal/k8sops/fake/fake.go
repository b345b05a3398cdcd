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

// Package fake provides an in-memory K8sOps for tests: applied objects are
// tracked in a map keyed by kind/namespace/name, and status patches merge
// into whatever object is already stored there.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/nopea-io/gitops-reconciler/internal/k8sops"
	"github.com/nopea-io/gitops-reconciler/internal/model"
)

type objectKey struct {
	kind      string
	namespace string
	name      string
}

// K8sOps is a fake cluster backed by a plain map, safe for concurrent use.
type K8sOps struct {
	mu      sync.Mutex
	objects map[objectKey]*model.Manifest
	// ApplyErr, when set, is returned by every Apply call instead of applying.
	ApplyErr error
}

func New() *K8sOps {
	return &K8sOps{objects: make(map[objectKey]*model.Manifest)}
}

func keyOf(kind, namespace, name string) objectKey {
	return objectKey{kind: kind, namespace: namespace, name: name}
}

func (f *K8sOps) Get(_ context.Context, _ string, kind, namespace, name string) (*model.Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[keyOf(kind, namespace, name)]
	if !ok {
		return nil, nil
	}
	return obj.DeepCopy(), nil
}

func (f *K8sOps) Apply(_ context.Context, manifest *model.Manifest) (*model.Manifest, error) {
	if f.ApplyErr != nil {
		return nil, f.ApplyErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := manifest.DeepCopy()
	f.objects[keyOf(manifest.GetKind(), manifest.GetNamespace(), manifest.GetName())] = stored
	return stored.DeepCopy(), nil
}

func (f *K8sOps) UpdateStatus(_ context.Context, namespace, name string, status map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keyOf("GitOpsRepository", namespace, name)
	obj, ok := f.objects[key]
	if !ok {
		return fmt.Errorf("update status: no GitOpsRepository %s/%s applied yet", namespace, name)
	}
	obj = obj.DeepCopy()
	obj.Object["status"] = status
	f.objects[key] = obj
	return nil
}

// Objects returns a snapshot of every applied object, for test assertions.
func (f *K8sOps) Objects() []*model.Manifest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Manifest, 0, len(f.objects))
	for _, obj := range f.objects {
		out = append(out, obj.DeepCopy())
	}
	return out
}

var _ k8sops.K8sOps = (*K8sOps)(nil)
