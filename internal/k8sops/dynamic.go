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

package k8sops

import (
	"context"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/restmapper"

	"github.com/nopea-io/gitops-reconciler/internal/model"
)

// Dynamic is the real K8sOps implementation, built on client-go's dynamic
// client and a discovery-backed RESTMapper to resolve kind -> resource.
type Dynamic struct {
	Client dynamic.Interface
	Mapper *restmapper.DeferredDiscoveryRESTMapper
}

func (d *Dynamic) resource(apiVersion, kind, namespace string) (dynamic.ResourceInterface, schema.GroupVersionResource, error) {
	gv, err := schemaParseGroupVersion(apiVersion)
	if err != nil {
		return nil, schema.GroupVersionResource{}, err
	}
	mapping, err := d.Mapper.RESTMapping(schema.GroupKind{Group: gv.Group, Kind: kind}, gv.Version)
	if err != nil {
		return nil, schema.GroupVersionResource{}, fmt.Errorf("resolve mapping for %s/%s: %w", apiVersion, kind, err)
	}
	gvr := mapping.Resource
	if mapping.Scope.Name() == "namespace" {
		return d.Client.Resource(gvr).Namespace(namespace), gvr, nil
	}
	return d.Client.Resource(gvr), gvr, nil
}

func (d *Dynamic) Get(ctx context.Context, apiVersion, kind, namespace, name string) (*model.Manifest, error) {
	ri, _, err := d.resource(apiVersion, kind, namespace)
	if err != nil {
		return nil, err
	}
	obj, err := ri.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s %s/%s: %w", kind, namespace, name, err)
	}
	return obj, nil
}

func (d *Dynamic) Apply(ctx context.Context, manifest *model.Manifest) (*model.Manifest, error) {
	ri, _, err := d.resource(manifest.GetAPIVersion(), manifest.GetKind(), manifest.GetNamespace())
	if err != nil {
		return nil, err
	}

	data, err := manifest.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	applied, err := ri.Patch(ctx, manifest.GetName(), types.ApplyPatchType, data, metav1.PatchOptions{
		FieldManager: FieldManager,
		Force:        boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s %s/%s: %w", manifest.GetKind(), manifest.GetNamespace(), manifest.GetName(), err)
	}
	return applied, nil
}

func (d *Dynamic) UpdateStatus(ctx context.Context, namespace, name string, status map[string]interface{}) error {
	ri, _, err := d.resource(gitOpsRepositoryAPIVersion, gitOpsRepositoryKind, namespace)
	if err != nil {
		return err
	}
	patch := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": gitOpsRepositoryAPIVersion,
		"kind":       gitOpsRepositoryKind,
		"metadata":   map[string]interface{}{"name": name, "namespace": namespace},
		"status":     status,
	}}
	data, err := patch.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal status patch: %w", err)
	}
	_, err = ri.Patch(ctx, name, types.ApplyPatchType, data, metav1.PatchOptions{
		FieldManager: FieldManager,
		Force:        boolPtr(true),
	}, "status")
	if err != nil {
		return fmt.Errorf("update status of %s/%s: %w", namespace, name, err)
	}
	return nil
}

const (
	gitOpsRepositoryAPIVersion = "nopea.io/v1alpha1"
	gitOpsRepositoryKind       = "GitOpsRepository"
)

func boolPtr(b bool) *bool { return &b }

func schemaParseGroupVersion(apiVersion string) (schema.GroupVersion, error) {
	return schema.ParseGroupVersion(apiVersion)
}

var _ K8sOps = (*Dynamic)(nil)
