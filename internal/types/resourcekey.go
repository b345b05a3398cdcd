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

// Package types provides the small value objects shared across the
// reconciliation core: resource keys and commit SHAs.
package types

import (
	"fmt"
	"strings"
)

// defaultNamespace is substituted for manifests that omit metadata.namespace.
const defaultNamespace = "default"

// ResourceKey identifies a Kubernetes object by kind, namespace and name.
// It is comparable and safe to use as a map key.
type ResourceKey struct {
	Kind      string
	Namespace string
	Name      string
}

// NewResourceKey builds a ResourceKey, defaulting an empty namespace to "default".
func NewResourceKey(kind, namespace, name string) ResourceKey {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return ResourceKey{Kind: kind, Namespace: namespace, Name: name}
}

// String returns the canonical "Kind/Namespace/Name" text form.
func (k ResourceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Kind, k.Namespace, k.Name)
}

// ParseResourceKey parses the canonical "Kind/Namespace/Name" text form.
func ParseResourceKey(s string) (ResourceKey, error) {
	parts := strings.SplitN(s, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return ResourceKey{}, fmt.Errorf("invalid resource key %q: want Kind/Namespace/Name", s)
	}
	return ResourceKey{Kind: parts[0], Namespace: parts[1], Name: parts[2]}, nil
}
