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

// Package model holds the in-memory value types the reconciliation core
// operates on, resolved from the GitOpsRepository custom resource.
package model

import (
	"fmt"
	"regexp"
	"time"
)

// HealPolicy governs whether detected drift is automatically re-applied.
type HealPolicy string

const (
	HealPolicyAuto   HealPolicy = "auto"
	HealPolicyManual HealPolicy = "manual"
	HealPolicyNotify HealPolicy = "notify"

	DefaultPollInterval = 5 * time.Minute
	DefaultBranch       = "main"
)

var durationPattern = regexp.MustCompile(`^(\d+)(s|m|h)$`)

// RepositorySpec is the immutable, resolved configuration for one repository,
// derived from a GitOpsRepository's spec at the moment the worker was started.
type RepositorySpec struct {
	Name               string
	SourceNamespace    string
	URL                string
	Branch             string
	Subpath            string
	TargetNamespace    string
	PollInterval       time.Duration
	Suspend            bool
	HealPolicy         HealPolicy
	HealGracePeriod    time.Duration // zero means heal immediately
	Generation         int64
	ObservedGeneration int64
	// SecretRef names a Secret in SourceNamespace holding Git credentials.
	// Empty means the repository is publicly readable.
	SecretRef string
}

// Validate rejects a spec missing required identifiers, mirroring the
// InvalidResource error kind the worker-start path surfaces.
func (s RepositorySpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("repository spec missing name")
	}
	if s.SourceNamespace == "" {
		return fmt.Errorf("repository spec %q missing source namespace", s.Name)
	}
	if s.URL == "" {
		return fmt.Errorf("repository spec %q missing url", s.Name)
	}
	return nil
}

// ParseDuration parses the "30s"/"5m"/"1h" grammar the CRD accepts,
// falling back to def when the string is empty or malformed.
func ParseDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	matches := durationPattern.FindStringSubmatch(raw)
	if matches == nil {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	if d <= 0 {
		return def
	}
	return d
}
