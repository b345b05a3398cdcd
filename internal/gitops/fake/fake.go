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

// Package fake provides an in-memory GitOps implementation for unit tests,
// following the Design Notes' "capability interface with two
// implementations" guidance.
package fake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nopea-io/gitops-reconciler/internal/gitops"
)

// File is a single file to seed a fake repository with.
type File struct {
	Path    string // relative to the repository root, e.g. "deploy/app.yaml"
	Content []byte
}

// Revision is one commit worth of files, keyed by SHA.
type Revision struct {
	SHA   string
	Files []File
}

// GitOps is an in-memory stand-in for a real Git remote. Revisions are
// pushed in order with PushRevision; Sync/LsRemote always report the most
// recently pushed revision as the remote HEAD.
type GitOps struct {
	mu        sync.Mutex
	revisions []Revision
	checkedOut map[string]int // path -> index into revisions currently materialized
}

// New creates an empty fake with no revisions.
func New() *GitOps {
	return &GitOps{checkedOut: make(map[string]int)}
}

// PushRevision appends a new revision, becoming the new remote HEAD.
func (f *GitOps) PushRevision(rev Revision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revisions = append(f.revisions, rev)
}

func (f *GitOps) head() (Revision, error) {
	if len(f.revisions) == 0 {
		return Revision{}, fmt.Errorf("fake gitops: no revisions pushed")
	}
	return f.revisions[len(f.revisions)-1], nil
}

func (f *GitOps) Sync(_ context.Context, _, _, path string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rev, err := f.head()
	if err != nil {
		return "", err
	}
	f.checkedOut[path] = len(f.revisions) - 1
	return rev.SHA, nil
}

func (f *GitOps) Files(_ context.Context, path, subpath string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.checkedOut[path]
	if !ok {
		return nil, fmt.Errorf("fake gitops: %s not synced", path)
	}
	prefix := strings.Trim(subpath, "/")
	var out []string
	for _, file := range f.revisions[idx].Files {
		dir, name := splitDir(file.Path)
		if dir != prefix {
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func splitDir(p string) (dir, name string) {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

func (f *GitOps) Read(_ context.Context, path, file string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.checkedOut[path]
	if !ok {
		return nil, fmt.Errorf("fake gitops: %s not synced", path)
	}
	for _, rf := range f.revisions[idx].Files {
		if strings.HasSuffix(rf.Path, "/"+file) || rf.Path == file {
			return rf.Content, nil
		}
	}
	return nil, fmt.Errorf("fake gitops: file %s not found", file)
}

func (f *GitOps) Head(_ context.Context, path string) (gitops.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx, ok := f.checkedOut[path]
	if !ok {
		return gitops.CommitInfo{}, fmt.Errorf("fake gitops: %s not synced", path)
	}
	return gitops.CommitInfo{SHA: f.revisions[idx].SHA, Timestamp: time.Now()}, nil
}

func (f *GitOps) Checkout(_ context.Context, path, sha string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, rev := range f.revisions {
		if rev.SHA == sha {
			f.checkedOut[path] = i
			return sha, nil
		}
	}
	return "", fmt.Errorf("fake gitops: sha %s not found", sha)
}

func (f *GitOps) LsRemote(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rev, err := f.head()
	if err != nil {
		return "", err
	}
	return rev.SHA, nil
}
