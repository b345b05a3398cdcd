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

// Package gitops declares the GitOps capability interface: the boundary
// between the reconciliation core and whatever actually speaks Git.
// Two implementations exist: internal/gitops/collab (a client for the
// external, co-located Git collaborator process) and internal/gitops/gitexec
// (go-git run in-process). internal/gitops/fake backs unit tests.
package gitops

import (
	"context"
	"errors"
	"time"
)

// ErrCollaboratorCrashed is surfaced when the collaborator process exits
// while a request is in flight or cannot be dialed.
var ErrCollaboratorCrashed = errors.New("git collaborator crashed")

// CommitInfo is the HEAD commit metadata returned by Head.
type CommitInfo struct {
	SHA       string
	Author    string
	Email     string
	Message   string
	Timestamp time.Time
}

// GitOps is the set of Git operations the SyncExecutor and Worker need.
// path is always the worker's own sanitized working directory.
type GitOps interface {
	// Sync clones into path if absent, else fetches and hard-resets to
	// origin/<branch>. Returns the resulting HEAD commit SHA.
	Sync(ctx context.Context, url, branch, path string, depth int) (string, error)
	// Files lists ".yaml"/".yml" files (excluding dot-prefixed ones) directly
	// under path/subpath, sorted alphabetically.
	Files(ctx context.Context, path, subpath string) ([]string, error)
	// Read returns the raw bytes of path/file.
	Read(ctx context.Context, path, file string) ([]byte, error)
	// Head returns the commit at the tip of path's current branch.
	Head(ctx context.Context, path string) (CommitInfo, error)
	// Checkout hard-resets path to sha and returns it back for confirmation.
	Checkout(ctx context.Context, path, sha string) (string, error)
	// LsRemote returns the current SHA of branch on url without fetching.
	LsRemote(ctx context.Context, url, branch string) (string, error)
}

// AuthRegistrar is implemented by GitOps backends that resolve
// per-repository transport credentials from a Kubernetes Secret. The
// Supervisor registers a repository's credentials before starting its
// worker and unregisters them once the worker stops, so a backend that
// doesn't need this (the collaborator sidecar resolves its own auth) simply
// doesn't implement it.
type AuthRegistrar interface {
	RegisterAuth(url, namespace, secretRefName string)
	UnregisterAuth(url string)
}
