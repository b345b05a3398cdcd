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

/*
Package gitexec is a real, in-process GitOps implementation built directly
on go-git, for environments that do not run the external collaborator
sidecar (see internal/gitops/collab). It reproduces the same clone-if-
absent/fetch-and-reset shape as the collaborator's own sync operation.
*/
package gitexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nopea-io/gitops-reconciler/api/v1alpha1"
	"github.com/nopea-io/gitops-reconciler/internal/gitops"
)

type repoAuth struct {
	namespace string
	secretRef string
}

// GitOps is a GitOps implementation backed by an in-process go-git checkout
// per worker working directory. Client, when set, is used to resolve a
// repository's SecretRef into transport credentials; leaving it nil means
// every repository is treated as anonymously readable.
type GitOps struct {
	Client client.Client

	mu    sync.Mutex
	creds map[string]repoAuth
}

// RegisterAuth associates url with the Secret named secretRefName in
// namespace. Called by the Supervisor before starting a repository's
// worker. An empty secretRefName is a no-op, matching the CRD's optional
// SecretRef.
func (g *GitOps) RegisterAuth(url, namespace, secretRefName string) {
	if secretRefName == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.creds == nil {
		g.creds = make(map[string]repoAuth)
	}
	g.creds[url] = repoAuth{namespace: namespace, secretRef: secretRefName}
}

// UnregisterAuth forgets url's credentials. Called once its worker stops.
func (g *GitOps) UnregisterAuth(url string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.creds, url)
}

var _ gitops.AuthRegistrar = (*GitOps)(nil)

func (g *GitOps) auth(ctx context.Context, url string) (transport.AuthMethod, error) {
	if g.Client == nil {
		return nil, nil
	}
	g.mu.Lock()
	entry, ok := g.creds[url]
	g.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return SecretAuth(ctx, g.Client, entry.namespace, &v1alpha1.LocalObjectReference{Name: entry.secretRef})
}

func (g *GitOps) Sync(ctx context.Context, url, branch, path string, depth int) (string, error) {
	if depth <= 0 {
		depth = 1
	}
	auth, err := g.auth(ctx, url)
	if err != nil {
		return "", fmt.Errorf("resolve auth: %w", err)
	}

	var repo *git.Repository
	if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
		repo, err = fetchAndReset(ctx, path, branch, auth)
		if err != nil {
			return "", err
		}
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("create work dir: %w", err)
		}
		repo, err = git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
			URL:           url,
			Auth:          auth,
			ReferenceName: plumbing.NewBranchReferenceName(branch),
			SingleBranch:  true,
			Depth:         depth,
		})
		if err != nil {
			return "", fmt.Errorf("clone %s: %w", url, err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve head: %w", err)
	}
	return head.Hash().String(), nil
}

func fetchAndReset(ctx context.Context, path, branch string, auth transport.AuthMethod) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	remote, err := repo.Remote("origin")
	if err != nil {
		return nil, fmt.Errorf("resolve origin: %w", err)
	}

	refspec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/remotes/origin/%s", branch, branch))
	err = remote.FetchContext(ctx, &git.FetchOptions{
		Auth:     auth,
		RefSpecs: []config.RefSpec{refspec},
		Force:    true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve origin/%s: %w", branch, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset}); err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}

	return repo, nil
}

func (g *GitOps) Files(_ context.Context, path, subpath string) ([]string, error) {
	dir := path
	if subpath != "" {
		dir = filepath.Join(path, subpath)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

func (g *GitOps) Read(_ context.Context, path, file string) ([]byte, error) {
	full := filepath.Join(path, file)
	b, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", full, err)
	}
	return b, nil
}

func (g *GitOps) Head(_ context.Context, path string) (gitops.CommitInfo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return gitops.CommitInfo{}, fmt.Errorf("open %s: %w", path, err)
	}
	head, err := repo.Head()
	if err != nil {
		return gitops.CommitInfo{}, fmt.Errorf("resolve head: %w", err)
	}
	commit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return gitops.CommitInfo{}, fmt.Errorf("resolve commit: %w", err)
	}
	return gitops.CommitInfo{
		SHA:       commit.Hash.String(),
		Author:    commit.Author.Name,
		Email:     commit.Author.Email,
		Message:   commit.Message,
		Timestamp: commit.Author.When,
	}, nil
}

func (g *GitOps) Checkout(_ context.Context, path, sha string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: plumbing.NewHash(sha), Mode: git.HardReset}); err != nil {
		return "", fmt.Errorf("reset to %s: %w", sha, err)
	}
	return sha, nil
}

func (g *GitOps) LsRemote(ctx context.Context, url, branch string) (string, error) {
	auth, err := g.auth(ctx, url)
	if err != nil {
		return "", fmt.Errorf("resolve auth: %w", err)
	}

	remote := git.NewRemote(nil, &config.RemoteConfig{Name: "origin", URLs: []string{url}})
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return "", fmt.Errorf("list remote %s: %w", url, err)
	}

	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return ref.Hash().String(), nil
		}
	}
	return "", fmt.Errorf("branch %q not found on %s", branch, url)
}
