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

package gitexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
)

// newSourceRepo initializes a repo on the "master" branch, go-git's default
// for PlainInit, with one commit containing a mix of yaml and non-yaml files.
func newSourceRepo(t *testing.T) (path, headSHA string) {
	t.Helper()
	path = t.TempDir()
	repo, err := git.PlainInit(path, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(path, "deployment.yaml"), []byte("kind: Deployment\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "README.md"), []byte("not yaml\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(path, ".hidden.yaml"), []byte("kind: Secret\n"), 0o644))

	_, err = wt.Add(".")
	require.NoError(t, err)

	commit, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	return path, commit.String()
}

func TestSyncClonesThenFetchesAndResets(t *testing.T) {
	sourcePath, headSHA := newSourceRepo(t)
	workDir := filepath.Join(t.TempDir(), "work")

	g := &GitOps{}
	ctx := context.Background()

	sha, err := g.Sync(ctx, sourcePath, "master", workDir, 0)
	require.NoError(t, err)
	assert.Equal(t, headSHA, sha)

	sha2, err := g.Sync(ctx, sourcePath, "master", workDir, 0)
	require.NoError(t, err)
	assert.Equal(t, headSHA, sha2)
}

func TestFilesListsOnlyTopLevelYAML(t *testing.T) {
	sourcePath, _ := newSourceRepo(t)
	workDir := filepath.Join(t.TempDir(), "work")
	g := &GitOps{}
	ctx := context.Background()

	_, err := g.Sync(ctx, sourcePath, "master", workDir, 0)
	require.NoError(t, err)

	files, err := g.Files(ctx, workDir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"deployment.yaml"}, files)
}

func TestReadReturnsFileContents(t *testing.T) {
	sourcePath, _ := newSourceRepo(t)
	workDir := filepath.Join(t.TempDir(), "work")
	g := &GitOps{}
	ctx := context.Background()

	_, err := g.Sync(ctx, sourcePath, "master", workDir, 0)
	require.NoError(t, err)

	b, err := g.Read(ctx, workDir, "deployment.yaml")
	require.NoError(t, err)
	assert.Equal(t, "kind: Deployment\n", string(b))
}

func TestHeadReturnsCommitMetadata(t *testing.T) {
	sourcePath, headSHA := newSourceRepo(t)
	workDir := filepath.Join(t.TempDir(), "work")
	g := &GitOps{}
	ctx := context.Background()

	_, err := g.Sync(ctx, sourcePath, "master", workDir, 0)
	require.NoError(t, err)

	info, err := g.Head(ctx, workDir)
	require.NoError(t, err)
	assert.Equal(t, headSHA, info.SHA)
	assert.Equal(t, "tester", info.Author)
	assert.Equal(t, "tester@example.com", info.Email)
}

func TestCheckoutHardResetsToSHA(t *testing.T) {
	sourcePath, firstSHA := newSourceRepo(t)
	workDir := filepath.Join(t.TempDir(), "work")
	g := &GitOps{}
	ctx := context.Background()

	_, err := g.Sync(ctx, sourcePath, "master", workDir, 0)
	require.NoError(t, err)

	repo, err := git.PlainOpen(sourcePath)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sourcePath, "deployment.yaml"), []byte("kind: Deployment\nreplicas: 2\n"), 0o644))
	_, err = wt.Add(".")
	require.NoError(t, err)
	_, err = wt.Commit("bump", &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	_, err = g.Sync(ctx, sourcePath, "master", workDir, 0)
	require.NoError(t, err)

	sha, err := g.Checkout(ctx, workDir, firstSHA)
	require.NoError(t, err)
	assert.Equal(t, firstSHA, sha)

	b, err := g.Read(ctx, workDir, "deployment.yaml")
	require.NoError(t, err)
	assert.Equal(t, "kind: Deployment\n", string(b))
}

func TestLsRemoteReturnsBranchHead(t *testing.T) {
	sourcePath, headSHA := newSourceRepo(t)
	g := &GitOps{}
	ctx := context.Background()

	sha, err := g.LsRemote(ctx, sourcePath, "master")
	require.NoError(t, err)
	assert.Equal(t, headSHA, sha)
}

func TestLsRemoteUnknownBranchErrors(t *testing.T) {
	sourcePath, _ := newSourceRepo(t)
	g := &GitOps{}
	ctx := context.Background()

	_, err := g.LsRemote(ctx, sourcePath, "does-not-exist")
	assert.Error(t, err)
}

func TestAuthResolvesRegisteredSecretRef(t *testing.T) {
	scheme := runtime.NewScheme()
	require.NoError(t, corev1.AddToScheme(scheme))
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "creds", Namespace: "acme-ns"},
		Data:       map[string][]byte{"username": []byte("bot"), "password": []byte("hunter2")},
	}
	cl := fake.NewClientBuilder().WithScheme(scheme).WithObjects(secret).Build()

	g := &GitOps{Client: cl}
	g.RegisterAuth("https://example/acme.git", "acme-ns", "creds")

	auth, err := g.auth(context.Background(), "https://example/acme.git")
	require.NoError(t, err)
	require.NotNil(t, auth, "a registered SecretRef must resolve to non-nil auth")

	g.UnregisterAuth("https://example/acme.git")
	auth, err = g.auth(context.Background(), "https://example/acme.git")
	require.NoError(t, err)
	assert.Nil(t, auth, "an unregistered url falls back to anonymous access")
}

func TestAuthWithoutClientIsAnonymous(t *testing.T) {
	g := &GitOps{}
	g.RegisterAuth("https://example/acme.git", "acme-ns", "creds")

	auth, err := g.auth(context.Background(), "https://example/acme.git")
	require.NoError(t, err)
	assert.Nil(t, auth, "no Client configured means every repository is anonymous")
}
