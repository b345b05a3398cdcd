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
Package syncexec runs one sync cycle: git sync, list manifest files, read and
parse them, then apply the result set to the target cluster. It is a pure
function of its inputs plus the two capability interfaces it is handed; it
never touches the StateStore and never retains state between calls.
*/
package syncexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	apiyaml "k8s.io/apimachinery/pkg/util/yaml"

	"github.com/nopea-io/gitops-reconciler/internal/gitops"
	"github.com/nopea-io/gitops-reconciler/internal/k8sops"
	"github.com/nopea-io/gitops-reconciler/internal/model"
)

// Kind identifies which pipeline stage a Error came from.
type Kind string

const (
	GitSyncFailed   Kind = "GitSyncFailed"
	ListFilesFailed Kind = "ListFilesFailed"
	ParseFailed     Kind = "ParseFailed"
	ApplyFailed     Kind = "ApplyFailed"
)

// Error is the typed error the pipeline returns, tagged with the stage that failed.
type Error struct {
	Kind  Kind
	Errs  []error
	cause error
}

func (e *Error) Error() string {
	if len(e.Errs) > 0 {
		msgs := make([]string, len(e.Errs))
		for i, err := range e.Errs {
			msgs[i] = err.Error()
		}
		return fmt.Sprintf("%s: %s", e.Kind, strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	if len(e.Errs) == 1 {
		return e.Errs[0]
	}
	return nil
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// Result is the outcome of one successful sync cycle.
type Result struct {
	Commit   string
	Applied  []*unstructured.Unstructured
	Duration time.Duration
}

// Execute runs the four-stage pipeline against workDir using the given
// capability implementations, following spec.Subpath under the repository root.
func Execute(ctx context.Context, spec model.RepositorySpec, workDir string, git gitops.GitOps, k8s k8sops.K8sOps) (Result, error) {
	start := time.Now()

	commit, err := git.Sync(ctx, spec.URL, spec.Branch, workDir, 1)
	if err != nil {
		return Result{}, newError(GitSyncFailed, err)
	}

	files, err := git.Files(ctx, workDir, spec.Subpath)
	if err != nil {
		return Result{}, newError(ListFilesFailed, err)
	}
	sort.Strings(files)

	manifests, parseErrs := readAndParse(ctx, workDir, files, git)
	if len(parseErrs) > 0 {
		return Result{}, &Error{Kind: ParseFailed, Errs: parseErrs}
	}

	applied := make([]*unstructured.Unstructured, 0, len(manifests))
	for _, m := range manifests {
		m.SetNamespace(resolveNamespace(m, spec.TargetNamespace))
		echoed, err := k8s.Apply(ctx, m)
		if err != nil {
			return Result{}, newError(ApplyFailed, fmt.Errorf("%s %s/%s: %w", m.GetKind(), m.GetNamespace(), m.GetName(), err))
		}
		applied = append(applied, echoed)
	}

	return Result{Commit: commit, Applied: applied, Duration: time.Since(start)}, nil
}

// resolveNamespace leaves an explicitly namespaced manifest alone and
// defaults cluster-scoped-looking ones to the repository's target namespace.
func resolveNamespace(m *unstructured.Unstructured, targetNamespace string) string {
	if ns := m.GetNamespace(); ns != "" {
		return ns
	}
	return targetNamespace
}

func readAndParse(ctx context.Context, workDir string, files []string, git gitops.GitOps) ([]*unstructured.Unstructured, []error) {
	var manifests []*unstructured.Unstructured
	var errs []error

	for _, file := range files {
		content, err := git.Read(ctx, workDir, file)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: read: %w", file, err))
			continue
		}

		docs, err := decodeDocuments(content)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", file, err))
			continue
		}
		manifests = append(manifests, docs...)
	}

	return manifests, errs
}

// decodeDocuments splits a YAML stream into unstructured documents, discarding
// empty ones and rejecting any that lack apiVersion, kind, or metadata.name.
func decodeDocuments(content []byte) ([]*unstructured.Unstructured, error) {
	var out []*unstructured.Unstructured
	decoder := apiyaml.NewYAMLOrJSONDecoder(bytes.NewReader(content), 4096)
	for {
		obj := &unstructured.Unstructured{}
		if err := decoder.Decode(obj); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode: %w", err)
		}
		if len(obj.Object) == 0 {
			continue
		}
		if err := model.ValidateManifest(obj); err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}
