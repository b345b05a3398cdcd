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

package webhookserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nopea-io/gitops-reconciler/internal/model"
	"github.com/nopea-io/gitops-reconciler/internal/worker"
)

func signGitHub(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func staticSecret(secret string) SecretResolver {
	return func(string) (string, bool) { return secret, true }
}

func alwaysReady() bool { return true }

func newTestServer(t *testing.T, secret string) *Server {
	t.Helper()
	return New(emptyRegistry{}, staticSecret(secret), alwaysReady, logr.Discard())
}

type emptyRegistry struct{}

func (emptyRegistry) StartWorker(_ context.Context, _ model.RepositorySpec) error { return nil }
func (emptyRegistry) StopWorker(string)                                          {}
func (emptyRegistry) Lookup(string) (*worker.Worker, bool)                       { return nil, false }
func (emptyRegistry) List() []string                                             { return nil }

func TestWebhookGitHubValidSignatureAccepted(t *testing.T) {
	s := newTestServer(t, "topsecret")
	body, _ := json.Marshal(map[string]string{"ref": "refs/heads/main", "after": strings.Repeat("a", 40)})
	req := httptest.NewRequest(http.MethodPost, "/webhook/acme", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signGitHub("topsecret", body))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookGitHubWrongSignatureRejected(t *testing.T) {
	s := newTestServer(t, "topsecret")
	body, _ := json.Marshal(map[string]string{"ref": "refs/heads/main", "after": strings.Repeat("a", 40)})
	req := httptest.NewRequest(http.MethodPost, "/webhook/acme", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signGitHub("wrong", body))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookGitLabTokenAccepted(t *testing.T) {
	s := newTestServer(t, "topsecret")
	body, _ := json.Marshal(map[string]string{"ref": "refs/heads/main", "checkout_sha": strings.Repeat("b", 40)})
	req := httptest.NewRequest(http.MethodPost, "/webhook/acme", strings.NewReader(string(body)))
	req.Header.Set("X-Gitlab-Event", "Push Hook")
	req.Header.Set("X-Gitlab-Token", "topsecret")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookInvalidRepoName(t *testing.T) {
	s := newTestServer(t, "topsecret")
	req := httptest.NewRequest(http.MethodPost, "/webhook/bad$repo$name", nil)
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookUnknownEventHeaderRejected(t *testing.T) {
	s := newTestServer(t, "topsecret")
	req := httptest.NewRequest(http.MethodPost, "/webhook/acme", strings.NewReader("{}"))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookUnsupportedEventTypeIgnored(t *testing.T) {
	s := newTestServer(t, "topsecret")
	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/acme", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature-256", signGitHub("topsecret", body))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookInvalidCommitShape(t *testing.T) {
	s := newTestServer(t, "topsecret")
	body, _ := json.Marshal(map[string]string{"ref": "refs/heads/main", "after": "not-a-sha"})
	req := httptest.NewRequest(http.MethodPost, "/webhook/acme", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "push")
	req.Header.Set("X-Hub-Signature-256", signGitHub("topsecret", body))
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookSecretNotConfigured(t *testing.T) {
	s := New(emptyRegistry{}, func(string) (string, bool) { return "", false }, alwaysReady, logr.Discard())
	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/acme", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()

	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, "topsecret")

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyReflectsReadinessCheck(t *testing.T) {
	s := New(emptyRegistry{}, staticSecret("x"), func() bool { return false }, logr.Discard())
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBranchStripsRefsHeadsPrefix(t *testing.T) {
	require.Equal(t, "main", Branch("refs/heads/main"))
	require.Equal(t, "feature/x", Branch("refs/heads/feature/x"))
}
