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
Package webhookserver serves the HTTP ingress the reconciliation core is
driven by from outside the cluster: repo-scoped webhook deliveries, and
liveness/readiness/metrics for the process itself, all on one mux.

Signature verification uses crypto/hmac and crypto/subtle directly rather
than a third-party library.
*/
package webhookserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nopea-io/gitops-reconciler/internal/metrics"
	"github.com/nopea-io/gitops-reconciler/internal/supervisor"
)

var (
	repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	commitPattern   = regexp.MustCompile(`^[0-9a-f]{40}$|^[0-9a-f]{64}$`)
)

const maxWebhookBodyBytes = 1 << 20 // 1 MiB

// SecretResolver returns the configured webhook secret for a repository,
// and false if none is configured.
type SecretResolver func(repo string) (string, bool)

// ReadinessCheck reports whether the process is ready to accept traffic:
// leader (if HA is enabled) and the controller is actively watching.
type ReadinessCheck func() bool

// Server serves the webhook ingress and process health endpoints.
type Server struct {
	Registry supervisor.Registry
	Secret   SecretResolver
	Ready    ReadinessCheck
	Log      logr.Logger

	mux *http.ServeMux
}

// New builds a Server with its routes registered.
func New(registry supervisor.Registry, secret SecretResolver, ready ReadinessCheck, log logr.Logger) *Server {
	s := &Server{Registry: registry, Secret: secret, Ready: ready, Log: log.WithName("webhookserver")}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/webhook/", s.handleWebhook)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ready", s.handleReady)
	s.mux.Handle("/metrics", promhttp.Handler())
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.Ready != nil && !s.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type pushPayload struct {
	Ref         string `json:"ref"`
	After       string `json:"after"`
	CheckoutSHA string `json:"checkout_sha"`
}

func (p pushPayload) commit() string {
	if p.After != "" {
		return p.After
	}
	return p.CheckoutSHA
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	repo := strings.TrimPrefix(r.URL.Path, "/webhook/")
	if repo == "" || !repoNamePattern.MatchString(repo) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	metrics.WebhookRequestsTotal.Add(r.Context(), 1)

	provider, eventType, ok := detectProvider(r.Header)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	secret, ok := s.Secret(repo)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if !verifySignature(provider, r.Header, body, secret) {
		metrics.WebhookVerifyFailuresTotal.Add(r.Context(), 1)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if !isPushEvent(provider, eventType) {
		w.WriteHeader(http.StatusOK)
		return
	}

	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	commit := payload.commit()
	if !commitPattern.MatchString(commit) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if worker, found := s.Registry.Lookup(repo); found {
		s.Log.Info("webhook accepted", "repo", repo, "branch", Branch(payload.Ref), "commit", commit)
		worker.Webhook(commit)
	}
	w.WriteHeader(http.StatusOK)
}

type provider int

const (
	providerGitHub provider = iota
	providerGitLab
)

func detectProvider(h http.Header) (provider, string, bool) {
	if v := h.Get("X-GitHub-Event"); v != "" {
		return providerGitHub, v, true
	}
	if v := h.Get("X-Gitlab-Event"); v != "" {
		return providerGitLab, v, true
	}
	return 0, "", false
}

func isPushEvent(p provider, eventType string) bool {
	switch p {
	case providerGitHub:
		return strings.EqualFold(eventType, "push")
	case providerGitLab:
		return strings.EqualFold(eventType, "Push Hook")
	default:
		return false
	}
}

func verifySignature(p provider, h http.Header, body []byte, secret string) bool {
	switch p {
	case providerGitHub:
		return verifyGitHubSignature(h.Get("X-Hub-Signature-256"), body, secret)
	case providerGitLab:
		token := h.Get("X-Gitlab-Token")
		return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
	default:
		return false
	}
}

func verifyGitHubSignature(header string, body []byte, secret string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	want, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Branch strips the "refs/heads/" prefix from a push event's ref.
func Branch(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}
