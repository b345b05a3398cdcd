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
Package cdevents emits the reconciler's outbound events as CloudEvents 1.0
JSON envelopes. There is no CloudEvents SDK in the dependency corpus this
project draws from, so the envelope is a plain struct marshaled with
encoding/json.
*/
package cdevents

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/oklog/ulid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nopea-io/gitops-reconciler/internal/metrics"
	"github.com/nopea-io/gitops-reconciler/internal/types"
)

// Type is a CloudEvents "type" attribute value.
type Type string

const (
	TypeServiceDeployed Type = "dev.cdevents.service.deployed.0.3.0"
	TypeServiceUpgraded Type = "dev.cdevents.service.upgraded.0.3.0"
	TypeServiceRemoved  Type = "dev.cdevents.service.removed.0.3.0"
	TypeServiceDrifted  Type = "dev.nopea.service.drifted.0.1.0"

	specVersion = "1.0"
)

// Subject identifies what an event is about: the repository or resource the
// envelope describes, and a content summary of it.
type Subject struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

// Envelope is the CloudEvents 1.0 JSON envelope this package emits.
type Envelope struct {
	SpecVersion     string          `json:"specversion"`
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	Type            string          `json:"type"`
	Time            string          `json:"time"`
	Subject         Subject         `json:"subject"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`
}

// ServiceSyncData is the payload carried by service.deployed/upgraded/removed.
// Error is set only on service.removed, emitted when a sync fails outright.
type ServiceSyncData struct {
	Repository string `json:"repository"`
	Commit     string `json:"commit"`
	Error      string `json:"error,omitempty"`
}

// DriftAction is the outcome recorded for a classified resource.
type DriftAction string

const (
	ActionHealed   DriftAction = "healed"
	ActionSkipped  DriftAction = "skipped"
	ActionReported DriftAction = "reported"
)

// ServiceDriftedData is the payload carried by service.drifted.
type ServiceDriftedData struct {
	Repository     string      `json:"repository"`
	Resource       string      `json:"resource"`
	Classification string      `json:"classification"`
	Action         DriftAction `json:"action"`
}

// Emitter publishes CloudEvents envelopes to an HTTP sink using net/http.
type Emitter struct {
	SinkURL string
	Client  *http.Client
	Log     logr.Logger

	idMu    sync.Mutex
	entropy io.Reader

	// newID is overridable in tests; defaults to the monotonic ULID source.
	newID func() string
}

func New(sinkURL string, log logr.Logger) *Emitter {
	e := &Emitter{
		SinkURL: sinkURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
		Log:     log,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	e.newID = e.nextULID
	return e
}

// nextULID produces a lexicographically sortable, millisecond-monotonic
// identifier: two IDs minted within the same millisecond still order by
// generation order because the entropy source itself increments.
func (e *Emitter) nextULID() string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), e.entropy)
	return id.String()
}

func (e *Emitter) id() string {
	if e.newID != nil {
		return e.newID()
	}
	return e.nextULID()
}

// EmitServiceSync emits service.deployed, service.upgraded or service.removed.
func (e *Emitter) EmitServiceSync(eventType Type, repository, commit string) error {
	data, err := json.Marshal(ServiceSyncData{Repository: repository, Commit: commit})
	if err != nil {
		return fmt.Errorf("marshal cdevents data: %w", err)
	}
	return e.publish(eventType, repository, repository, data)
}

// EmitServiceRemoved emits service.removed for a repository whose sync
// failed outright: the worker never got a manifest set it could stand
// behind, so the last known-good commit is reported alongside the failure
// reason rather than a new one.
func (e *Emitter) EmitServiceRemoved(repository, commit, reason string) error {
	data, err := json.Marshal(ServiceSyncData{Repository: repository, Commit: commit, Error: reason})
	if err != nil {
		return fmt.Errorf("marshal cdevents data: %w", err)
	}
	return e.publish(TypeServiceRemoved, repository, repository, data)
}

// EmitServiceDrifted emits exactly one service.drifted event per classified resource.
func (e *Emitter) EmitServiceDrifted(repository string, key types.ResourceKey, classification string, action DriftAction) error {
	data, err := json.Marshal(ServiceDriftedData{
		Repository:     repository,
		Resource:       key.String(),
		Classification: classification,
		Action:         action,
	})
	if err != nil {
		return fmt.Errorf("marshal cdevents data: %w", err)
	}
	return e.publish(TypeServiceDrifted, repository, key.String(), data)
}

func (e *Emitter) publish(eventType Type, repository, subjectID string, data json.RawMessage) error {
	env := Envelope{
		SpecVersion: specVersion,
		ID:          e.id(),
		Source:      fmt.Sprintf("/nopea/worker/%s", repository),
		Type:        string(eventType),
		Time:        time.Now().UTC().Format(time.RFC3339),
		Subject: Subject{
			ID:      subjectID,
			Content: data,
		},
		DataContentType: "application/json",
		Data:            data,
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	metrics.CDEventsEmittedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(eventType))))

	if e.SinkURL == "" {
		e.Log.V(1).Info("cdevents sink not configured, dropping event", "type", eventType, "subject", subjectID)
		return nil
	}

	req, err := http.NewRequest(http.MethodPost, e.SinkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build cdevents request: %w", err)
	}
	req.Header.Set("Content-Type", "application/cloudevents+json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post cdevents envelope: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("cdevents sink returned status %d", resp.StatusCode)
	}
	return nil
}
