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
Package controller maintains a 1:1 correspondence between live
GitOpsRepository custom resources and running workers. It performs its
own List+Watch against the CRD with client-go's dynamic client instead of
delegating to controller-runtime's hidden reconcile loop, because the
ADDED/MODIFIED/DELETED/BOOKMARK vocabulary the state machine reacts to is
the raw watch.Event vocabulary, not a debounced reconcile request.
*/
package controller

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/nopea-io/gitops-reconciler/internal/statestore"
	"github.com/nopea-io/gitops-reconciler/internal/supervisor"
)

// GVR is the GroupVersionResource this controller lists and watches.
var GVR = schema.GroupVersionResource{Group: "nopea.io", Version: "v1alpha1", Resource: "gitopsrepositories"}

// DefaultReconnectDelay is the pause before a fresh list+watch attempt
// after a watch error or unexpected stream close.
const DefaultReconnectDelay = 5 * time.Second

type tracked struct {
	resourceVersion    string
	observedGeneration int64
}

// Controller drives the enter-active/enter-standby lifecycle and the
// watch-event state machine described above.
type Controller struct {
	Dynamic        dynamic.Interface
	Registry       supervisor.Registry
	Store          *statestore.Store
	Log            logr.Logger
	ReconnectDelay time.Duration

	tracked map[string]*tracked
}

// New builds a Controller. store's per-repository entries are cleared when
// a GitOpsRepository is deleted; store may be nil in tests that don't care
// about that cleanup.
func New(dyn dynamic.Interface, registry supervisor.Registry, store *statestore.Store, log logr.Logger) *Controller {
	return &Controller{
		Dynamic:        dyn,
		Registry:       registry,
		Store:          store,
		Log:            log.WithName("controller"),
		ReconnectDelay: DefaultReconnectDelay,
		tracked:        make(map[string]*tracked),
	}
}

// Run drives the controller until ctx is cancelled. It starts in standby:
// leadership deliveries of true enter the active list+watch loop; false
// (or a second consecutive false) keeps it idle. Every enter-active tears
// down cleanly on the next false so re-entering active always starts from
// a fresh list.
func (c *Controller) Run(ctx context.Context, namespace string, leadership <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case active, ok := <-leadership:
			if !ok {
				return
			}
			if active {
				c.runActive(ctx, namespace, leadership)
			}
		}
	}
}

// runActive lists then watches until ctx is cancelled, leadership goes
// false, or the leadership channel closes. It reconnects after
// ReconnectDelay on any list/watch error.
func (c *Controller) runActive(ctx context.Context, namespace string, leadership <-chan bool) {
	c.Log.Info("entering active")
	defer c.exitActive()

	for {
		rv, err := c.list(ctx, namespace)
		if err != nil {
			c.Log.Error(err, "list failed, retrying")
			if !c.wait(ctx, leadership) {
				return
			}
			continue
		}

		if !c.watchUntilBroken(ctx, namespace, rv, leadership) {
			return
		}
	}
}

func (c *Controller) exitActive() {
	c.Log.Info("exiting active, stopping all workers")
	for name := range c.tracked {
		c.Registry.StopWorker(name)
	}
	c.tracked = make(map[string]*tracked)
}

// wait pauses for ReconnectDelay, returning false if ctx is cancelled or
// leadership is revoked meanwhile.
func (c *Controller) wait(ctx context.Context, leadership <-chan bool) bool {
	timer := time.NewTimer(c.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case active, ok := <-leadership:
		if !ok || !active {
			return false
		}
		return true
	case <-timer.C:
		return true
	}
}

func (c *Controller) list(ctx context.Context, namespace string) (string, error) {
	list, err := c.Dynamic.Resource(GVR).Namespace(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", err
	}
	for i := range list.Items {
		obj := &list.Items[i]
		c.startTracked(ctx, obj)
	}
	return list.GetResourceVersion(), nil
}

// watchUntilBroken opens a watch from resourceVersion and processes events
// until the stream ends or an error/leadership-loss interrupts it. It
// returns false when the caller should stop (ctx done or leadership lost).
func (c *Controller) watchUntilBroken(ctx context.Context, namespace, resourceVersion string, leadership <-chan bool) bool {
	w, err := c.Dynamic.Resource(GVR).Namespace(namespace).Watch(ctx, metav1.ListOptions{ResourceVersion: resourceVersion})
	if err != nil {
		c.Log.Error(err, "watch failed, retrying")
		return c.wait(ctx, leadership)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case active, ok := <-leadership:
			if !ok || !active {
				return false
			}
		case event, ok := <-w.ResultChan():
			if !ok {
				c.Log.Info("watch stream closed, reconnecting")
				return c.wait(ctx, leadership)
			}
			c.handleEvent(ctx, event)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, event watch.Event) {
	switch event.Type {
	case watch.Added:
		c.handleAdded(ctx, event.Object)
	case watch.Modified:
		c.handleModified(ctx, event.Object)
	case watch.Deleted:
		c.handleDeleted(event.Object)
	case watch.Bookmark:
		c.handleBookmark(event.Object)
	case watch.Error:
		c.Log.Info("watch error event", "object", event.Object)
	default:
		c.Log.Info("unknown watch event type, ignoring", "type", event.Type)
	}
}

func (c *Controller) handleAdded(ctx context.Context, raw interface{}) {
	obj, ok := raw.(*unstructured.Unstructured)
	if !ok {
		return
	}
	name := obj.GetName()
	if _, exists := c.tracked[name]; exists {
		return
	}
	c.startTracked(ctx, obj)
}

func (c *Controller) handleModified(ctx context.Context, raw interface{}) {
	obj, ok := raw.(*unstructured.Unstructured)
	if !ok {
		return
	}
	name := obj.GetName()
	observedGeneration, hasObserved, _ := unstructured.NestedInt64(obj.Object, "status", "observedGeneration")
	specChanged := !hasObserved || observedGeneration != obj.GetGeneration()

	if _, exists := c.tracked[name]; !exists || specChanged {
		c.Registry.StopWorker(name)
		c.startTracked(ctx, obj)
		return
	}
	c.tracked[name].resourceVersion = obj.GetResourceVersion()
}

func (c *Controller) handleDeleted(raw interface{}) {
	obj, ok := raw.(*unstructured.Unstructured)
	if !ok {
		return
	}
	name := obj.GetName()
	c.Registry.StopWorker(name)
	delete(c.tracked, name)
	if c.Store != nil {
		c.Store.ClearRepository(name)
	}
}

func (c *Controller) handleBookmark(raw interface{}) {
	obj, ok := raw.(*unstructured.Unstructured)
	if !ok {
		return
	}
	if t, exists := c.tracked[obj.GetName()]; exists {
		t.resourceVersion = obj.GetResourceVersion()
	}
}

func (c *Controller) startTracked(ctx context.Context, obj *unstructured.Unstructured) {
	spec, err := resolveSpec(obj)
	if err != nil {
		c.Log.Error(err, "skipping invalid resource", "name", obj.GetName())
		return
	}
	if err := c.Registry.StartWorker(ctx, spec); err != nil {
		c.Log.Error(err, "start worker failed", "name", obj.GetName())
		return
	}
	c.tracked[obj.GetName()] = &tracked{
		resourceVersion:    obj.GetResourceVersion(),
		observedGeneration: spec.ObservedGeneration,
	}
}
