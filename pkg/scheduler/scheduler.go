// Package scheduler assigns Pods to Nodes. In the real system this is an
// external collaborator with its own machinery; here it is reduced to a
// pluggable placement policy behind a thin controller, which is all the
// other controllers need.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/record"

	"github.com/ArsalanAnwer0/miniplane/pkg/controller"
	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
	"github.com/ArsalanAnwer0/miniplane/pkg/store"
)

// Name labels the scheduler in logs, metrics and events.
const Name = "scheduler"

// retryInterval is how long an unschedulable Pod waits before the next
// placement attempt. Unschedulable is a normal, retried condition.
const retryInterval = 10 * time.Second

// Policy picks a node for a Pod. Implementations must be safe for
// concurrent use. The second return is false when no node fits.
type Policy interface {
	Assign(pod *corev1.Pod, nodes []*corev1.Node) (string, bool)
}

// RoundRobin spreads Pods across ready nodes in rotation.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

// Assign implements Policy.
func (p *RoundRobin) Assign(_ *corev1.Pod, nodes []*corev1.Node) (string, bool) {
	ready := make([]*corev1.Node, 0, len(nodes))
	for _, node := range nodes {
		if nodeReady(node) {
			ready = append(ready, node)
		}
	}
	if len(ready) == 0 {
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	node := ready[p.next%len(ready)]
	p.next++
	return node.Name, true
}

// Reconciler places unassigned Pods.
type Reconciler struct {
	Store    *store.Store
	Recorder record.EventRecorder
	Policy   Policy
	Log      logr.Logger
}

// Reconcile assigns one Pod to a node if it has none yet.
func (r *Reconciler) Reconcile(ctx context.Context, req controller.Request) (controller.Result, error) {
	obj, err := r.Store.Get(ctx, scheme.Pod, req.Key)
	if apierrors.IsNotFound(err) {
		return controller.Result{}, nil
	}
	if err != nil {
		return controller.Result{}, err
	}
	pod := obj.(*corev1.Pod)
	if pod.Spec.NodeName != "" {
		return controller.Result{}, nil
	}

	nodes, err := r.listNodes(ctx)
	if err != nil {
		return controller.Result{}, err
	}

	policy := r.Policy
	if policy == nil {
		policy = &RoundRobin{}
	}
	nodeName, ok := policy.Assign(pod, nodes)
	if !ok {
		r.Recorder.Event(pod, corev1.EventTypeWarning, "FailedScheduling",
			"no ready node available for placement")
		return controller.Result{RequeueAfter: retryInterval}, nil
	}

	pod.Spec.NodeName = nodeName
	if _, err := r.Store.Put(ctx, pod); err != nil {
		return controller.Result{}, err
	}
	r.Recorder.Eventf(pod, corev1.EventTypeNormal, "Scheduled",
		"assigned to node %s", nodeName)
	return controller.Result{}, nil
}

// MapEvent enqueues Pods directly; a Node change re-enqueues every Pod
// still waiting for placement.
func (r *Reconciler) MapEvent(ctx context.Context, event watch.Event) []controller.Request {
	switch obj := event.Object.(type) {
	case *corev1.Pod:
		return []controller.Request{podRequest(store.KeyOf(obj))}
	case *corev1.Node:
		reqs, err := r.ListRequests(ctx)
		if err != nil {
			r.Log.Error(err, "cannot list unscheduled pods for node event", "node", obj.Name)
			return nil
		}
		return reqs
	}
	return nil
}

// ListRequests enumerates Pods without a node.
func (r *Reconciler) ListRequests(ctx context.Context) ([]controller.Request, error) {
	objs, err := r.Store.List(ctx, scheme.Pod, "", nil)
	if err != nil {
		return nil, err
	}
	var reqs []controller.Request
	for _, obj := range objs {
		pod := obj.(*corev1.Pod)
		if pod.Spec.NodeName == "" {
			reqs = append(reqs, podRequest(store.KeyOf(pod)))
		}
	}
	return reqs, nil
}

func (r *Reconciler) listNodes(ctx context.Context) ([]*corev1.Node, error) {
	objs, err := r.Store.List(ctx, scheme.Node, "", nil)
	if err != nil {
		return nil, err
	}
	nodes := make([]*corev1.Node, 0, len(objs))
	for _, obj := range objs {
		nodes = append(nodes, obj.(*corev1.Node))
	}
	return nodes, nil
}

// nodeReady treats a node with no recorded conditions as ready: declared
// nodes in this engine have no kubelet reporting on them.
func nodeReady(node *corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return true
}

func podRequest(key store.Key) controller.Request {
	return controller.Request{GVK: scheme.Pod, Key: key}
}
