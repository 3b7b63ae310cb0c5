// Package nodeagent simulates the node side of the cluster: once the
// scheduler places a Pod, the agent moves it to Running, gives it an IP
// and flips it Ready. There is no container runtime behind it; the agent
// exists so that readiness-gated controllers make progress end to end.
package nodeagent

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/ArsalanAnwer0/miniplane/pkg/controller"
	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
	"github.com/ArsalanAnwer0/miniplane/pkg/store"
	"github.com/ArsalanAnwer0/miniplane/pkg/util/podutil"
)

// Name labels the node agent in logs and metrics.
const Name = "nodeagent"

// Agent runs scheduled Pods.
type Agent struct {
	Store *store.Store
	Log   logr.Logger
}

// Reconcile moves one scheduled Pod toward Running and Ready.
func (a *Agent) Reconcile(ctx context.Context, req controller.Request) (controller.Result, error) {
	obj, err := a.Store.Get(ctx, scheme.Pod, req.Key)
	if apierrors.IsNotFound(err) {
		return controller.Result{}, nil
	}
	if err != nil {
		return controller.Result{}, err
	}
	pod := obj.(*corev1.Pod)
	if pod.Spec.NodeName == "" {
		return controller.Result{}, nil
	}
	if pod.Status.Phase == corev1.PodRunning && podutil.IsReady(pod) {
		return controller.Result{}, nil
	}

	pod.Status.Phase = corev1.PodRunning
	if pod.Status.PodIP == "" {
		pod.Status.PodIP = podIP(pod)
	}
	podutil.SetReady(pod, true)

	if _, err := a.Store.Put(ctx, pod); err != nil {
		return controller.Result{}, err
	}
	a.Log.V(1).Info("pod running", "pod", pod.Name, "node", pod.Spec.NodeName, "ip", pod.Status.PodIP)
	return controller.Result{}, nil
}

// ListRequests enumerates every Pod.
func (a *Agent) ListRequests(ctx context.Context) ([]controller.Request, error) {
	objs, err := a.Store.List(ctx, scheme.Pod, "", nil)
	if err != nil {
		return nil, err
	}
	reqs := make([]controller.Request, 0, len(objs))
	for _, obj := range objs {
		pod := obj.(*corev1.Pod)
		reqs = append(reqs, controller.Request{GVK: scheme.Pod, Key: store.KeyOf(pod)})
	}
	return reqs, nil
}

// podIP derives a stable fake address from the Pod's identity, so a
// recreated Pod of the same name gets the same IP and endpoint lists stay
// deterministic in tests and demos.
func podIP(pod *corev1.Pod) string {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%s/%s", pod.Namespace, pod.Name)
	sum := h.Sum32()
	return fmt.Sprintf("10.244.%d.%d", byte(sum>>8), max(byte(sum), 1))
}
