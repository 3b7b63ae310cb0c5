// Package endpoints derives each Service's Endpoints object from the ready
// Pods matching its selector.
//
// The write is always a full replacement of the endpoint set, never an
// incremental patch: convergence then depends only on current state, so it
// does not matter how many intermediate Pod events were dropped.
package endpoints

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/ArsalanAnwer0/miniplane/pkg/controller"
	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
	"github.com/ArsalanAnwer0/miniplane/pkg/store"
	"github.com/ArsalanAnwer0/miniplane/pkg/util/metadata"
	"github.com/ArsalanAnwer0/miniplane/pkg/util/podutil"
)

// Name labels the endpoint controller in logs and metrics.
const Name = "endpoints"

// Reconciler computes Service endpoint sets.
type Reconciler struct {
	Store *store.Store
	Log   logr.Logger
}

// Reconcile recomputes the Endpoints object for one Service.
func (r *Reconciler) Reconcile(ctx context.Context, req controller.Request) (controller.Result, error) {
	svcObj, err := r.Store.Get(ctx, scheme.Service, req.Key)
	if apierrors.IsNotFound(err) {
		return controller.Result{}, r.deleteEndpoints(ctx, req.Key)
	}
	if err != nil {
		return controller.Result{}, err
	}
	svc := svcObj.(*corev1.Service)

	// A selectorless Service manages its endpoints externally.
	if len(svc.Spec.Selector) == 0 {
		return controller.Result{}, nil
	}

	addresses, err := r.readyAddresses(ctx, svc)
	if err != nil {
		return controller.Result{}, err
	}

	desired := &corev1.Endpoints{
		ObjectMeta: metav1.ObjectMeta{
			Name:      svc.Name,
			Namespace: svc.Namespace,
			Labels:    metadata.BuildControllerLabels(svc.Name, "endpoints"),
		},
	}
	if len(addresses) > 0 {
		desired.Subsets = []corev1.EndpointSubset{{
			Addresses: addresses,
			Ports:     endpointPorts(svc),
		}}
	}

	existing, err := r.Store.Get(ctx, scheme.Endpoints, req.Key)
	switch {
	case apierrors.IsNotFound(err):
		// Create below with an empty resourceVersion.
	case err != nil:
		return controller.Result{}, err
	default:
		desired.ResourceVersion = existing.(*corev1.Endpoints).ResourceVersion
	}

	if _, err := r.Store.Put(ctx, desired); err != nil {
		return controller.Result{}, fmt.Errorf("write endpoints %s: %w", req.Key, err)
	}
	return controller.Result{}, nil
}

// MapEvent fans Pod changes out to every Service in the Pod's namespace;
// Service and Endpoints changes map to their own Service.
func (r *Reconciler) MapEvent(ctx context.Context, event watch.Event) []controller.Request {
	switch obj := event.Object.(type) {
	case *corev1.Service:
		return []controller.Request{serviceRequest(store.KeyOf(obj))}
	case *corev1.Endpoints:
		return []controller.Request{serviceRequest(store.KeyOf(obj))}
	case *corev1.Pod:
		reqs, err := r.servicesInNamespace(ctx, obj.Namespace)
		if err != nil {
			r.Log.Error(err, "cannot list services for pod event", "pod", obj.Name)
			return nil
		}
		return reqs
	}
	return nil
}

// ListRequests enumerates every Service for a resync pass.
func (r *Reconciler) ListRequests(ctx context.Context) ([]controller.Request, error) {
	return r.servicesInNamespace(ctx, "")
}

// readyAddresses returns the sorted IPs of ready Pods matching the
// Service's selector. Pods without an assigned IP are skipped.
func (r *Reconciler) readyAddresses(ctx context.Context, svc *corev1.Service) ([]corev1.EndpointAddress, error) {
	selector := labels.Set(svc.Spec.Selector).AsSelector()
	objs, err := r.Store.List(ctx, scheme.Pod, svc.Namespace, selector)
	if err != nil {
		return nil, err
	}

	var addresses []corev1.EndpointAddress
	for _, obj := range objs {
		pod := obj.(*corev1.Pod)
		if !podutil.IsReady(pod) || pod.Status.PodIP == "" {
			continue
		}
		addresses = append(addresses, corev1.EndpointAddress{
			IP:       pod.Status.PodIP,
			NodeName: &pod.Spec.NodeName,
			TargetRef: &corev1.ObjectReference{
				Kind:      "Pod",
				Namespace: pod.Namespace,
				Name:      pod.Name,
				UID:       pod.UID,
			},
		})
	}
	// The endpoint set is unordered; sorting just keeps rewrites of the
	// same set from looking like changes.
	sort.Slice(addresses, func(i, j int) bool { return addresses[i].IP < addresses[j].IP })
	return addresses, nil
}

func (r *Reconciler) deleteEndpoints(ctx context.Context, key store.Key) error {
	err := r.Store.Delete(ctx, scheme.Endpoints, key)
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete endpoints %s: %w", key, err)
	}
	return nil
}

func (r *Reconciler) servicesInNamespace(ctx context.Context, namespace string) ([]controller.Request, error) {
	objs, err := r.Store.List(ctx, scheme.Service, namespace, nil)
	if err != nil {
		return nil, err
	}
	reqs := make([]controller.Request, 0, len(objs))
	for _, obj := range objs {
		reqs = append(reqs, serviceRequest(store.KeyOf(obj.(*corev1.Service))))
	}
	return reqs, nil
}

func serviceRequest(key store.Key) controller.Request {
	return controller.Request{GVK: scheme.Service, Key: key}
}

func endpointPorts(svc *corev1.Service) []corev1.EndpointPort {
	ports := make([]corev1.EndpointPort, 0, len(svc.Spec.Ports))
	for _, p := range svc.Spec.Ports {
		port := p.Port
		if p.TargetPort.IntValue() != 0 {
			port = int32(p.TargetPort.IntValue())
		}
		ports = append(ports, corev1.EndpointPort{
			Name:     p.Name,
			Port:     port,
			Protocol: p.Protocol,
		})
	}
	return ports
}
