// Package scheme defines the set of resource kinds the engine manages and
// the runtime.Scheme used to create, copy and identify them.
//
// The engine deliberately reuses the upstream Kubernetes API types
// (k8s.io/api) instead of inventing parallel structs: ObjectMeta already
// carries the name/namespace/labels/generation/resourceVersion envelope the
// store needs, and the typed specs give the controllers the exact fields
// they reconcile against.
package scheme

import (
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
)

// Scheme holds the type information for every kind the engine manages.
var Scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(corev1.AddToScheme(Scheme))
	utilruntime.Must(appsv1.AddToScheme(Scheme))
}

// GroupVersionKinds for the managed resource kinds.
var (
	Pod                   = corev1.SchemeGroupVersion.WithKind("Pod")
	Node                  = corev1.SchemeGroupVersion.WithKind("Node")
	Service               = corev1.SchemeGroupVersion.WithKind("Service")
	Endpoints             = corev1.SchemeGroupVersion.WithKind("Endpoints")
	Event                 = corev1.SchemeGroupVersion.WithKind("Event")
	PersistentVolume      = corev1.SchemeGroupVersion.WithKind("PersistentVolume")
	PersistentVolumeClaim = corev1.SchemeGroupVersion.WithKind("PersistentVolumeClaim")
	StatefulSet           = appsv1.SchemeGroupVersion.WithKind("StatefulSet")
)

// clusterScoped lists the managed kinds that do not live in a namespace.
var clusterScoped = map[schema.GroupVersionKind]bool{
	Node:             true,
	PersistentVolume: true,
}

// Kinds returns every kind the engine manages, in a stable order.
func Kinds() []schema.GroupVersionKind {
	return []schema.GroupVersionKind{
		Pod,
		Node,
		Service,
		Endpoints,
		Event,
		PersistentVolume,
		PersistentVolumeClaim,
		StatefulSet,
	}
}

// IsNamespaced reports whether objects of the given kind live in a namespace.
func IsNamespaced(gvk schema.GroupVersionKind) bool {
	return !clusterScoped[gvk]
}

// GVKForObject resolves the kind of a typed object via the scheme.
func GVKForObject(obj runtime.Object) (schema.GroupVersionKind, error) {
	gvks, _, err := Scheme.ObjectKinds(obj)
	if err != nil {
		return schema.GroupVersionKind{}, fmt.Errorf("resolve kind: %w", err)
	}
	return gvks[0], nil
}

// New creates an empty object of the given kind.
func New(gvk schema.GroupVersionKind) (runtime.Object, error) {
	obj, err := Scheme.New(gvk)
	if err != nil {
		return nil, fmt.Errorf("new %s: %w", gvk.Kind, err)
	}
	obj.GetObjectKind().SetGroupVersionKind(gvk)
	return obj, nil
}

// LookupKind maps a manifest kind name (e.g. "PersistentVolumeClaim") to its
// GroupVersionKind. The second return is false for kinds the engine does not
// manage.
func LookupKind(kind string) (schema.GroupVersionKind, bool) {
	for _, gvk := range Kinds() {
		if gvk.Kind == kind {
			return gvk, true
		}
	}
	return schema.GroupVersionKind{}, false
}

// SpecChanged reports whether the desired-state portion of a resource
// differs between two versions of the same object. The store uses this to
// decide when to bump metadata.generation: status-only writes by the
// controllers must not look like new intent to the other controllers.
func SpecChanged(old, updated runtime.Object) bool {
	switch o := old.(type) {
	case *corev1.Pod:
		return !apiequality.Semantic.DeepEqual(o.Spec, updated.(*corev1.Pod).Spec)
	case *corev1.Node:
		return !apiequality.Semantic.DeepEqual(o.Spec, updated.(*corev1.Node).Spec)
	case *corev1.Service:
		return !apiequality.Semantic.DeepEqual(o.Spec, updated.(*corev1.Service).Spec)
	case *corev1.Endpoints:
		return !apiequality.Semantic.DeepEqual(o.Subsets, updated.(*corev1.Endpoints).Subsets)
	case *corev1.PersistentVolume:
		return !apiequality.Semantic.DeepEqual(o.Spec, updated.(*corev1.PersistentVolume).Spec)
	case *corev1.PersistentVolumeClaim:
		return !apiequality.Semantic.DeepEqual(o.Spec, updated.(*corev1.PersistentVolumeClaim).Spec)
	case *appsv1.StatefulSet:
		return !apiequality.Semantic.DeepEqual(o.Spec, updated.(*appsv1.StatefulSet).Spec)
	case *corev1.Event:
		return false
	}
	return false
}
