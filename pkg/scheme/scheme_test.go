package scheme_test

import (
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
)

func TestLookupKind(t *testing.T) {
	t.Parallel()
	tests := map[string]struct {
		kind   string
		want   schema.GroupVersionKind
		wantOK bool
	}{
		"pod":          {kind: "Pod", want: scheme.Pod, wantOK: true},
		"stateful set": {kind: "StatefulSet", want: scheme.StatefulSet, wantOK: true},
		"claim":        {kind: "PersistentVolumeClaim", want: scheme.PersistentVolumeClaim, wantOK: true},
		"unknown":      {kind: "Deployment", wantOK: false},
		"lowercase":    {kind: "pod", wantOK: false},
		"empty":        {kind: "", wantOK: false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			got, ok := scheme.LookupKind(tc.kind)
			if ok != tc.wantOK || got != tc.want {
				t.Errorf("LookupKind(%q) = (%v, %v), want (%v, %v)",
					tc.kind, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestIsNamespaced(t *testing.T) {
	t.Parallel()
	namespaced := map[schema.GroupVersionKind]bool{
		scheme.Pod:                   true,
		scheme.Service:               true,
		scheme.Endpoints:             true,
		scheme.Event:                 true,
		scheme.PersistentVolumeClaim: true,
		scheme.StatefulSet:           true,
		scheme.Node:                  false,
		scheme.PersistentVolume:      false,
	}

	for gvk, want := range namespaced {
		if got := scheme.IsNamespaced(gvk); got != want {
			t.Errorf("IsNamespaced(%s) = %v, want %v", gvk.Kind, got, want)
		}
	}
}

func TestNewSetsKind(t *testing.T) {
	t.Parallel()
	for _, gvk := range scheme.Kinds() {
		obj, err := scheme.New(gvk)
		if err != nil {
			t.Fatalf("New(%s): %v", gvk.Kind, err)
		}
		if got := obj.GetObjectKind().GroupVersionKind(); got != gvk {
			t.Errorf("New(%s) carries kind %v", gvk.Kind, got)
		}
	}
}

func TestGVKForObject(t *testing.T) {
	t.Parallel()
	got, err := scheme.GVKForObject(&appsv1.StatefulSet{})
	if err != nil {
		t.Fatalf("GVKForObject: %v", err)
	}
	if got != scheme.StatefulSet {
		t.Errorf("GVKForObject = %v, want %v", got, scheme.StatefulSet)
	}
}

func TestSpecChanged(t *testing.T) {
	t.Parallel()

	readyPod := func(ready bool) *corev1.Pod {
		p := &corev1.Pod{Spec: corev1.PodSpec{NodeName: "node-1"}}
		if ready {
			p.Status.Phase = corev1.PodRunning
		}
		return p
	}

	tests := map[string]struct {
		old, updated runtime.Object
		want         bool
	}{
		"pod status only": {
			old:     readyPod(false),
			updated: readyPod(true),
			want:    false,
		},
		"pod node assignment": {
			old:     &corev1.Pod{},
			updated: &corev1.Pod{Spec: corev1.PodSpec{NodeName: "node-1"}},
			want:    true,
		},
		"claim bind": {
			old:     &corev1.PersistentVolumeClaim{},
			updated: &corev1.PersistentVolumeClaim{Spec: corev1.PersistentVolumeClaimSpec{VolumeName: "pv-a"}},
			want:    true,
		},
		"endpoints subsets are the intent": {
			old: &corev1.Endpoints{},
			updated: &corev1.Endpoints{Subsets: []corev1.EndpointSubset{
				{Addresses: []corev1.EndpointAddress{{IP: "10.0.0.1"}}},
			}},
			want: true,
		},
		"statefulset status only": {
			old: &appsv1.StatefulSet{},
			updated: &appsv1.StatefulSet{
				Status: appsv1.StatefulSetStatus{ReadyReplicas: 2},
			},
			want: false,
		},
		"events never change intent": {
			old:     &corev1.Event{Message: "a"},
			updated: &corev1.Event{Message: "b"},
			want:    false,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if got := scheme.SpecChanged(tc.old, tc.updated); got != tc.want {
				t.Errorf("SpecChanged = %v, want %v", got, tc.want)
			}
		})
	}
}
