package testutil

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
	"github.com/ArsalanAnwer0/miniplane/pkg/store"
)

// NewStore builds an in-memory store for a test.
func NewStore(t *testing.T, opts ...store.Option) *store.Store {
	t.Helper()
	s, err := store.New(opts...)
	if err != nil {
		t.Fatalf("build store: %v", err)
	}
	return s
}

// MustPut stores each object, failing the test on error. It returns the
// stored form of the last object.
func MustPut(t *testing.T, s *store.Store, objs ...runtime.Object) runtime.Object {
	t.Helper()
	var last runtime.Object
	for _, obj := range objs {
		stored, err := s.Put(context.Background(), obj)
		if err != nil {
			t.Fatalf("put %T: %v", obj, err)
		}
		last = stored
	}
	return last
}

// MustGet fetches one object, failing the test on error.
func MustGet[T runtime.Object](t *testing.T, s *store.Store, gvk schema.GroupVersionKind, namespace, name string) T {
	t.Helper()
	obj, err := s.Get(context.Background(), gvk, store.Key{Namespace: namespace, Name: name})
	if err != nil {
		t.Fatalf("get %s %s/%s: %v", gvk.Kind, namespace, name, err)
	}
	return obj.(T)
}

// Events lists the diagnostic events recorded for the named object, in
// store order.
func Events(t *testing.T, s *store.Store, involved string) []*corev1.Event {
	t.Helper()
	objs, err := s.List(context.Background(), scheme.Event, "", nil)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var out []*corev1.Event
	for _, obj := range objs {
		event := obj.(*corev1.Event)
		if event.InvolvedObject.Name == involved {
			out = append(out, event)
		}
	}
	return out
}

// HasEvent reports whether an event with the given reason was recorded
// for the named object.
func HasEvent(t *testing.T, s *store.Store, involved, reason string) bool {
	t.Helper()
	for _, event := range Events(t, s, involved) {
		if event.Reason == reason {
			return true
		}
	}
	return false
}
