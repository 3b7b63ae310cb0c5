// Package events records diagnostic events as first-class Event objects in
// the store, so conditions like FailedBinding are observable through the
// same list interface as everything else.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	ref "k8s.io/client-go/tools/reference"

	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
	"github.com/ArsalanAnwer0/miniplane/pkg/store"
)

// Compile-time interface satisfaction check.
var _ record.EventRecorder = (*Recorder)(nil)

// Recorder implements record.EventRecorder on top of the object store.
// Recording is best effort: a failed write is logged, never propagated,
// since losing a diagnostic event must not fail a reconciliation.
type Recorder struct {
	store     *store.Store
	component string
	log       logr.Logger
}

// NewRecorder creates a Recorder attributing events to the given component.
func NewRecorder(s *store.Store, component string, log logr.Logger) *Recorder {
	return &Recorder{store: s, component: component, log: log}
}

// Event records an event for the involved object.
func (r *Recorder) Event(object runtime.Object, eventtype, reason, message string) {
	involved, err := ref.GetReference(scheme.Scheme, object)
	if err != nil {
		r.log.Error(err, "cannot record event: no reference", "reason", reason)
		return
	}

	namespace := involved.Namespace
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	now := metav1.Now()
	event := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			// Same naming convention as the API server's event recorder:
			// involved object name plus a nanosecond suffix.
			Name:      fmt.Sprintf("%s.%x", involved.Name, now.UnixNano()),
			Namespace: namespace,
		},
		InvolvedObject: *involved,
		Type:           eventtype,
		Reason:         reason,
		Message:        message,
		Source:         corev1.EventSource{Component: r.component},
		FirstTimestamp: now,
		LastTimestamp:  now,
		Count:          1,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.store.Put(ctx, event); err != nil {
		r.log.Error(err, "cannot record event",
			"involved", involved.Name, "reason", reason)
	}
}

// Eventf records a formatted event.
func (r *Recorder) Eventf(object runtime.Object, eventtype, reason, messageFmt string, args ...interface{}) {
	r.Event(object, eventtype, reason, fmt.Sprintf(messageFmt, args...))
}

// AnnotatedEventf behaves like Eventf; the annotations are ignored because
// the store keeps no event aggregation state.
func (r *Recorder) AnnotatedEventf(object runtime.Object, _ map[string]string, eventtype, reason, messageFmt string, args ...interface{}) {
	r.Eventf(object, eventtype, reason, messageFmt, args...)
}
