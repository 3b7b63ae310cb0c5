package events_test

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"

	"github.com/ArsalanAnwer0/miniplane/pkg/events"
	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
	"github.com/ArsalanAnwer0/miniplane/pkg/testutil"
)

func TestEventIsStored(t *testing.T) {
	t.Parallel()
	s := testutil.NewStore(t)
	r := events.NewRecorder(s, "binder", logr.Discard())
	claim := testutil.MustPut(t, s, testutil.Claim("default", "claim-a", "1Gi")).(*corev1.PersistentVolumeClaim)

	r.Event(claim, corev1.EventTypeWarning, "FailedBinding", "no volume fits")

	stored := testutil.Events(t, s, "claim-a")
	if len(stored) != 1 {
		t.Fatalf("stored %d events, want 1", len(stored))
	}
	event := stored[0]
	if event.Reason != "FailedBinding" || event.Message != "no volume fits" {
		t.Errorf("event = %s %q, want FailedBinding with message", event.Reason, event.Message)
	}
	if event.Type != corev1.EventTypeWarning {
		t.Errorf("type = %s, want Warning", event.Type)
	}
	if event.Source.Component != "binder" {
		t.Errorf("source component = %q, want binder", event.Source.Component)
	}
	if event.InvolvedObject.Kind != "PersistentVolumeClaim" || event.InvolvedObject.UID != claim.UID {
		t.Errorf("involvedObject = %+v, want the claim's reference", event.InvolvedObject)
	}
	if event.Count != 1 || event.FirstTimestamp.IsZero() {
		t.Errorf("event bookkeeping = count %d first %v", event.Count, event.FirstTimestamp)
	}
}

func TestClusterScopedObjectEventsLandInDefaultNamespace(t *testing.T) {
	t.Parallel()
	s := testutil.NewStore(t)
	r := events.NewRecorder(s, "scheduler", logr.Discard())
	node := testutil.MustPut(t, s, testutil.Node("node-1")).(*corev1.Node)

	r.Event(node, corev1.EventTypeNormal, "NodeReady", "kubelet posting ready status")

	listed, err := s.List(context.Background(), scheme.Event, "default", nil)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("listed %d events in default namespace, want 1", len(listed))
	}
}

func TestEventfFormatsMessage(t *testing.T) {
	t.Parallel()
	s := testutil.NewStore(t)
	r := events.NewRecorder(s, "statefulset", logr.Discard())
	set := testutil.MustPut(t, s, testutil.StatefulSet("default", "web", 2))

	r.Eventf(set, corev1.EventTypeNormal, "SuccessfulCreate", "created pod %s", "web-0")

	stored := testutil.Events(t, s, "web")
	if len(stored) != 1 || stored[0].Message != "created pod web-0" {
		t.Fatalf("events = %+v, want one with the formatted message", stored)
	}
}

func TestRepeatedEventsGetDistinctNames(t *testing.T) {
	t.Parallel()
	s := testutil.NewStore(t)
	r := events.NewRecorder(s, "binder", logr.Discard())
	claim := testutil.MustPut(t, s, testutil.Claim("default", "claim-a", "1Gi"))

	r.Event(claim, corev1.EventTypeWarning, "FailedBinding", "no volume fits")
	r.Event(claim, corev1.EventTypeWarning, "FailedBinding", "no volume fits")

	stored := testutil.Events(t, s, "claim-a")
	if len(stored) != 2 {
		t.Fatalf("stored %d events, want 2 distinct objects", len(stored))
	}
	if stored[0].Name == stored[1].Name {
		t.Errorf("both events share the name %q", stored[0].Name)
	}
}
