package nodeagent_test

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"

	"github.com/ArsalanAnwer0/miniplane/pkg/controller"
	"github.com/ArsalanAnwer0/miniplane/pkg/nodeagent"
	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
	"github.com/ArsalanAnwer0/miniplane/pkg/store"
	"github.com/ArsalanAnwer0/miniplane/pkg/testutil"
	"github.com/ArsalanAnwer0/miniplane/pkg/util/podutil"
)

func reconcile(t *testing.T, a *nodeagent.Agent, namespace, name string) {
	t.Helper()
	_, err := a.Reconcile(context.Background(), controller.Request{
		GVK: scheme.Pod,
		Key: store.Key{Namespace: namespace, Name: name},
	})
	if err != nil {
		t.Fatalf("reconcile pod %s/%s: %v", namespace, name, err)
	}
}

func TestScheduledPodBecomesReady(t *testing.T) {
	t.Parallel()
	s := testutil.NewStore(t)
	a := &nodeagent.Agent{Store: s, Log: logr.Discard()}
	testutil.MustPut(t, s, testutil.Pod("default", "web-0", testutil.PodScheduled("node-1")))

	reconcile(t, a, "default", "web-0")

	pod := testutil.MustGet[*corev1.Pod](t, s, scheme.Pod, "default", "web-0")
	if pod.Status.Phase != corev1.PodRunning {
		t.Errorf("phase = %s, want Running", pod.Status.Phase)
	}
	if !podutil.IsReady(pod) {
		t.Error("pod not Ready after agent pass")
	}
	if pod.Status.PodIP == "" {
		t.Error("pod has no IP after agent pass")
	}
}

func TestUnscheduledPodIsIgnored(t *testing.T) {
	t.Parallel()
	s := testutil.NewStore(t)
	a := &nodeagent.Agent{Store: s, Log: logr.Discard()}
	stored := testutil.MustPut(t, s, testutil.Pod("default", "web-0")).(*corev1.Pod)

	reconcile(t, a, "default", "web-0")

	pod := testutil.MustGet[*corev1.Pod](t, s, scheme.Pod, "default", "web-0")
	if pod.ResourceVersion != stored.ResourceVersion {
		t.Error("agent touched a pod the scheduler has not placed")
	}
}

func TestPodIPIsStableAcrossRecreation(t *testing.T) {
	t.Parallel()
	s := testutil.NewStore(t)
	a := &nodeagent.Agent{Store: s, Log: logr.Discard()}

	testutil.MustPut(t, s, testutil.Pod("default", "web-0", testutil.PodScheduled("node-1")))
	reconcile(t, a, "default", "web-0")
	first := testutil.MustGet[*corev1.Pod](t, s, scheme.Pod, "default", "web-0").Status.PodIP

	if err := s.Delete(context.Background(), scheme.Pod,
		store.Key{Namespace: "default", Name: "web-0"}); err != nil {
		t.Fatalf("delete pod: %v", err)
	}
	testutil.MustPut(t, s, testutil.Pod("default", "web-0", testutil.PodScheduled("node-2")))
	reconcile(t, a, "default", "web-0")
	second := testutil.MustGet[*corev1.Pod](t, s, scheme.Pod, "default", "web-0").Status.PodIP

	if first != second {
		t.Errorf("recreated pod got a different IP: %s vs %s", first, second)
	}
}

func TestRunningReadyPodIsNotRewritten(t *testing.T) {
	t.Parallel()
	s := testutil.NewStore(t)
	a := &nodeagent.Agent{Store: s, Log: logr.Discard()}
	testutil.MustPut(t, s, testutil.Pod("default", "web-0", testutil.PodScheduled("node-1")))
	reconcile(t, a, "default", "web-0")
	before := testutil.MustGet[*corev1.Pod](t, s, scheme.Pod, "default", "web-0").ResourceVersion

	reconcile(t, a, "default", "web-0")

	after := testutil.MustGet[*corev1.Pod](t, s, scheme.Pod, "default", "web-0").ResourceVersion
	if before != after {
		t.Errorf("settled agent pass rewrote the pod: rv %s -> %s", before, after)
	}
}
