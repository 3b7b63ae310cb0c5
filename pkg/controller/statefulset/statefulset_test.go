package statefulset_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/ArsalanAnwer0/miniplane/pkg/controller"
	"github.com/ArsalanAnwer0/miniplane/pkg/controller/statefulset"
	"github.com/ArsalanAnwer0/miniplane/pkg/events"
	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
	"github.com/ArsalanAnwer0/miniplane/pkg/store"
	"github.com/ArsalanAnwer0/miniplane/pkg/testutil"
	"github.com/ArsalanAnwer0/miniplane/pkg/util/metadata"
	"github.com/ArsalanAnwer0/miniplane/pkg/util/podutil"
)

func newReconciler(t *testing.T) (*statefulset.Reconciler, *store.Store) {
	t.Helper()
	s := testutil.NewStore(t)
	return &statefulset.Reconciler{
		Store:    s,
		Recorder: events.NewRecorder(s, "statefulset", logr.Discard()),
		Log:      logr.Discard(),
	}, s
}

func reconcileSet(t *testing.T, r *statefulset.Reconciler, namespace, name string) controller.Result {
	t.Helper()
	res, err := r.Reconcile(context.Background(), controller.Request{
		GVK: scheme.StatefulSet,
		Key: store.Key{Namespace: namespace, Name: name},
	})
	if err != nil {
		t.Fatalf("reconcile statefulset %s/%s: %v", namespace, name, err)
	}
	return res
}

func podNames(t *testing.T, s *store.Store, namespace string) []string {
	t.Helper()
	objs, err := s.List(context.Background(), scheme.Pod, namespace, nil)
	if err != nil {
		t.Fatalf("list pods: %v", err)
	}
	var names []string
	for _, obj := range objs {
		names = append(names, obj.(*corev1.Pod).Name)
	}
	return names
}

func markReady(t *testing.T, s *store.Store, namespace, name string) {
	t.Helper()
	pod := testutil.MustGet[*corev1.Pod](t, s, scheme.Pod, namespace, name)
	pod.Status.Phase = corev1.PodRunning
	podutil.SetReady(pod, true)
	testutil.MustPut(t, s, pod)
}

// markStuck flags the pod not Ready since long before any deadline.
func markStuck(t *testing.T, s *store.Store, namespace, name string) {
	t.Helper()
	pod := testutil.MustGet[*corev1.Pod](t, s, scheme.Pod, namespace, name)
	pod.Status.Conditions = []corev1.PodCondition{{
		Type:               corev1.PodReady,
		Status:             corev1.ConditionFalse,
		LastTransitionTime: metav1.NewTime(time.Now().Add(-time.Hour)),
	}}
	testutil.MustPut(t, s, pod)
}

func TestScaleUpIsOrderedAndGated(t *testing.T) {
	t.Parallel()
	r, s := newReconciler(t)
	testutil.MustPut(t, s, testutil.StatefulSet("default", "web", 3))

	reconcileSet(t, r, "default", "web")
	if diff := cmp.Diff([]string{"web-0"}, podNames(t, s, "default")); diff != "" {
		t.Fatalf("pods after first pass (-want +got):\n%s", diff)
	}

	// web-0 is not Ready, so the next pass must wait, not create web-1.
	res := reconcileSet(t, r, "default", "web")
	if diff := cmp.Diff([]string{"web-0"}, podNames(t, s, "default")); diff != "" {
		t.Fatalf("pods while ordinal 0 not ready (-want +got):\n%s", diff)
	}
	if res.RequeueAfter <= 0 {
		t.Error("expected a requeue while waiting for ordinal 0")
	}

	markReady(t, s, "default", "web-0")
	reconcileSet(t, r, "default", "web")
	if diff := cmp.Diff([]string{"web-0", "web-1"}, podNames(t, s, "default")); diff != "" {
		t.Fatalf("pods after ordinal 0 ready (-want +got):\n%s", diff)
	}

	markReady(t, s, "default", "web-1")
	reconcileSet(t, r, "default", "web")
	if diff := cmp.Diff([]string{"web-0", "web-1", "web-2"}, podNames(t, s, "default")); diff != "" {
		t.Fatalf("pods after ordinal 1 ready (-want +got):\n%s", diff)
	}

	pod := testutil.MustGet[*corev1.Pod](t, s, scheme.Pod, "default", "web-2")
	if pod.Labels[metadata.LabelStatefulSet] != "web" {
		t.Errorf("pod owner label = %q, want web", pod.Labels[metadata.LabelStatefulSet])
	}
	if pod.Labels[metadata.LabelPodOrdinal] != "2" {
		t.Errorf("pod ordinal label = %q, want 2", pod.Labels[metadata.LabelPodOrdinal])
	}
	if len(pod.OwnerReferences) != 1 || pod.OwnerReferences[0].Name != "web" {
		t.Errorf("ownerReferences = %+v, want the set", pod.OwnerReferences)
	}

	if !testutil.HasEvent(t, s, "web", "SuccessfulCreate") {
		t.Error("no SuccessfulCreate event recorded")
	}
}

func TestStatusReachesComplete(t *testing.T) {
	t.Parallel()
	r, s := newReconciler(t)
	testutil.MustPut(t, s, testutil.StatefulSet("default", "web", 2))

	for i := 0; i < 2; i++ {
		reconcileSet(t, r, "default", "web")
		markReady(t, s, "default", statefulset.PodName(&appsv1.StatefulSet{
			ObjectMeta: metav1.ObjectMeta{Name: "web"}}, i))
	}
	reconcileSet(t, r, "default", "web")

	set := testutil.MustGet[*appsv1.StatefulSet](t, s, scheme.StatefulSet, "default", "web")
	if set.Status.Replicas != 2 || set.Status.ReadyReplicas != 2 || set.Status.UpdatedReplicas != 2 {
		t.Errorf("status = %+v, want 2/2/2", set.Status)
	}
	if set.Status.ObservedGeneration != set.Generation {
		t.Errorf("observedGeneration = %d, want %d", set.Status.ObservedGeneration, set.Generation)
	}

	var progressing *appsv1.StatefulSetCondition
	for i := range set.Status.Conditions {
		if set.Status.Conditions[i].Type == statefulset.ConditionProgressing {
			progressing = &set.Status.Conditions[i]
		}
	}
	if progressing == nil || progressing.Reason != statefulset.ReasonComplete {
		t.Errorf("progressing condition = %+v, want reason Complete", progressing)
	}

	// A settled set must stop moving: repeated passes write nothing.
	before := set.ResourceVersion
	reconcileSet(t, r, "default", "web")
	after := testutil.MustGet[*appsv1.StatefulSet](t, s, scheme.StatefulSet, "default", "web").ResourceVersion
	if before != after {
		t.Errorf("settled reconcile rewrote status: rv %s -> %s", before, after)
	}
}

func TestScaleDownRemovesHighestFirst(t *testing.T) {
	t.Parallel()
	r, s := newReconciler(t)
	testutil.MustPut(t, s, testutil.StatefulSet("default", "web", 3, testutil.SetClaimTemplate("data", "1Gi")))
	for i := 0; i < 3; i++ {
		reconcileSet(t, r, "default", "web")
		markReady(t, s, "default", "web-"+string(rune('0'+i)))
	}

	set := testutil.MustGet[*appsv1.StatefulSet](t, s, scheme.StatefulSet, "default", "web")
	set.Spec.Replicas = ptr.To(int32(1))
	testutil.MustPut(t, s, set)

	reconcileSet(t, r, "default", "web")
	if diff := cmp.Diff([]string{"web-0", "web-1"}, podNames(t, s, "default")); diff != "" {
		t.Fatalf("pods after first scale-down pass (-want +got):\n%s", diff)
	}
	reconcileSet(t, r, "default", "web")
	if diff := cmp.Diff([]string{"web-0"}, podNames(t, s, "default")); diff != "" {
		t.Fatalf("pods after second scale-down pass (-want +got):\n%s", diff)
	}

	// The removed ordinals' claims survive for a future scale-up.
	for _, claim := range []string{"data-web-0", "data-web-1", "data-web-2"} {
		if _, err := s.Get(context.Background(), scheme.PersistentVolumeClaim,
			store.Key{Namespace: "default", Name: claim}); err != nil {
			t.Errorf("claim %s missing after scale down: %v", claim, err)
		}
	}
	if !testutil.HasEvent(t, s, "web", "SuccessfulDelete") {
		t.Error("no SuccessfulDelete event recorded")
	}
}

func TestClaimReuseAcrossPodRecreation(t *testing.T) {
	t.Parallel()
	r, s := newReconciler(t)
	testutil.MustPut(t, s, testutil.StatefulSet("default", "web", 1, testutil.SetClaimTemplate("data", "1Gi")))

	reconcileSet(t, r, "default", "web")
	claim := testutil.MustGet[*corev1.PersistentVolumeClaim](t, s, scheme.PersistentVolumeClaim, "default", "data-web-0")
	pod := testutil.MustGet[*corev1.Pod](t, s, scheme.Pod, "default", "web-0")

	var claimVolume *corev1.Volume
	for i := range pod.Spec.Volumes {
		if pod.Spec.Volumes[i].Name == "data" {
			claimVolume = &pod.Spec.Volumes[i]
		}
	}
	if claimVolume == nil || claimVolume.PersistentVolumeClaim.ClaimName != "data-web-0" {
		t.Fatalf("pod volume = %+v, want claim data-web-0", claimVolume)
	}

	// Kill the pod; the replacement must reattach the same claim.
	if err := s.Delete(context.Background(), scheme.Pod,
		store.Key{Namespace: "default", Name: "web-0"}); err != nil {
		t.Fatalf("delete pod: %v", err)
	}
	reconcileSet(t, r, "default", "web")

	recreated := testutil.MustGet[*corev1.PersistentVolumeClaim](t, s, scheme.PersistentVolumeClaim, "default", "data-web-0")
	if recreated.UID != claim.UID {
		t.Errorf("claim was recreated (uid %s -> %s), want reuse", claim.UID, recreated.UID)
	}
}

func TestRollingUpdateReplacesHighestStaleFirst(t *testing.T) {
	t.Parallel()
	r, s := newReconciler(t)
	testutil.MustPut(t, s, testutil.StatefulSet("default", "web", 2))
	for i := 0; i < 2; i++ {
		reconcileSet(t, r, "default", "web")
		markReady(t, s, "default", "web-"+string(rune('0'+i)))
	}
	oldHash := testutil.MustGet[*corev1.Pod](t, s, scheme.Pod, "default", "web-0").Labels[metadata.LabelTemplateHash]

	set := testutil.MustGet[*appsv1.StatefulSet](t, s, scheme.StatefulSet, "default", "web")
	set.Spec.Template.Spec.Containers[0].Image = "registry.example.com/app:v2"
	testutil.MustPut(t, s, set)

	// Highest stale ordinal goes first.
	reconcileSet(t, r, "default", "web")
	if diff := cmp.Diff([]string{"web-0"}, podNames(t, s, "default")); diff != "" {
		t.Fatalf("pods after first update pass (-want +got):\n%s", diff)
	}

	// Replacement is created, and no further stale pod is touched until
	// the new one reports Ready.
	reconcileSet(t, r, "default", "web")
	if diff := cmp.Diff([]string{"web-0", "web-1"}, podNames(t, s, "default")); diff != "" {
		t.Fatalf("pods after replacement pass (-want +got):\n%s", diff)
	}
	newPod := testutil.MustGet[*corev1.Pod](t, s, scheme.Pod, "default", "web-1")
	if newPod.Labels[metadata.LabelTemplateHash] == oldHash {
		t.Error("replacement pod carries the stale template hash")
	}
	reconcileSet(t, r, "default", "web")
	if diff := cmp.Diff([]string{"web-0", "web-1"}, podNames(t, s, "default")); diff != "" {
		t.Fatalf("update advanced while replacement not ready (-want +got):\n%s", diff)
	}

	markReady(t, s, "default", "web-1")
	reconcileSet(t, r, "default", "web")
	if diff := cmp.Diff([]string{"web-1"}, podNames(t, s, "default")); diff != "" {
		t.Fatalf("pods after second update pass (-want +got):\n%s", diff)
	}
}

func TestOnDeleteStrategyLeavesStalePods(t *testing.T) {
	t.Parallel()
	r, s := newReconciler(t)
	testutil.MustPut(t, s, testutil.StatefulSet("default", "web", 1,
		testutil.SetUpdateStrategy(appsv1.OnDeleteStatefulSetStrategyType)))
	reconcileSet(t, r, "default", "web")
	markReady(t, s, "default", "web-0")

	set := testutil.MustGet[*appsv1.StatefulSet](t, s, scheme.StatefulSet, "default", "web")
	set.Spec.Template.Spec.Containers[0].Image = "registry.example.com/app:v2"
	testutil.MustPut(t, s, set)

	reconcileSet(t, r, "default", "web")
	pod := testutil.MustGet[*corev1.Pod](t, s, scheme.Pod, "default", "web-0")
	if pod.Spec.Containers[0].Image != "registry.example.com/app:v1" {
		t.Errorf("OnDelete strategy replaced a pod on its own")
	}
}

func TestProgressDeadlineExceeded(t *testing.T) {
	t.Parallel()
	r, s := newReconciler(t)
	testutil.MustPut(t, s, testutil.StatefulSet("default", "web", 2))
	reconcileSet(t, r, "default", "web")
	markStuck(t, s, "default", "web-0")

	res := reconcileSet(t, r, "default", "web")
	if res.RequeueAfter <= 0 {
		t.Error("stuck ordinal must keep being retried")
	}
	if diff := cmp.Diff([]string{"web-0"}, podNames(t, s, "default")); diff != "" {
		t.Fatalf("stuck ordinal was skipped (-want +got):\n%s", diff)
	}

	set := testutil.MustGet[*appsv1.StatefulSet](t, s, scheme.StatefulSet, "default", "web")
	var progressing *appsv1.StatefulSetCondition
	for i := range set.Status.Conditions {
		if set.Status.Conditions[i].Type == statefulset.ConditionProgressing {
			progressing = &set.Status.Conditions[i]
		}
	}
	if progressing == nil {
		t.Fatal("no Progressing condition on a stuck set")
	}
	if progressing.Status != corev1.ConditionFalse || progressing.Reason != statefulset.ReasonDeadlineExceeded {
		t.Errorf("progressing condition = %+v, want False/ProgressDeadlineExceeded", progressing)
	}
	if !testutil.HasEvent(t, s, "web", statefulset.ReasonDeadlineExceeded) {
		t.Error("no ProgressDeadlineExceeded event recorded")
	}

	// The stall report is stable: repeated passes must not rewrite status.
	before := set.ResourceVersion
	reconcileSet(t, r, "default", "web")
	after := testutil.MustGet[*appsv1.StatefulSet](t, s, scheme.StatefulSet, "default", "web").ResourceVersion
	if before != after {
		t.Errorf("stuck reconcile rewrote status: rv %s -> %s", before, after)
	}
}

func TestDeletedSetCollectsItsPods(t *testing.T) {
	t.Parallel()
	r, s := newReconciler(t)
	testutil.MustPut(t, s, testutil.StatefulSet("default", "web", 2, testutil.SetClaimTemplate("data", "1Gi")))
	for i := 0; i < 2; i++ {
		reconcileSet(t, r, "default", "web")
		markReady(t, s, "default", "web-"+string(rune('0'+i)))
	}

	if err := s.Delete(context.Background(), scheme.StatefulSet,
		store.Key{Namespace: "default", Name: "web"}); err != nil {
		t.Fatalf("delete statefulset: %v", err)
	}
	reconcileSet(t, r, "default", "web")

	if pods := podNames(t, s, "default"); len(pods) != 0 {
		t.Errorf("orphan pods survived: %v", pods)
	}
	// Claims are retained even when the set is gone.
	for _, claim := range []string{"data-web-0", "data-web-1"} {
		if _, err := s.Get(context.Background(), scheme.PersistentVolumeClaim,
			store.Key{Namespace: "default", Name: claim}); err != nil {
			t.Errorf("claim %s missing after set deletion: %v", claim, err)
		}
	}
}

func TestUnmanagedPodsAreNotCollected(t *testing.T) {
	t.Parallel()
	r, s := newReconciler(t)
	// Same label as managed pods, but no ownerRef: a user-created pod.
	testutil.MustPut(t, s, testutil.Pod("default", "web-7",
		testutil.PodLabels(map[string]string{metadata.LabelStatefulSet: "web"})))

	reconcileSet(t, r, "default", "web")

	if _, err := s.Get(context.Background(), scheme.Pod,
		store.Key{Namespace: "default", Name: "web-7"}); apierrors.IsNotFound(err) {
		t.Error("unmanaged pod was garbage collected")
	}
}
