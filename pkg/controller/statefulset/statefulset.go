// Package statefulset reconciles StatefulSets: ordered, identity-stable
// creation and deletion of Pods with per-ordinal persistent claims.
//
// The ordering guarantee is the whole point of the controller. Scale-up
// creates one Pod at a time, lowest missing ordinal first, and never
// advances past an ordinal that is not Ready. Scale-down removes only the
// highest ordinal. Rolling updates replace Pods highest-first, gated the
// same way. A stuck ordinal is retried indefinitely with backoff and
// surfaced as a ProgressDeadlineExceeded condition; it is never skipped.
package statefulset

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/ptr"

	"github.com/ArsalanAnwer0/miniplane/pkg/controller"
	"github.com/ArsalanAnwer0/miniplane/pkg/monitoring"
	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
	"github.com/ArsalanAnwer0/miniplane/pkg/store"
	"github.com/ArsalanAnwer0/miniplane/pkg/util/metadata"
	"github.com/ArsalanAnwer0/miniplane/pkg/util/podutil"
)

// Name labels the StatefulSet controller in logs, metrics and events.
const Name = "statefulset"

// DefaultProgressDeadline is how long an ordinal may stay not-Ready before
// the controller surfaces a ProgressDeadlineExceeded condition. The
// controller keeps retrying past the deadline; the condition exists for
// external observation only.
const DefaultProgressDeadline = 2 * time.Minute

// ConditionProgressing tracks whether the set is advancing toward its
// desired replica count and template revision.
const ConditionProgressing appsv1.StatefulSetConditionType = "Progressing"

// Progressing condition reasons.
const (
	ReasonReconciling      = "Reconciling"
	ReasonComplete         = "Complete"
	ReasonDeadlineExceeded = "ProgressDeadlineExceeded"
)

// Reconciler drives StatefulSets toward their declared replica count.
type Reconciler struct {
	Store    *store.Store
	Recorder record.EventRecorder

	// ProgressDeadline overrides DefaultProgressDeadline when positive.
	ProgressDeadline time.Duration

	Log logr.Logger
}

// stuckInfo describes an ordinal blocking progress past its deadline.
type stuckInfo struct {
	pod     string
	message string
}

// Reconcile runs one pass for a single StatefulSet. Each pass performs at
// most one Pod mutation, so ordering never depends on in-pass state: the
// next step happens on the next pass, triggered by the resulting events.
func (r *Reconciler) Reconcile(ctx context.Context, req controller.Request) (controller.Result, error) {
	obj, err := r.Store.Get(ctx, scheme.StatefulSet, req.Key)
	if apierrors.IsNotFound(err) {
		return controller.Result{}, r.collectOrphans(ctx, req.Key)
	}
	if err != nil {
		return controller.Result{}, err
	}
	set := obj.(*appsv1.StatefulSet)

	pods, err := r.ownedPods(ctx, set)
	if err != nil {
		return controller.Result{}, err
	}

	res, stuck, syncErr := r.sync(ctx, set, pods)
	if syncErr != nil {
		return controller.Result{}, syncErr
	}
	if err := r.updateStatus(ctx, set, stuck); err != nil {
		return controller.Result{}, err
	}
	return res, nil
}

// sync applies at most one corrective action, in strict priority order:
// fill the lowest missing ordinal, then trim the highest excess ordinal,
// then replace the highest stale ordinal.
func (r *Reconciler) sync(ctx context.Context, set *appsv1.StatefulSet, pods map[int]*corev1.Pod) (controller.Result, *stuckInfo, error) {
	replicas := int(ptr.Deref(set.Spec.Replicas, 1))
	hash := TemplateHash(set.Spec.Template)

	// Scale up / replace missing ordinals, lowest first, gated on every
	// lower ordinal being Ready.
	for ordinal := 0; ordinal < replicas; ordinal++ {
		if _, ok := pods[ordinal]; ok {
			continue
		}
		for lower := 0; lower < ordinal; lower++ {
			if pod := pods[lower]; !podutil.IsReady(pod) {
				res, stuck := r.waitForReady(set, pod)
				return res, stuck, nil
			}
		}
		return controller.Result{}, nil, r.createOrdinal(ctx, set, ordinal, hash)
	}

	// Scale down: only ever the highest ordinal.
	if highest, ok := highestOrdinal(pods); ok && highest >= replicas {
		return controller.Result{}, nil, r.deleteOrdinal(ctx, set, pods[highest], "scale down")
	}

	// Rolling update: replace stale Pods from the highest ordinal down,
	// one at a time, only while the set is otherwise quiescent. OnDelete
	// leaves stale Pods alone until something else deletes them.
	if set.Spec.UpdateStrategy.Type == appsv1.OnDeleteStatefulSetStrategyType {
		return controller.Result{}, nil, nil
	}
	for ordinal := replicas - 1; ordinal >= 0; ordinal-- {
		pod := pods[ordinal]
		if pod.Labels[metadata.LabelTemplateHash] == hash {
			continue
		}
		for other := 0; other < replicas; other++ {
			if !podutil.IsReady(pods[other]) {
				res, stuck := r.waitForReady(set, pods[other])
				return res, stuck, nil
			}
		}
		return controller.Result{}, nil, r.deleteOrdinal(ctx, set, pod, "rolling update")
	}
	return controller.Result{}, nil, nil
}

// createOrdinal ensures the ordinal's claims exist, then creates its Pod.
// An existing claim is reused untouched: that reattachment is what gives a
// recreated replica its old data back.
func (r *Reconciler) createOrdinal(ctx context.Context, set *appsv1.StatefulSet, ordinal int, hash string) error {
	for _, tmpl := range set.Spec.VolumeClaimTemplates {
		claimKey := store.Key{
			Namespace: set.Namespace,
			Name:      ClaimName(tmpl.Name, set, ordinal),
		}
		_, err := r.Store.Get(ctx, scheme.PersistentVolumeClaim, claimKey)
		if err == nil {
			continue
		}
		if !apierrors.IsNotFound(err) {
			return err
		}
		if _, err := r.Store.Put(ctx, BuildClaim(tmpl, set, ordinal)); err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("create claim %s: %w", claimKey, err)
		}
	}

	pod := BuildPod(set, ordinal, hash)
	if _, err := r.Store.Put(ctx, pod); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("create pod %s: %w", pod.Name, err)
	}
	r.Recorder.Eventf(set, corev1.EventTypeNormal, "SuccessfulCreate",
		"created pod %s", pod.Name)
	r.Log.Info("created pod", "statefulset", set.Name, "pod", pod.Name)
	return nil
}

// deleteOrdinal removes one Pod. Its claims are kept: StatefulSet-owned
// claims are Retain-by-default so the ordinal's data survives.
func (r *Reconciler) deleteOrdinal(ctx context.Context, set *appsv1.StatefulSet, pod *corev1.Pod, why string) error {
	err := r.Store.Delete(ctx, scheme.Pod, store.KeyOf(pod))
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", pod.Name, err)
	}
	r.Recorder.Eventf(set, corev1.EventTypeNormal, "SuccessfulDelete",
		"deleted pod %s (%s)", pod.Name, why)
	r.Log.Info("deleted pod", "statefulset", set.Name, "pod", pod.Name, "reason", why)
	return nil
}

// waitForReady is the gate: progress stops at a not-Ready Pod. Past the
// deadline the stall is surfaced as a condition and event, and the
// ordinal keeps being retried.
func (r *Reconciler) waitForReady(set *appsv1.StatefulSet, pod *corev1.Pod) (controller.Result, *stuckInfo) {
	deadline := r.ProgressDeadline
	if deadline <= 0 {
		deadline = DefaultProgressDeadline
	}

	waited := time.Since(notReadySince(pod).Time)
	if waited < deadline {
		return controller.Result{RequeueAfter: deadline - waited}, nil
	}

	// The message must be stable across passes: the status write below is
	// suppressed as a no-op when nothing changed, which is what lets the
	// retry loop idle instead of rewriting status forever.
	stuck := &stuckInfo{
		pod: pod.Name,
		message: fmt.Sprintf("pod %s has not become Ready within %s",
			pod.Name, deadline),
	}
	r.Recorder.Event(set, corev1.EventTypeWarning, ReasonDeadlineExceeded, stuck.message)
	return controller.Result{RequeueAfter: deadline}, stuck
}

// updateStatus writes the observed counters and the Progressing condition.
// The store suppresses semantically identical writes, so a steady-state
// pass emits no event and the loop settles.
func (r *Reconciler) updateStatus(ctx context.Context, set *appsv1.StatefulSet, stuck *stuckInfo) error {
	pods, err := r.ownedPods(ctx, set)
	if err != nil {
		return err
	}

	replicas := int32(ptr.Deref(set.Spec.Replicas, 1))
	hash := TemplateHash(set.Spec.Template)
	var ready, updated int32
	for _, pod := range pods {
		if podutil.IsReady(pod) {
			ready++
		}
		if pod.Labels[metadata.LabelTemplateHash] == hash {
			updated++
		}
	}

	status := appsv1.StatefulSetStatus{
		ObservedGeneration: set.Generation,
		Replicas:           int32(len(pods)),
		ReadyReplicas:      ready,
		UpdatedReplicas:    updated,
		Conditions:         set.Status.Conditions,
	}

	cond := appsv1.StatefulSetCondition{
		Type:   ConditionProgressing,
		Status: corev1.ConditionTrue,
		Reason: ReasonReconciling,
	}
	switch {
	case stuck != nil:
		cond.Status = corev1.ConditionFalse
		cond.Reason = ReasonDeadlineExceeded
		cond.Message = stuck.message
	case int32(len(pods)) == replicas && ready == replicas && updated == replicas:
		cond.Reason = ReasonComplete
	}
	status.Conditions = setCondition(status.Conditions, cond)

	set.Status = status
	if _, err := r.Store.Put(ctx, set); err != nil {
		return fmt.Errorf("update status of %s: %w", store.KeyOf(set), err)
	}
	monitoring.SetStatefulSetReplicas(set.Name, set.Namespace, replicas, ready)
	return nil
}

// collectOrphans deletes the Pods left behind by a deleted StatefulSet.
// The ownerRef on the Pods is exactly this garbage-collection hint and
// nothing more. Claims are retained.
func (r *Reconciler) collectOrphans(ctx context.Context, key store.Key) error {
	selector := labels.Set{metadata.LabelStatefulSet: key.Name}.AsSelector()
	objs, err := r.Store.List(ctx, scheme.Pod, key.Namespace, selector)
	if err != nil {
		return err
	}
	for _, obj := range objs {
		pod := obj.(*corev1.Pod)
		if !ownedBy(pod, key.Name) {
			continue
		}
		if err := r.Store.Delete(ctx, scheme.Pod, store.KeyOf(pod)); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("collect orphan pod %s: %w", pod.Name, err)
		}
		r.Log.Info("collected orphan pod", "pod", pod.Name, "statefulset", key.Name)
	}
	monitoring.DeleteStatefulSetReplicas(key.Name, key.Namespace)
	return nil
}

// MapEvent routes StatefulSet events to themselves and Pod events to the
// owning set.
func (r *Reconciler) MapEvent(_ context.Context, event watch.Event) []controller.Request {
	switch obj := event.Object.(type) {
	case *appsv1.StatefulSet:
		return []controller.Request{setRequest(store.KeyOf(obj))}
	case *corev1.Pod:
		if owner, ok := obj.Labels[metadata.LabelStatefulSet]; ok {
			return []controller.Request{setRequest(store.Key{Namespace: obj.Namespace, Name: owner})}
		}
	}
	return nil
}

// ListRequests enumerates every StatefulSet, plus the sets referenced by
// Pod labels so orphaned Pods are collected even when the deletion event
// was dropped.
func (r *Reconciler) ListRequests(ctx context.Context) ([]controller.Request, error) {
	seen := make(map[store.Key]bool)
	var reqs []controller.Request
	add := func(key store.Key) {
		if !seen[key] {
			seen[key] = true
			reqs = append(reqs, setRequest(key))
		}
	}

	sets, err := r.Store.List(ctx, scheme.StatefulSet, "", nil)
	if err != nil {
		return nil, err
	}
	for _, obj := range sets {
		add(store.KeyOf(obj.(*appsv1.StatefulSet)))
	}

	pods, err := r.Store.List(ctx, scheme.Pod, "", nil)
	if err != nil {
		return nil, err
	}
	for _, obj := range pods {
		pod := obj.(*corev1.Pod)
		if owner, ok := pod.Labels[metadata.LabelStatefulSet]; ok {
			add(store.Key{Namespace: pod.Namespace, Name: owner})
		}
	}
	return reqs, nil
}

// ownedPods returns the set's Pods keyed by ordinal. Pods with
// unparsable names are ignored (and logged); they were not created by
// this controller.
func (r *Reconciler) ownedPods(ctx context.Context, set *appsv1.StatefulSet) (map[int]*corev1.Pod, error) {
	selector := labels.Set{metadata.LabelStatefulSet: set.Name}.AsSelector()
	objs, err := r.Store.List(ctx, scheme.Pod, set.Namespace, selector)
	if err != nil {
		return nil, err
	}
	pods := make(map[int]*corev1.Pod, len(objs))
	for _, obj := range objs {
		pod := obj.(*corev1.Pod)
		ordinal, ok := Ordinal(pod.Name)
		if !ok {
			r.Log.Info("ignoring pod with no ordinal", "pod", pod.Name, "statefulset", set.Name)
			continue
		}
		pods[ordinal] = pod
	}
	return pods, nil
}

func highestOrdinal(pods map[int]*corev1.Pod) (int, bool) {
	highest, found := -1, false
	for ordinal := range pods {
		if ordinal > highest {
			highest, found = ordinal, true
		}
	}
	return highest, found
}

// notReadySince reports when the Pod last left (or never reached) Ready.
func notReadySince(pod *corev1.Pod) metav1.Time {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady && !cond.LastTransitionTime.IsZero() {
			return cond.LastTransitionTime
		}
	}
	return pod.CreationTimestamp
}

// ownedBy checks the garbage-collection back-reference.
func ownedBy(pod *corev1.Pod, setName string) bool {
	for _, ref := range pod.OwnerReferences {
		if ref.Kind == "StatefulSet" && ref.Name == setName {
			return true
		}
	}
	return false
}

// setCondition upserts a condition, keeping the transition time stable
// when the status does not change.
func setCondition(conds []appsv1.StatefulSetCondition, cond appsv1.StatefulSetCondition) []appsv1.StatefulSetCondition {
	if cond.LastTransitionTime.IsZero() {
		cond.LastTransitionTime = metav1.Now()
	}
	for i, existing := range conds {
		if existing.Type != cond.Type {
			continue
		}
		if existing.Status == cond.Status {
			cond.LastTransitionTime = existing.LastTransitionTime
		}
		conds[i] = cond
		return conds
	}
	return append(conds, cond)
}

func setRequest(key store.Key) controller.Request {
	return controller.Request{GVK: scheme.StatefulSet, Key: key}
}
