// Package binder reconciles PersistentVolumeClaims against the pool of
// PersistentVolumes: matching claims to suitable volumes, binding the pair
// atomically, and running the volume reclaim policy when a claim goes away.
package binder

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
	"k8s.io/client-go/tools/record"

	"github.com/ArsalanAnwer0/miniplane/pkg/controller"
	"github.com/ArsalanAnwer0/miniplane/pkg/monitoring"
	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
	"github.com/ArsalanAnwer0/miniplane/pkg/store"
)

// Name labels the binder in logs, metrics and events.
const Name = "binder"

// MatchPolicy orders the volumes that satisfy a claim; the first volume in
// the order is bound. The default favors the smallest sufficient volume,
// breaking ties by creation time, so early small claims do not eat the
// large volumes and binding stays FIFO-fair. The precedence is a policy
// choice, not a hard requirement, which is why it is pluggable.
type MatchPolicy interface {
	Less(a, b *corev1.PersistentVolume) bool
}

// SmallestFit is the default MatchPolicy: smallest sufficient capacity
// first, then earliest creation time, then name for stability.
type SmallestFit struct{}

// Less implements MatchPolicy.
func (SmallestFit) Less(a, b *corev1.PersistentVolume) bool {
	ca := a.Spec.Capacity[corev1.ResourceStorage]
	cb := b.Spec.Capacity[corev1.ResourceStorage]
	if cmp := ca.Cmp(cb); cmp != 0 {
		return cmp < 0
	}
	if !a.CreationTimestamp.Equal(&b.CreationTimestamp) {
		return a.CreationTimestamp.Before(&b.CreationTimestamp)
	}
	return a.Name < b.Name
}

// Reconciler binds claims to volumes and reclaims released volumes.
type Reconciler struct {
	Store    *store.Store
	Recorder record.EventRecorder
	Policy   MatchPolicy
	Log      logr.Logger
}

// Reconcile dispatches on the request kind: claims are matched and bound,
// volumes are initialized and reclaimed.
func (r *Reconciler) Reconcile(ctx context.Context, req controller.Request) (controller.Result, error) {
	switch req.GVK {
	case scheme.PersistentVolumeClaim:
		return controller.Result{}, r.syncClaim(ctx, req.Key)
	case scheme.PersistentVolume:
		return controller.Result{}, r.syncVolume(ctx, req.Key)
	}
	return controller.Result{}, nil
}

// MapEvent translates volume and claim events into the requests they
// affect. A volume change may unblock any pending claim, so those are all
// re-enqueued alongside the volume itself.
func (r *Reconciler) MapEvent(ctx context.Context, event watch.Event) []controller.Request {
	switch obj := event.Object.(type) {
	case *corev1.PersistentVolumeClaim:
		reqs := []controller.Request{claimRequest(store.KeyOf(obj))}
		// A deleted claim's bound volume must be reclaimed now, not on
		// the next resync tick.
		if obj.Spec.VolumeName != "" {
			reqs = append(reqs, volumeRequest(obj.Spec.VolumeName))
		}
		return reqs

	case *corev1.PersistentVolume:
		reqs := []controller.Request{volumeRequest(obj.Name)}
		if ref := obj.Spec.ClaimRef; ref != nil {
			reqs = append(reqs, claimRequest(store.Key{Namespace: ref.Namespace, Name: ref.Name}))
		}
		pending, err := r.pendingClaims(ctx)
		if err != nil {
			r.Log.Error(err, "cannot list pending claims for volume event", "volume", obj.Name)
			return reqs
		}
		return append(reqs, pending...)
	}
	return nil
}

// ListRequests enumerates every claim and volume for a resync pass.
func (r *Reconciler) ListRequests(ctx context.Context) ([]controller.Request, error) {
	var reqs []controller.Request
	claims, err := r.Store.List(ctx, scheme.PersistentVolumeClaim, "", nil)
	if err != nil {
		return nil, err
	}
	for _, obj := range claims {
		pvc := obj.(*corev1.PersistentVolumeClaim)
		reqs = append(reqs, claimRequest(store.KeyOf(pvc)))
	}
	volumes, err := r.Store.List(ctx, scheme.PersistentVolume, "", nil)
	if err != nil {
		return nil, err
	}
	for _, obj := range volumes {
		reqs = append(reqs, volumeRequest(obj.(*corev1.PersistentVolume).Name))
	}
	return reqs, nil
}

// syncClaim drives one claim: Pending claims get matched and bound, Bound
// claims whose volume disappeared become Lost.
func (r *Reconciler) syncClaim(ctx context.Context, key store.Key) error {
	obj, err := r.Store.Get(ctx, scheme.PersistentVolumeClaim, key)
	if apierrors.IsNotFound(err) {
		// Reclaim of the bound volume happens from the volume side.
		return nil
	}
	if err != nil {
		return err
	}
	pvc := obj.(*corev1.PersistentVolumeClaim)

	switch pvc.Status.Phase {
	case corev1.ClaimBound:
		return r.checkBoundClaim(ctx, pvc)
	case corev1.ClaimLost:
		// Terminal.
		return nil
	}

	if pvc.Status.Phase == "" {
		pvc.Status.Phase = corev1.ClaimPending
		updated, err := r.Store.Put(ctx, pvc)
		if err != nil {
			return fmt.Errorf("set claim %s pending: %w", key, err)
		}
		pvc = updated.(*corev1.PersistentVolumeClaim)
	}

	return r.bindClaim(ctx, pvc)
}

// bindClaim matches a pending claim against available volumes and commits
// the bind as one transaction over both objects. No match is a normal,
// retried condition surfaced as a FailedBinding event, not an error.
func (r *Reconciler) bindClaim(ctx context.Context, pvc *corev1.PersistentVolumeClaim) error {
	ctx, span := monitoring.StartChildSpan(ctx, "binder.Bind")
	defer span.End()

	candidates, err := r.findCandidates(ctx, pvc)
	if err != nil {
		monitoring.RecordBindAttempt(monitoring.BindResultError)
		return err
	}
	if len(candidates) == 0 {
		monitoring.RecordBindAttempt(monitoring.BindResultUnbound)
		r.Recorder.Event(pvc, corev1.EventTypeWarning, "FailedBinding",
			"no persistent volume satisfies the claim's capacity, access modes and selector")
		return nil
	}

	policy := r.Policy
	if policy == nil {
		policy = SmallestFit{}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return policy.Less(candidates[i], candidates[j])
	})
	pv := candidates[0]

	pv.Spec.ClaimRef = &corev1.ObjectReference{
		APIVersion: corev1.SchemeGroupVersion.String(),
		Kind:       "PersistentVolumeClaim",
		Namespace:  pvc.Namespace,
		Name:       pvc.Name,
		UID:        pvc.UID,
	}
	pv.Status.Phase = corev1.VolumeBound
	pvc.Spec.VolumeName = pv.Name
	pvc.Status.Phase = corev1.ClaimBound

	if err := r.Store.PutAll(ctx, pv, pvc); err != nil {
		monitoring.RecordBindAttempt(monitoring.BindResultError)
		return fmt.Errorf("bind claim %s to volume %s: %w", store.KeyOf(pvc), pv.Name, err)
	}
	monitoring.RecordBindAttempt(monitoring.BindResultBound)
	r.Log.Info("bound claim to volume", "claim", store.KeyOf(pvc).String(), "volume", pv.Name)
	return nil
}

// checkBoundClaim marks a bound claim Lost when its volume was deleted.
// Bound is otherwise terminal.
func (r *Reconciler) checkBoundClaim(ctx context.Context, pvc *corev1.PersistentVolumeClaim) error {
	if pvc.Spec.VolumeName == "" {
		return nil
	}
	_, err := r.Store.Get(ctx, scheme.PersistentVolume, store.Key{Name: pvc.Spec.VolumeName})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}

	pvc.Status.Phase = corev1.ClaimLost
	if _, err := r.Store.Put(ctx, pvc); err != nil {
		return fmt.Errorf("mark claim %s lost: %w", store.KeyOf(pvc), err)
	}
	r.Recorder.Eventf(pvc, corev1.EventTypeWarning, "ClaimLost",
		"bound volume %q was deleted", pvc.Spec.VolumeName)
	return nil
}

// findCandidates returns the available volumes satisfying the claim's
// capacity, access modes and label selector.
func (r *Reconciler) findCandidates(ctx context.Context, pvc *corev1.PersistentVolumeClaim) ([]*corev1.PersistentVolume, error) {
	var selector labels.Selector
	if pvc.Spec.Selector != nil {
		var err error
		selector, err = metav1.LabelSelectorAsSelector(pvc.Spec.Selector)
		if err != nil {
			return nil, fmt.Errorf("claim %s selector: %w", store.KeyOf(pvc), err)
		}
	}
	requested := pvc.Spec.Resources.Requests[corev1.ResourceStorage]

	objs, err := r.Store.List(ctx, scheme.PersistentVolume, "", nil)
	if err != nil {
		return nil, err
	}
	var candidates []*corev1.PersistentVolume
	for _, obj := range objs {
		pv := obj.(*corev1.PersistentVolume)
		if pv.Status.Phase != corev1.VolumeAvailable || pv.Spec.ClaimRef != nil {
			continue
		}
		// A claim that already names a volume is only satisfied by it.
		if pvc.Spec.VolumeName != "" && pv.Name != pvc.Spec.VolumeName {
			continue
		}
		capacity := pv.Spec.Capacity[corev1.ResourceStorage]
		if capacity.Cmp(requested) < 0 {
			continue
		}
		if !hasAllAccessModes(pv.Spec.AccessModes, pvc.Spec.AccessModes) {
			continue
		}
		if selector != nil && !selector.Matches(labels.Set(pv.Labels)) {
			continue
		}
		candidates = append(candidates, pv)
	}
	return candidates, nil
}

// syncVolume initializes new volumes and reclaims volumes whose claim was
// deleted, honoring the volume's reclaim policy.
func (r *Reconciler) syncVolume(ctx context.Context, key store.Key) error {
	obj, err := r.Store.Get(ctx, scheme.PersistentVolume, key)
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	pv := obj.(*corev1.PersistentVolume)

	if pv.Status.Phase == "" {
		pv.Status.Phase = corev1.VolumeAvailable
		if _, err := r.Store.Put(ctx, pv); err != nil {
			return fmt.Errorf("set volume %s available: %w", key, err)
		}
		return nil
	}

	if pv.Status.Phase != corev1.VolumeBound || pv.Spec.ClaimRef == nil {
		return nil
	}

	claimKey := store.Key{Namespace: pv.Spec.ClaimRef.Namespace, Name: pv.Spec.ClaimRef.Name}
	_, err = r.Store.Get(ctx, scheme.PersistentVolumeClaim, claimKey)
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}

	switch pv.Spec.PersistentVolumeReclaimPolicy {
	case corev1.PersistentVolumeReclaimDelete:
		if err := r.Store.Delete(ctx, scheme.PersistentVolume, key); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("reclaim delete volume %s: %w", key, err)
		}
		r.Log.Info("reclaimed volume", "volume", key.Name, "policy", "Delete")
	default:
		// Retain: the volume survives, holding its data, until an operator
		// cleans it up out of band.
		pv.Spec.ClaimRef = nil
		pv.Status.Phase = corev1.VolumeReleased
		if _, err := r.Store.Put(ctx, pv); err != nil {
			return fmt.Errorf("release volume %s: %w", key, err)
		}
		r.Log.Info("released volume", "volume", key.Name, "policy", "Retain")
	}
	return nil
}

// pendingClaims lists requests for every claim not yet bound.
func (r *Reconciler) pendingClaims(ctx context.Context) ([]controller.Request, error) {
	objs, err := r.Store.List(ctx, scheme.PersistentVolumeClaim, "", nil)
	if err != nil {
		return nil, err
	}
	var reqs []controller.Request
	for _, obj := range objs {
		pvc := obj.(*corev1.PersistentVolumeClaim)
		if pvc.Status.Phase != corev1.ClaimBound {
			reqs = append(reqs, claimRequest(store.KeyOf(pvc)))
		}
	}
	return reqs, nil
}

func hasAllAccessModes(have, want []corev1.PersistentVolumeAccessMode) bool {
	for _, mode := range want {
		found := false
		for _, h := range have {
			if h == mode {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func claimRequest(key store.Key) controller.Request {
	return controller.Request{GVK: scheme.PersistentVolumeClaim, Key: key}
}

func volumeRequest(name string) controller.Request {
	return controller.Request{GVK: scheme.PersistentVolume, Key: store.Key{Name: name}}
}
