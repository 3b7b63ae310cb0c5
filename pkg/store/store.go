// Package store implements the in-memory object registry backing the
// reconciliation engine.
//
// All cluster state lives behind the narrow Get/List/Put/PutAll/Delete
// surface. Writes use optimistic concurrency: an update must carry the
// resourceVersion it read, and loses with a Conflict error if another
// writer got there first. Every effective write notifies the event sink
// synchronously before returning, so subscribers observe a superset of
// completed writes on their next reconciliation pass.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
)

// ErrCorrupted reports a binding-invariant violation (for example a
// PersistentVolume claimed by two claims). The store refuses the write and
// the engine treats the error as fatal: corruption is surfaced to the
// operator, never silently repaired, since auto-correcting could hide a
// data-loss bug.
var ErrCorrupted = errors.New("object store corrupted")

// Key identifies an object within a kind.
type Key struct {
	Namespace string
	Name      string
}

func (k Key) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return k.Namespace + "/" + k.Name
}

// KeyOf returns the store key for a typed object.
func KeyOf(obj metav1.Object) Key {
	return Key{Namespace: obj.GetNamespace(), Name: obj.GetName()}
}

// EventSink receives a notification for every effective write. Publish must
// not block; the bus enforces this with bounded per-subscriber queues.
type EventSink interface {
	Publish(event watch.Event)
}

// Store is the single shared mutable state of the engine.
type Store struct {
	mu      sync.RWMutex
	objects map[schema.GroupVersionKind]map[Key]runtime.Object
	rv      uint64

	sink    EventSink
	backend Backend
	log     logr.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithEventSink attaches a write-notification sink, typically the event bus.
func WithEventSink(sink EventSink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithBackend attaches a durable journal. Existing records are replayed by
// New so resourceVersions survive restarts.
func WithBackend(b Backend) Option {
	return func(s *Store) { s.backend = b }
}

// WithLogger sets the store logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates a Store. With a backend configured, the journal is replayed
// before the store accepts writes.
func New(opts ...Option) (*Store, error) {
	s := &Store{
		objects: make(map[schema.GroupVersionKind]map[Key]runtime.Object),
		log:     logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.backend != nil {
		if err := s.replay(); err != nil {
			return nil, fmt.Errorf("replay journal: %w", err)
		}
	}
	return s, nil
}

// Get returns a deep copy of the stored object.
func (s *Store) Get(_ context.Context, gvk schema.GroupVersionKind, key Key) (runtime.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[gvk][key]
	if !ok {
		return nil, apierrors.NewNotFound(groupResource(gvk), key.String())
	}
	return obj.DeepCopyObject(), nil
}

// List returns deep copies of all objects of the kind matching the
// namespace ("" for all namespaces) and selector (nil for everything).
// The result is a snapshot consistent as of call time, sorted by
// namespace/name for determinism.
func (s *Store) List(_ context.Context, gvk schema.GroupVersionKind, namespace string, sel labels.Selector) ([]runtime.Object, error) {
	if sel == nil {
		sel = labels.Everything()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []runtime.Object
	for key, obj := range s.objects[gvk] {
		if namespace != "" && key.Namespace != namespace {
			continue
		}
		acc, err := meta.Accessor(obj)
		if err != nil {
			return nil, fmt.Errorf("access %s %s: %w", gvk.Kind, key, err)
		}
		if !sel.Matches(labels.Set(acc.GetLabels())) {
			continue
		}
		out = append(out, obj.DeepCopyObject())
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := meta.Accessor(out[i])
		b, _ := meta.Accessor(out[j])
		if a.GetNamespace() != b.GetNamespace() {
			return a.GetNamespace() < b.GetNamespace()
		}
		return a.GetName() < b.GetName()
	})
	return out, nil
}

// Put creates or replaces an object.
//
// An object without a resourceVersion is a create; it fails with
// AlreadyExists if the name is taken. An object with a resourceVersion is
// an update; it fails with Conflict when the version does not match the
// stored one, and with NotFound when the object no longer exists.
//
// A semantically identical update is a no-op: no resourceVersion bump and
// no event. The returned object is the stored state after the call.
func (s *Store) Put(_ context.Context, obj runtime.Object) (runtime.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged, err := s.preparePut(obj, nil)
	if err != nil {
		return nil, err
	}
	if staged.noop {
		return staged.obj.DeepCopyObject(), nil
	}
	if err := s.commit([]*stagedWrite{staged}); err != nil {
		return nil, err
	}
	return staged.obj.DeepCopyObject(), nil
}

// PutAll applies several writes as a single transaction: either every
// object commits (each with its own new resourceVersion) or none do. The
// binder uses this to flip a volume and its claim to Bound atomically.
func (s *Store) PutAll(_ context.Context, objs ...runtime.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	overlay := make(map[stagedKey]runtime.Object, len(objs))
	staged := make([]*stagedWrite, 0, len(objs))
	for _, obj := range objs {
		w, err := s.preparePut(obj, overlay)
		if err != nil {
			return err
		}
		if w.noop {
			continue
		}
		overlay[stagedKey{w.gvk, w.key}] = w.obj
		staged = append(staged, w)
	}
	return s.commit(staged)
}

// Delete removes an object. The final state of the object is carried on
// the Deleted event.
func (s *Store) Delete(_ context.Context, gvk schema.GroupVersionKind, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[gvk][key]
	if !ok {
		return apierrors.NewNotFound(groupResource(gvk), key.String())
	}

	s.rv++
	if s.backend != nil {
		rec := Record{
			ResourceVersion: s.rv,
			Op:              OpDelete,
			APIVersion:      gvk.GroupVersion().String(),
			Kind:            gvk.Kind,
			Namespace:       key.Namespace,
			Name:            key.Name,
		}
		if err := s.backend.Append(rec); err != nil {
			s.rv--
			return fmt.Errorf("journal delete %s %s: %w", gvk.Kind, key, err)
		}
	}

	delete(s.objects[gvk], key)
	s.publish(watch.Event{Type: watch.Deleted, Object: obj.DeepCopyObject()})
	return nil
}

type stagedKey struct {
	gvk schema.GroupVersionKind
	key Key
}

type stagedWrite struct {
	gvk       schema.GroupVersionKind
	key       Key
	obj       runtime.Object
	eventType watch.EventType
	noop      bool
}

// preparePut validates a write against current state plus any overlay of
// writes staged earlier in the same transaction. It returns the staged
// object with store-managed metadata already assigned. Callers hold s.mu.
func (s *Store) preparePut(obj runtime.Object, overlay map[stagedKey]runtime.Object) (*stagedWrite, error) {
	gvk, err := scheme.GVKForObject(obj)
	if err != nil {
		return nil, err
	}

	cp := obj.DeepCopyObject()
	cp.GetObjectKind().SetGroupVersionKind(gvk)
	acc, err := meta.Accessor(cp)
	if err != nil {
		return nil, fmt.Errorf("access object: %w", err)
	}
	if err := s.validateMetadata(gvk, acc); err != nil {
		return nil, err
	}
	key := KeyOf(acc)

	existing, ok := s.objects[gvk][key]
	if o, staged := overlay[stagedKey{gvk, key}]; staged {
		existing, ok = o, true
	}

	w := &stagedWrite{gvk: gvk, key: key, obj: cp}
	switch {
	case !ok:
		if acc.GetResourceVersion() != "" {
			return nil, apierrors.NewNotFound(groupResource(gvk), key.String())
		}
		if acc.GetUID() == "" {
			acc.SetUID(types.UID(uuid.NewString()))
		}
		if ts := acc.GetCreationTimestamp(); ts.IsZero() {
			acc.SetCreationTimestamp(metav1.Now())
		}
		acc.SetGeneration(1)
		w.eventType = watch.Added

	default:
		exAcc, err := meta.Accessor(existing)
		if err != nil {
			return nil, fmt.Errorf("access stored object: %w", err)
		}
		if acc.GetResourceVersion() == "" {
			return nil, apierrors.NewAlreadyExists(groupResource(gvk), key.String())
		}
		if acc.GetResourceVersion() != exAcc.GetResourceVersion() {
			return nil, apierrors.NewConflict(groupResource(gvk), key.String(),
				fmt.Errorf("resourceVersion %s does not match stored %s",
					acc.GetResourceVersion(), exAcc.GetResourceVersion()))
		}

		// Immutable metadata always comes from the stored object.
		acc.SetUID(exAcc.GetUID())
		acc.SetCreationTimestamp(exAcc.GetCreationTimestamp())

		gen := exAcc.GetGeneration()
		if scheme.SpecChanged(existing, cp) {
			gen++
		}
		acc.SetGeneration(gen)

		if apiequality.Semantic.DeepEqual(existing, cp) {
			w.obj = existing
			w.noop = true
			return w, nil
		}
		w.eventType = watch.Modified
	}

	if gvk == scheme.PersistentVolume || gvk == scheme.PersistentVolumeClaim {
		if err := s.checkBindingInvariants(w, overlay); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// commit assigns resourceVersions, journals the whole transaction as one
// atomic append, then installs and publishes the staged writes in order.
// On any failure the version counter rolls back and nothing is installed,
// so a failed transaction leaves neither memory nor journal changed.
// Callers hold s.mu.
func (s *Store) commit(staged []*stagedWrite) error {
	base := s.rv
	records := make([]Record, 0, len(staged))
	for _, w := range staged {
		s.rv++
		acc, err := meta.Accessor(w.obj)
		if err != nil {
			s.rv = base
			return fmt.Errorf("access staged object: %w", err)
		}
		acc.SetResourceVersion(strconv.FormatUint(s.rv, 10))

		if s.backend != nil {
			data, err := json.Marshal(w.obj)
			if err != nil {
				s.rv = base
				return fmt.Errorf("encode %s %s: %w", w.gvk.Kind, w.key, err)
			}
			records = append(records, Record{
				ResourceVersion: s.rv,
				Op:              OpPut,
				APIVersion:      w.gvk.GroupVersion().String(),
				Kind:            w.gvk.Kind,
				Namespace:       w.key.Namespace,
				Name:            w.key.Name,
				Object:          data,
			})
		}
	}
	if s.backend != nil && len(records) > 0 {
		if err := s.backend.Append(records...); err != nil {
			s.rv = base
			return fmt.Errorf("journal %d records: %w", len(records), err)
		}
	}
	for _, w := range staged {
		if s.objects[w.gvk] == nil {
			s.objects[w.gvk] = make(map[Key]runtime.Object)
		}
		s.objects[w.gvk][w.key] = w.obj
		s.publish(watch.Event{Type: w.eventType, Object: w.obj.DeepCopyObject()})
	}
	return nil
}

// validateMetadata enforces the name/namespace envelope rules for a kind.
func (s *Store) validateMetadata(gvk schema.GroupVersionKind, acc metav1.Object) error {
	var errs field.ErrorList
	metaPath := field.NewPath("metadata")
	if acc.GetName() == "" {
		errs = append(errs, field.Required(metaPath.Child("name"), "name is required"))
	}
	if scheme.IsNamespaced(gvk) {
		if acc.GetNamespace() == "" {
			errs = append(errs, field.Required(metaPath.Child("namespace"), "namespace is required"))
		}
	} else if acc.GetNamespace() != "" {
		errs = append(errs, field.Invalid(metaPath.Child("namespace"), acc.GetNamespace(),
			fmt.Sprintf("%s is cluster-scoped", gvk.Kind)))
	}
	if len(errs) > 0 {
		return apierrors.NewInvalid(gvk.GroupKind(), acc.GetName(), errs)
	}
	return nil
}

// checkBindingInvariants verifies that committing the staged write would
// not leave a PersistentVolume referenced by two claims or a claim bound
// to two volumes. Violations are corruption, not user error: the write is
// refused with ErrCorrupted and must be investigated, never papered over.
func (s *Store) checkBindingInvariants(w *stagedWrite, overlay map[stagedKey]runtime.Object) error {
	// Effective object lookup: staged write, then overlay, then stored.
	get := func(gvk schema.GroupVersionKind, key Key) runtime.Object {
		if w.gvk == gvk && w.key == key {
			return w.obj
		}
		if o, ok := overlay[stagedKey{gvk, key}]; ok {
			return o
		}
		return s.objects[gvk][key]
	}

	claimedBy := make(map[string]Key) // PV name -> claim key
	scan := func(key Key, obj runtime.Object) error {
		pvc, ok := obj.(*corev1.PersistentVolumeClaim)
		if !ok || pvc.Spec.VolumeName == "" {
			return nil
		}
		if prev, dup := claimedBy[pvc.Spec.VolumeName]; dup && prev != key {
			s.log.Error(nil, "binding invariant violated: volume claimed twice",
				"volume", pvc.Spec.VolumeName, "claims", []string{prev.String(), key.String()})
			return fmt.Errorf("%w: volume %q claimed by both %s and %s",
				ErrCorrupted, pvc.Spec.VolumeName, prev, key)
		}
		claimedBy[pvc.Spec.VolumeName] = key
		return nil
	}
	for key := range s.objects[scheme.PersistentVolumeClaim] {
		if err := scan(key, get(scheme.PersistentVolumeClaim, key)); err != nil {
			return err
		}
	}
	if w.gvk == scheme.PersistentVolumeClaim {
		if err := scan(w.key, w.obj); err != nil {
			return err
		}
	}

	// No two volumes may carry a claimRef to the same claim, and a
	// volume's claimRef must agree with the claim that names it.
	boundTo := make(map[Key]string) // claim key -> PV name
	scanPV := func(key Key, obj runtime.Object) error {
		pv, ok := obj.(*corev1.PersistentVolume)
		if !ok || pv.Spec.ClaimRef == nil {
			return nil
		}
		refKey := Key{Namespace: pv.Spec.ClaimRef.Namespace, Name: pv.Spec.ClaimRef.Name}
		if prev, dup := boundTo[refKey]; dup && prev != pv.Name {
			s.log.Error(nil, "binding invariant violated: claim bound twice",
				"claim", refKey.String(), "volumes", []string{prev, pv.Name})
			return fmt.Errorf("%w: claim %s bound by both volumes %q and %q",
				ErrCorrupted, refKey, prev, pv.Name)
		}
		boundTo[refKey] = pv.Name
		if claimed, ok := claimedBy[pv.Name]; ok && claimed != refKey {
			s.log.Error(nil, "binding invariant violated: claimRef mismatch",
				"volume", pv.Name, "claimRef", refKey.String(), "claimedBy", claimed.String())
			return fmt.Errorf("%w: volume %q claimRef %s disagrees with claim %s",
				ErrCorrupted, pv.Name, refKey, claimed)
		}
		return nil
	}
	for key := range s.objects[scheme.PersistentVolume] {
		if err := scanPV(key, get(scheme.PersistentVolume, key)); err != nil {
			return err
		}
	}
	if w.gvk == scheme.PersistentVolume {
		if err := scanPV(w.key, w.obj); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) publish(event watch.Event) {
	if s.sink != nil {
		s.sink.Publish(event)
	}
}

// replay loads the journal into memory. The highest record id becomes the
// next resourceVersion base, so versions keep increasing across restarts.
func (s *Store) replay() error {
	return s.backend.Replay(func(rec Record) error {
		gvk := schema.FromAPIVersionAndKind(rec.APIVersion, rec.Kind)
		key := Key{Namespace: rec.Namespace, Name: rec.Name}
		switch rec.Op {
		case OpPut:
			obj, err := scheme.New(gvk)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(rec.Object, obj); err != nil {
				return fmt.Errorf("decode %s %s: %w", rec.Kind, key, err)
			}
			if s.objects[gvk] == nil {
				s.objects[gvk] = make(map[Key]runtime.Object)
			}
			s.objects[gvk][key] = obj
		case OpDelete:
			delete(s.objects[gvk], key)
		default:
			return fmt.Errorf("unknown journal op %q at id %d", rec.Op, rec.ResourceVersion)
		}
		if rec.ResourceVersion > s.rv {
			s.rv = rec.ResourceVersion
		}
		return nil
	})
}

func groupResource(gvk schema.GroupVersionKind) schema.GroupResource {
	return schema.GroupResource{Group: gvk.Group, Resource: strings.ToLower(gvk.Kind) + "s"}
}
