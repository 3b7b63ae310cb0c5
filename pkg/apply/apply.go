// Package apply turns declarative manifests into store writes.
//
// Apply is the external write surface of the engine: it parses YAML or
// JSON manifests into the typed objects the controllers understand,
// validates them, and upserts them with optimistic concurrency.
package apply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/validation/field"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/yaml"

	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
	"github.com/ArsalanAnwer0/miniplane/pkg/store"
)

// Apply parses a (possibly multi-document) manifest and upserts every
// object in order. It returns the stored state of each object. Unknown
// kinds and malformed specs fail with an Invalid error; nothing before
// the failing document is rolled back, matching apply semantics.
func Apply(ctx context.Context, s *store.Store, manifest []byte) ([]runtime.Object, error) {
	decoder := utilyaml.NewYAMLOrJSONDecoder(bytes.NewReader(manifest), 4096)

	var applied []runtime.Object
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				return applied, nil
			}
			return applied, apierrors.NewBadRequest(fmt.Sprintf("cannot parse manifest: %v", err))
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		obj, err := decode(raw)
		if err != nil {
			return applied, err
		}
		stored, err := upsert(ctx, s, obj)
		if err != nil {
			return applied, err
		}
		applied = append(applied, stored)
	}
}

// decode resolves one document into a validated typed object.
func decode(raw []byte) (runtime.Object, error) {
	var tm metav1.TypeMeta
	if err := yaml.Unmarshal(raw, &tm); err != nil {
		return nil, apierrors.NewBadRequest(fmt.Sprintf("cannot read manifest type: %v", err))
	}
	if tm.Kind == "" {
		return nil, apierrors.NewBadRequest("manifest has no kind")
	}
	gvk, ok := scheme.LookupKind(tm.Kind)
	if !ok {
		return nil, apierrors.NewInvalid(
			schema.GroupKind{Kind: tm.Kind}, "",
			field.ErrorList{field.NotSupported(
				field.NewPath("kind"), tm.Kind, supportedKinds())})
	}

	obj, err := scheme.New(gvk)
	if err != nil {
		return nil, err
	}
	if err := yaml.UnmarshalStrict(raw, obj); err != nil {
		return nil, apierrors.NewInvalid(gvk.GroupKind(), "",
			field.ErrorList{field.Invalid(field.NewPath(""), string(raw),
				fmt.Sprintf("cannot decode %s: %v", gvk.Kind, err))})
	}

	acc, err := meta.Accessor(obj)
	if err != nil {
		return nil, fmt.Errorf("access decoded object: %w", err)
	}
	if scheme.IsNamespaced(gvk) && acc.GetNamespace() == "" {
		acc.SetNamespace(metav1.NamespaceDefault)
	}

	applyDefaults(obj)
	if errs := validate(obj); len(errs) > 0 {
		return nil, apierrors.NewInvalid(gvk.GroupKind(), acc.GetName(), errs)
	}
	return obj, nil
}

// upsert creates the object, or updates it at the current resourceVersion
// when it already exists. A manifest that carries its own resourceVersion
// is used as-is, so callers can demand update-only semantics and see the
// Conflict themselves.
func upsert(ctx context.Context, s *store.Store, obj runtime.Object) (runtime.Object, error) {
	acc, err := meta.Accessor(obj)
	if err != nil {
		return nil, fmt.Errorf("access object: %w", err)
	}
	if acc.GetResourceVersion() != "" {
		return s.Put(ctx, obj)
	}

	gvk, err := scheme.GVKForObject(obj)
	if err != nil {
		return nil, err
	}

	var stored runtime.Object
	err = retry.RetryOnConflict(retry.DefaultRetry, func() error {
		acc.SetResourceVersion("")
		created, putErr := s.Put(ctx, obj)
		if putErr == nil {
			stored = created
			return nil
		}
		if !apierrors.IsAlreadyExists(putErr) {
			return putErr
		}
		current, getErr := s.Get(ctx, gvk, store.KeyOf(acc))
		if getErr != nil {
			return getErr
		}
		currentAcc, accErr := meta.Accessor(current)
		if accErr != nil {
			return accErr
		}
		preserveControllerFields(obj, current)
		acc.SetResourceVersion(currentAcc.GetResourceVersion())
		updated, putErr := s.Put(ctx, obj)
		if putErr != nil {
			return putErr
		}
		stored = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// preserveControllerFields carries forward the status and the
// controller-owned spec fields a manifest cannot express. Without this a
// re-apply would erase what the controllers decided: a bound claim would
// lose its volumeName and phase, a scheduled pod its node. A manifest that
// explicitly sets one of these fields still wins.
func preserveControllerFields(desired, current runtime.Object) {
	switch d := desired.(type) {
	case *corev1.Pod:
		c := current.(*corev1.Pod)
		if d.Spec.NodeName == "" {
			d.Spec.NodeName = c.Spec.NodeName
		}
		d.Status = c.Status
	case *corev1.PersistentVolumeClaim:
		c := current.(*corev1.PersistentVolumeClaim)
		if d.Spec.VolumeName == "" {
			d.Spec.VolumeName = c.Spec.VolumeName
		}
		d.Status = c.Status
	case *corev1.PersistentVolume:
		c := current.(*corev1.PersistentVolume)
		if d.Spec.ClaimRef == nil {
			d.Spec.ClaimRef = c.Spec.ClaimRef
		}
		d.Status = c.Status
	case *corev1.Node:
		d.Status = current.(*corev1.Node).Status
	case *corev1.Service:
		d.Status = current.(*corev1.Service).Status
	case *appsv1.StatefulSet:
		d.Status = current.(*appsv1.StatefulSet).Status
	}
}

func supportedKinds() []string {
	kinds := make([]string, 0, len(scheme.Kinds()))
	for _, gvk := range scheme.Kinds() {
		kinds = append(kinds, gvk.Kind)
	}
	return kinds
}
