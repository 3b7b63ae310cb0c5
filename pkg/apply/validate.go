package apply

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

var validAccessModes = map[corev1.PersistentVolumeAccessMode]bool{
	corev1.ReadWriteOnce:    true,
	corev1.ReadOnlyMany:     true,
	corev1.ReadWriteMany:    true,
	corev1.ReadWriteOncePod: true,
}

// applyDefaults fills the spec fields a manifest may omit.
func applyDefaults(obj runtime.Object) {
	switch o := obj.(type) {
	case *corev1.PersistentVolume:
		if o.Spec.PersistentVolumeReclaimPolicy == "" {
			o.Spec.PersistentVolumeReclaimPolicy = corev1.PersistentVolumeReclaimRetain
		}
	case *appsv1.StatefulSet:
		if o.Spec.UpdateStrategy.Type == "" {
			o.Spec.UpdateStrategy.Type = appsv1.RollingUpdateStatefulSetStrategyType
		}
	}
}

// validate rejects manifests whose specs the controllers cannot act on.
func validate(obj runtime.Object) field.ErrorList {
	spec := field.NewPath("spec")
	switch o := obj.(type) {
	case *corev1.PersistentVolume:
		return validateVolume(o, spec)
	case *corev1.PersistentVolumeClaim:
		return validateClaim(&o.Spec, spec)
	case *appsv1.StatefulSet:
		return validateStatefulSet(o, spec)
	case *corev1.Service:
		return validateService(o, spec)
	}
	return nil
}

func validateVolume(pv *corev1.PersistentVolume, spec *field.Path) field.ErrorList {
	var errs field.ErrorList
	capacity, ok := pv.Spec.Capacity[corev1.ResourceStorage]
	if !ok {
		errs = append(errs, field.Required(spec.Child("capacity", "storage"), "storage capacity is required"))
	} else if capacity.Sign() <= 0 {
		errs = append(errs, field.Invalid(spec.Child("capacity", "storage"), capacity.String(),
			"storage capacity must be positive"))
	}
	errs = append(errs, validateAccessModes(pv.Spec.AccessModes, spec)...)
	switch pv.Spec.PersistentVolumeReclaimPolicy {
	case corev1.PersistentVolumeReclaimRetain, corev1.PersistentVolumeReclaimDelete:
	default:
		errs = append(errs, field.NotSupported(spec.Child("persistentVolumeReclaimPolicy"),
			pv.Spec.PersistentVolumeReclaimPolicy,
			[]string{string(corev1.PersistentVolumeReclaimRetain), string(corev1.PersistentVolumeReclaimDelete)}))
	}
	return errs
}

func validateClaim(claim *corev1.PersistentVolumeClaimSpec, spec *field.Path) field.ErrorList {
	var errs field.ErrorList
	requested, ok := claim.Resources.Requests[corev1.ResourceStorage]
	if !ok {
		errs = append(errs, field.Required(spec.Child("resources", "requests", "storage"),
			"storage request is required"))
	} else if requested.Sign() <= 0 {
		errs = append(errs, field.Invalid(spec.Child("resources", "requests", "storage"),
			requested.String(), "storage request must be positive"))
	}
	return append(errs, validateAccessModes(claim.AccessModes, spec)...)
}

func validateStatefulSet(set *appsv1.StatefulSet, spec *field.Path) field.ErrorList {
	var errs field.ErrorList
	if set.Spec.Replicas != nil && *set.Spec.Replicas < 0 {
		errs = append(errs, field.Invalid(spec.Child("replicas"), *set.Spec.Replicas,
			"replicas must not be negative"))
	}
	switch set.Spec.UpdateStrategy.Type {
	case appsv1.RollingUpdateStatefulSetStrategyType, appsv1.OnDeleteStatefulSetStrategyType:
	default:
		errs = append(errs, field.NotSupported(spec.Child("updateStrategy", "type"),
			set.Spec.UpdateStrategy.Type,
			[]string{string(appsv1.RollingUpdateStatefulSetStrategyType), string(appsv1.OnDeleteStatefulSetStrategyType)}))
	}
	for i, tmpl := range set.Spec.VolumeClaimTemplates {
		path := spec.Child("volumeClaimTemplates").Index(i)
		if tmpl.Name == "" {
			errs = append(errs, field.Required(path.Child("metadata", "name"),
				"volume claim template name is required"))
		}
		errs = append(errs, validateClaim(&set.Spec.VolumeClaimTemplates[i].Spec, path.Child("spec"))...)
	}
	return errs
}

func validateService(svc *corev1.Service, spec *field.Path) field.ErrorList {
	var errs field.ErrorList
	for i, port := range svc.Spec.Ports {
		if port.Port <= 0 {
			errs = append(errs, field.Invalid(spec.Child("ports").Index(i).Child("port"),
				port.Port, "port must be positive"))
		}
	}
	return errs
}

func validateAccessModes(modes []corev1.PersistentVolumeAccessMode, spec *field.Path) field.ErrorList {
	var errs field.ErrorList
	path := spec.Child("accessModes")
	if len(modes) == 0 {
		errs = append(errs, field.Required(path, "at least one access mode is required"))
	}
	for i, mode := range modes {
		if !validAccessModes[mode] {
			errs = append(errs, field.NotSupported(path.Index(i), mode, supportedModes()))
		}
	}
	return errs
}

func supportedModes() []string {
	return []string{
		string(corev1.ReadWriteOnce),
		string(corev1.ReadOnlyMany),
		string(corev1.ReadWriteMany),
		string(corev1.ReadWriteOncePod),
	}
}
