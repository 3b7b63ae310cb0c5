package metadata

import (
	"maps"
)

// Standard Kubernetes label keys following kubernetes.io conventions.
//
// See: https://kubernetes.io/docs/concepts/overview/working-with-objects/common-labels/
const (
	// LabelAppName is the standard label key for the application name.
	LabelAppName = "app.kubernetes.io/name"

	// LabelAppInstance is the standard label key for the unique instance name.
	LabelAppInstance = "app.kubernetes.io/instance"

	// LabelAppComponent is the standard label key for the component within the
	// application.
	LabelAppComponent = "app.kubernetes.io/component"

	// LabelAppManagedBy is the standard label key for the tool managing the
	// resource.
	LabelAppManagedBy = "app.kubernetes.io/managed-by"
)

const (
	// ManagedByEngine identifies resources created by the engine's own
	// controllers, as opposed to applied by a user.
	ManagedByEngine = "miniplane"
)

// Engine-owned label and annotation keys.
const (
	// LabelStatefulSet names the StatefulSet a Pod belongs to. The
	// StatefulSet controller selects its Pods through this label; the
	// ownerRef stays a garbage-collection hint only.
	LabelStatefulSet = "miniplane.dev/statefulset"

	// LabelPodOrdinal carries a StatefulSet Pod's ordinal as a string.
	LabelPodOrdinal = "miniplane.dev/pod-ordinal"

	// LabelTemplateHash identifies which revision of a StatefulSet's pod
	// template a Pod was created from. Rolling updates replace Pods whose
	// hash no longer matches the current template.
	LabelTemplateHash = "miniplane.dev/template-hash"
)

// BuildControllerLabels returns the labels stamped onto every resource the
// engine's controllers create. instance is the owning object's name,
// component the controller-specific role (e.g. "statefulset-pod").
func BuildControllerLabels(instance, component string) map[string]string {
	return map[string]string{
		LabelAppInstance:  instance,
		LabelAppComponent: component,
		LabelAppManagedBy: ManagedByEngine,
	}
}

// MergeLabels merges custom labels with controller labels.
//
// Note that controller labels take precedence over custom labels to prevent
// users from overriding identity labels the controllers select on.
func MergeLabels(controllerLabels, customLabels map[string]string) map[string]string {
	merged := make(map[string]string)
	maps.Copy(merged, customLabels)
	maps.Copy(merged, controllerLabels)
	return merged
}
