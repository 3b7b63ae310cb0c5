package statefulset

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/ArsalanAnwer0/miniplane/pkg/util/metadata"
)

// PodName returns the stable identity name for the given ordinal.
func PodName(set *appsv1.StatefulSet, ordinal int) string {
	return fmt.Sprintf("%s-%d", set.Name, ordinal)
}

// ClaimName returns the deterministic claim name for a volume claim
// template at the given ordinal. Recreating a Pod at the same ordinal
// resolves to the same claim, which is how replicas keep their data.
func ClaimName(templateName string, set *appsv1.StatefulSet, ordinal int) string {
	return fmt.Sprintf("%s-%s-%d", templateName, set.Name, ordinal)
}

// Ordinal extracts the ordinal from a StatefulSet Pod's name. The second
// return is false for names that do not carry one.
func Ordinal(podName string) (int, bool) {
	idx := strings.LastIndex(podName, "-")
	if idx < 0 {
		return 0, false
	}
	ordinal, err := strconv.Atoi(podName[idx+1:])
	if err != nil || ordinal < 0 {
		return 0, false
	}
	return ordinal, true
}

// TemplateHash fingerprints the pod template. Pods are stamped with the
// hash at creation; a mismatch with the current template marks a Pod as
// stale for rolling updates.
func TemplateHash(template corev1.PodTemplateSpec) string {
	data, err := json.Marshal(template)
	if err != nil {
		// PodTemplateSpec always marshals; guard anyway.
		return "unhashable"
	}
	h := fnv.New32a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%08x", h.Sum32())
}

// BuildPod constructs the Pod for one ordinal from the set's template.
func BuildPod(set *appsv1.StatefulSet, ordinal int, hash string) *corev1.Pod {
	labels := metadata.MergeLabels(map[string]string{
		metadata.LabelStatefulSet:  set.Name,
		metadata.LabelPodOrdinal:   strconv.Itoa(ordinal),
		metadata.LabelTemplateHash: hash,
		metadata.LabelAppManagedBy: metadata.ManagedByEngine,
	}, set.Spec.Template.Labels)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        PodName(set, ordinal),
			Namespace:   set.Namespace,
			Labels:      labels,
			Annotations: set.Spec.Template.Annotations,
			OwnerReferences: []metav1.OwnerReference{{
				APIVersion: appsv1.SchemeGroupVersion.String(),
				Kind:       "StatefulSet",
				Name:       set.Name,
				UID:        set.UID,
				Controller: ptr.To(true),
			}},
		},
		Spec: *set.Spec.Template.Spec.DeepCopy(),
	}

	// Wire each volume claim template into the pod as a volume backed by
	// the ordinal's claim.
	for _, tmpl := range set.Spec.VolumeClaimTemplates {
		pod.Spec.Volumes = append(pod.Spec.Volumes, corev1.Volume{
			Name: tmpl.Name,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: ClaimName(tmpl.Name, set, ordinal),
				},
			},
		})
	}
	return pod
}

// BuildClaim constructs the claim for one volume claim template at one
// ordinal. Claims deliberately carry no ownerRef to the Pod: they outlive
// it so a future Pod at the same ordinal reattaches the same data.
func BuildClaim(tmpl corev1.PersistentVolumeClaim, set *appsv1.StatefulSet, ordinal int) *corev1.PersistentVolumeClaim {
	claim := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ClaimName(tmpl.Name, set, ordinal),
			Namespace: set.Namespace,
			Labels: metadata.MergeLabels(map[string]string{
				metadata.LabelStatefulSet:  set.Name,
				metadata.LabelPodOrdinal:   strconv.Itoa(ordinal),
				metadata.LabelAppManagedBy: metadata.ManagedByEngine,
			}, tmpl.Labels),
		},
		Spec: *tmpl.Spec.DeepCopy(),
	}
	return claim
}
