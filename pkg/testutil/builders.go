package testutil

import (
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/ArsalanAnwer0/miniplane/pkg/util/podutil"
)

// PodOption mutates a pod under construction.
type PodOption func(*corev1.Pod)

// Pod builds a minimal pod with a single container.
func Pod(namespace, name string, opts ...PodOption) *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
		},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name:  "app",
				Image: "registry.example.com/app:latest",
			}},
		},
	}
	for _, opt := range opts {
		opt(pod)
	}
	return pod
}

// PodLabels sets the pod's labels.
func PodLabels(labels map[string]string) PodOption {
	return func(pod *corev1.Pod) {
		pod.Labels = labels
	}
}

// PodScheduled assigns the pod to a node.
func PodScheduled(node string) PodOption {
	return func(pod *corev1.Pod) {
		pod.Spec.NodeName = node
	}
}

// PodRunning marks the pod running with the given IP and readiness.
func PodRunning(ip string, ready bool) PodOption {
	return func(pod *corev1.Pod) {
		pod.Status.Phase = corev1.PodRunning
		pod.Status.PodIP = ip
		podutil.SetReady(pod, ready)
	}
}

// Node builds a schedulable node.
func Node(name string) *corev1.Node {
	return &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{{
				Type:   corev1.NodeReady,
				Status: corev1.ConditionTrue,
			}},
		},
	}
}

// VolumeOption mutates a persistent volume under construction.
type VolumeOption func(*corev1.PersistentVolume)

// Volume builds a ReadWriteOnce volume of the given capacity.
func Volume(name, capacity string, opts ...VolumeOption) *corev1.PersistentVolume {
	pv := &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: corev1.PersistentVolumeSpec{
			Capacity: corev1.ResourceList{
				corev1.ResourceStorage: resource.MustParse(capacity),
			},
			AccessModes:                   []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			PersistentVolumeReclaimPolicy: corev1.PersistentVolumeReclaimRetain,
		},
	}
	for _, opt := range opts {
		opt(pv)
	}
	return pv
}

// VolumeLabels sets the volume's labels.
func VolumeLabels(labels map[string]string) VolumeOption {
	return func(pv *corev1.PersistentVolume) {
		pv.Labels = labels
	}
}

// VolumeReclaim sets the volume's reclaim policy.
func VolumeReclaim(policy corev1.PersistentVolumeReclaimPolicy) VolumeOption {
	return func(pv *corev1.PersistentVolume) {
		pv.Spec.PersistentVolumeReclaimPolicy = policy
	}
}

// VolumeAccessModes replaces the volume's access modes.
func VolumeAccessModes(modes ...corev1.PersistentVolumeAccessMode) VolumeOption {
	return func(pv *corev1.PersistentVolume) {
		pv.Spec.AccessModes = modes
	}
}

// ClaimOption mutates a claim under construction.
type ClaimOption func(*corev1.PersistentVolumeClaim)

// Claim builds a ReadWriteOnce claim requesting the given capacity.
func Claim(namespace, name, request string, opts ...ClaimOption) *corev1.PersistentVolumeClaim {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(request),
				},
			},
		},
	}
	for _, opt := range opts {
		opt(pvc)
	}
	return pvc
}

// ClaimSelector restricts the claim to volumes matching the label selector.
func ClaimSelector(matchLabels map[string]string) ClaimOption {
	return func(pvc *corev1.PersistentVolumeClaim) {
		pvc.Spec.Selector = &metav1.LabelSelector{MatchLabels: matchLabels}
	}
}

// ClaimAccessModes replaces the claim's access modes.
func ClaimAccessModes(modes ...corev1.PersistentVolumeAccessMode) ClaimOption {
	return func(pvc *corev1.PersistentVolumeClaim) {
		pvc.Spec.AccessModes = modes
	}
}

// Service builds a service selecting the given pod labels, exposing one
// TCP port.
func Service(namespace, name string, selector map[string]string, port int32) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
		},
		Spec: corev1.ServiceSpec{
			Selector: selector,
			Ports: []corev1.ServicePort{{
				Name:     "http",
				Protocol: corev1.ProtocolTCP,
				Port:     port,
			}},
		},
	}
}

// SetOption mutates a StatefulSet under construction.
type SetOption func(*appsv1.StatefulSet)

// StatefulSet builds a set with the given replica count and a matching
// selector/template label pair.
func StatefulSet(namespace, name string, replicas int32, opts ...SetOption) *appsv1.StatefulSet {
	labels := map[string]string{"app": name}
	set := &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: namespace,
			Name:      name,
		},
		Spec: appsv1.StatefulSetSpec{
			Replicas: ptr.To(replicas),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "app",
						Image: "registry.example.com/app:v1",
					}},
				},
			},
			UpdateStrategy: appsv1.StatefulSetUpdateStrategy{
				Type: appsv1.RollingUpdateStatefulSetStrategyType,
			},
		},
	}
	for _, opt := range opts {
		opt(set)
	}
	return set
}

// SetImage swaps the template's container image, which makes the template
// hash change the way a real rollout does.
func SetImage(image string) SetOption {
	return func(set *appsv1.StatefulSet) {
		set.Spec.Template.Spec.Containers[0].Image = image
	}
}

// SetUpdateStrategy sets the update strategy type.
func SetUpdateStrategy(strategy appsv1.StatefulSetUpdateStrategyType) SetOption {
	return func(set *appsv1.StatefulSet) {
		set.Spec.UpdateStrategy.Type = strategy
	}
}

// SetClaimTemplate appends a volume claim template.
func SetClaimTemplate(name, request string) SetOption {
	return func(set *appsv1.StatefulSet) {
		set.Spec.VolumeClaimTemplates = append(set.Spec.VolumeClaimTemplates,
			*Claim(set.Namespace, name, request))
	}
}
