package metadata_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ArsalanAnwer0/miniplane/pkg/util/metadata"
)

func TestBuildControllerLabels(t *testing.T) {
	tests := map[string]struct {
		instance  string
		component string
		want      map[string]string
	}{
		"typical case": {
			instance:  "web",
			component: "statefulset-pod",
			want: map[string]string{
				"app.kubernetes.io/instance":   "web",
				"app.kubernetes.io/component":  "statefulset-pod",
				"app.kubernetes.io/managed-by": "miniplane",
			},
		},
		"empty strings allowed": {
			instance:  "",
			component: "",
			want: map[string]string{
				"app.kubernetes.io/instance":   "",
				"app.kubernetes.io/component":  "",
				"app.kubernetes.io/managed-by": "miniplane",
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := metadata.BuildControllerLabels(tc.instance, tc.component)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("BuildControllerLabels() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergeLabels(t *testing.T) {
	tests := map[string]struct {
		controllerLabels map[string]string
		customLabels     map[string]string
		want             map[string]string
	}{
		"controller labels win on conflicts": {
			controllerLabels: map[string]string{
				"app.kubernetes.io/instance":   "web",
				"app.kubernetes.io/managed-by": "miniplane",
			},
			customLabels: map[string]string{
				"app.kubernetes.io/managed-by": "helm", // conflict
				"env":                          "production",
				"team":                         "storage",
			},
			want: map[string]string{
				"app.kubernetes.io/instance":   "web",
				"app.kubernetes.io/managed-by": "miniplane",
				"env":                          "production",
				"team":                         "storage",
			},
		},
		"nil maps handled correctly": {
			controllerLabels: nil,
			customLabels:     nil,
			want:             map[string]string{},
		},
		"only custom labels": {
			controllerLabels: nil,
			customLabels: map[string]string{
				"env": "dev",
			},
			want: map[string]string{
				"env": "dev",
			},
		},
		"only controller labels": {
			controllerLabels: map[string]string{
				"app.kubernetes.io/component": "endpoints",
			},
			customLabels: nil,
			want: map[string]string{
				"app.kubernetes.io/component": "endpoints",
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := metadata.MergeLabels(tc.controllerLabels, tc.customLabels)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("MergeLabels() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergeLabelsDoesNotMutateInputs(t *testing.T) {
	controllerLabels := map[string]string{"app.kubernetes.io/instance": "web"}
	customLabels := map[string]string{"team": "storage"}

	merged := metadata.MergeLabels(controllerLabels, customLabels)
	merged["extra"] = "x"

	if len(controllerLabels) != 1 || len(customLabels) != 1 {
		t.Error("MergeLabels mutated an input map")
	}
}
