package testutil

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// filterByFieldName matches any path step whose struct field has the
// given name, at any depth.
func filterByFieldName(fieldName string) func(cmp.Path) bool {
	return func(path cmp.Path) bool {
		for _, step := range path {
			if sf, ok := step.(cmp.StructField); ok && sf.Name() == fieldName {
				return true
			}
		}
		return false
	}
}

// IgnoreStatus ignores every Status field in the comparison.
func IgnoreStatus() cmp.Option {
	return cmp.FilterPath(filterByFieldName("Status"), cmp.Ignore())
}

// IgnoreObjectMeta ignores object metadata entirely.
func IgnoreObjectMeta() cmp.Option {
	return cmp.FilterPath(filterByFieldName("ObjectMeta"), cmp.Ignore())
}

// CompareSpecOnly compares only the Spec portions of objects.
func CompareSpecOnly() []cmp.Option {
	return []cmp.Option{IgnoreStatus(), IgnoreObjectMeta()}
}

// IgnoreServerFields ignores the metadata the store assigns on write, so
// a hand-built expectation can be compared against a stored object.
func IgnoreServerFields() []cmp.Option {
	return []cmp.Option{
		cmpopts.IgnoreFields(metav1.ObjectMeta{},
			"UID", "ResourceVersion", "Generation", "CreationTimestamp"),
		cmpopts.IgnoreFields(metav1.TypeMeta{}, "Kind", "APIVersion"),
	}
}

// IgnoreTransitionTimes ignores condition transition timestamps, which
// depend on the wall clock.
func IgnoreTransitionTimes() cmp.Option {
	return cmp.FilterPath(filterByFieldName("LastTransitionTime"), cmp.Ignore())
}
