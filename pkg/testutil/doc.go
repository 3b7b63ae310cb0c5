// Package testutil provides test utilities for the engine. The main
// support is object builders for the kinds the controllers manage, plus
// go-cmp options that strip the fields the store owns (resourceVersion,
// uid, timestamps) so tests can compare desired state declaratively.
//
// Example:
//
//	got := mustGetPod(t, s, "default", "web-0")
//	want := testutil.Pod("default", "web-0", testutil.PodScheduled("node-1"))
//	if diff := cmp.Diff(want, got, testutil.IgnoreServerFields()...); diff != "" {
//	    t.Errorf("unexpected pod (-want +got):\n%s", diff)
//	}
package testutil
