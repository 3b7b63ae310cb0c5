package monitoring

import "time"

// Binding attempt outcomes.
const (
	BindResultBound   = "bound"
	BindResultUnbound = "unbound"
	BindResultError   = "error"
)

// DroppedEvent counts one event shed from a subscriber's queue.
func DroppedEvent(subscriber string) {
	busDroppedEvents.WithLabelValues(subscriber).Inc()
}

// RecordReconcile records the result and duration of one reconciliation pass.
func RecordReconcile(controller string, err error, duration time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	reconcileTotal.WithLabelValues(controller, result).Inc()
	reconcileDuration.WithLabelValues(controller).Observe(duration.Seconds())
}

// RecordBindAttempt counts one volume binding attempt by outcome.
func RecordBindAttempt(result string) {
	bindTotal.WithLabelValues(result).Inc()
}

// SetStatefulSetReplicas sets the desired and ready replica gauges for a StatefulSet.
func SetStatefulSetReplicas(name, namespace string, desired, ready int32) {
	statefulSetReplicas.WithLabelValues(name, namespace, "desired").Set(float64(desired))
	statefulSetReplicas.WithLabelValues(name, namespace, "ready").Set(float64(ready))
}

// DeleteStatefulSetReplicas drops the replica gauges for a deleted StatefulSet.
func DeleteStatefulSetReplicas(name, namespace string) {
	statefulSetReplicas.DeletePartialMatch(map[string]string{
		"name":      name,
		"namespace": namespace,
	})
}
