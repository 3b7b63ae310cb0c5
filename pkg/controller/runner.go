// Package controller provides the shared reconciliation loop driving the
// engine's controllers.
//
// Each controller is a Reconciler wrapped in a Runner. The runner turns
// bus events into work items, adds a periodic full re-list (resync) so
// dropped events cannot cause a permanently missed update, and retries
// failed items with per-key exponential backoff. Reconcilers must be
// idempotent level-triggered functions of current store state; the runner
// guarantees only that a reconcile happens after a change, not how many.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/util/workqueue"

	"github.com/ArsalanAnwer0/miniplane/pkg/bus"
	"github.com/ArsalanAnwer0/miniplane/pkg/monitoring"
	"github.com/ArsalanAnwer0/miniplane/pkg/store"
)

// DefaultResyncInterval is how often a runner re-lists all objects of its
// kinds regardless of event traffic.
const DefaultResyncInterval = 30 * time.Second

// Request names one object for reconciliation.
type Request struct {
	GVK schema.GroupVersionKind
	Key store.Key
}

func (r Request) String() string {
	return r.GVK.Kind + "/" + r.Key.String()
}

// Result optionally asks for a delayed re-reconcile, e.g. to re-check a
// progress deadline.
type Result struct {
	RequeueAfter time.Duration
}

// Reconciler drives one object toward its desired state.
type Reconciler interface {
	Reconcile(ctx context.Context, req Request) (Result, error)
}

// Runner owns a single controller loop: one subscription, one work queue,
// one worker. Decision logic is single-threaded; concurrency exists only
// between controllers.
type Runner struct {
	// Name labels the controller in logs and metrics.
	Name string

	// Kinds to subscribe to on the bus.
	Kinds []schema.GroupVersionKind

	// Bus delivers store change notifications.
	Bus *bus.Bus

	// Reconciler is the controller's reconcile function.
	Reconciler Reconciler

	// MapEvent translates a bus event into the requests it affects. When
	// nil, the event's own object key is enqueued.
	MapEvent func(ctx context.Context, event watch.Event) []Request

	// ListRequests enumerates all requests for a resync pass.
	ListRequests func(ctx context.Context) ([]Request, error)

	// ResyncInterval overrides DefaultResyncInterval when positive.
	ResyncInterval time.Duration

	Log logr.Logger
}

// Run executes the controller loop until ctx is cancelled or the store
// reports corruption. Cancellation is the only way to stop the loop;
// individual reconciles are not cancelled mid-flight but are safe to
// re-run after a restart.
func (r *Runner) Run(ctx context.Context) error {
	queue := workqueue.NewTypedRateLimitingQueue(
		workqueue.DefaultTypedControllerRateLimiter[Request]())
	sub := r.Bus.Subscribe(r.Name, r.Kinds...)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		r.pumpEvents(ctx, sub, queue)
	}()
	go func() {
		defer wg.Done()
		r.resyncLoop(ctx, queue)
	}()

	go func() {
		<-ctx.Done()
		sub.Cancel()
		queue.ShutDown()
	}()

	var fatal error
	for {
		req, shutdown := queue.Get()
		if shutdown {
			break
		}
		if err := r.processItem(ctx, queue, req); err != nil {
			fatal = err
			sub.Cancel()
			queue.ShutDown()
			break
		}
	}

	wg.Wait()
	return fatal
}

// processItem reconciles one request. Only store corruption is returned
// (and stops the loop); every other failure is retried with backoff.
func (r *Runner) processItem(ctx context.Context, queue workqueue.TypedRateLimitingInterface[Request], req Request) error {
	defer queue.Done(req)

	ctx, span := monitoring.StartReconcileSpan(ctx,
		r.Name+".Reconcile", req.Key.Name, req.Key.Namespace, req.GVK.Kind)
	defer span.End()

	start := time.Now()
	res, err := r.Reconciler.Reconcile(ctx, req)
	monitoring.RecordReconcile(r.Name, err, time.Since(start))
	monitoring.RecordSpanError(span, err)

	switch {
	case errors.Is(err, store.ErrCorrupted):
		r.Log.Error(err, "store corruption detected, stopping controller", "request", req.String())
		return err
	case err != nil:
		if !apierrors.IsConflict(err) {
			r.Log.Error(err, "reconcile failed, requeuing", "request", req.String())
		} else {
			// Losing an optimistic-concurrency race is routine; the retry
			// re-reads current state.
			r.Log.V(1).Info("reconcile conflict, requeuing", "request", req.String())
		}
		queue.AddRateLimited(req)
		return nil
	}

	queue.Forget(req)
	if res.RequeueAfter > 0 {
		queue.AddAfter(req, res.RequeueAfter)
	}
	return nil
}

// pumpEvents feeds bus events into the queue until the subscription closes.
func (r *Runner) pumpEvents(ctx context.Context, sub *bus.Subscription, queue workqueue.TypedRateLimitingInterface[Request]) {
	for event := range sub.Events() {
		for _, req := range r.mapEvent(ctx, event) {
			queue.Add(req)
		}
	}
}

func (r *Runner) mapEvent(ctx context.Context, event watch.Event) []Request {
	if r.MapEvent != nil {
		return r.MapEvent(ctx, event)
	}
	req, ok := RequestFor(event)
	if !ok {
		return nil
	}
	return []Request{req}
}

// RequestFor builds the request naming the event's own object.
func RequestFor(event watch.Event) (Request, bool) {
	acc, err := meta.Accessor(event.Object)
	if err != nil {
		return Request{}, false
	}
	return Request{
		GVK: event.Object.GetObjectKind().GroupVersionKind(),
		Key: store.KeyOf(acc),
	}, true
}

// resyncLoop enqueues a full re-list immediately and on every tick.
func (r *Runner) resyncLoop(ctx context.Context, queue workqueue.TypedRateLimitingInterface[Request]) {
	if r.ListRequests == nil {
		return
	}
	interval := r.ResyncInterval
	if interval <= 0 {
		interval = DefaultResyncInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := r.resync(ctx, queue); err != nil {
			r.Log.Error(err, "resync list failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) resync(ctx context.Context, queue workqueue.TypedRateLimitingInterface[Request]) error {
	reqs, err := r.ListRequests(ctx)
	if err != nil {
		return fmt.Errorf("list requests for %s: %w", r.Name, err)
	}
	for _, req := range reqs {
		queue.Add(req)
	}
	return nil
}
