// Package engine assembles the store, bus and controllers into a running
// reconciliation system. Multiple engines can coexist in one process;
// nothing here is a singleton, which is what makes the whole thing
// testable.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/tools/record"

	"github.com/ArsalanAnwer0/miniplane/pkg/apply"
	"github.com/ArsalanAnwer0/miniplane/pkg/bus"
	"github.com/ArsalanAnwer0/miniplane/pkg/controller"
	"github.com/ArsalanAnwer0/miniplane/pkg/controller/binder"
	"github.com/ArsalanAnwer0/miniplane/pkg/controller/endpoints"
	"github.com/ArsalanAnwer0/miniplane/pkg/controller/statefulset"
	"github.com/ArsalanAnwer0/miniplane/pkg/events"
	"github.com/ArsalanAnwer0/miniplane/pkg/nodeagent"
	"github.com/ArsalanAnwer0/miniplane/pkg/scheduler"
	"github.com/ArsalanAnwer0/miniplane/pkg/scheme"
	"github.com/ArsalanAnwer0/miniplane/pkg/store"
)

// component attributes recorded events to the engine.
const component = "miniplane"

// Options configure an Engine.
type Options struct {
	// Logger for the engine and its controllers. Defaults to discard.
	Logger logr.Logger

	// Backend optionally makes the store durable.
	Backend store.Backend

	// ResyncInterval overrides the controllers' periodic re-list.
	ResyncInterval time.Duration

	// ProgressDeadline bounds how long the StatefulSet controller waits
	// on an ordinal before surfacing a stall.
	ProgressDeadline time.Duration

	// BindPolicy overrides the binder's volume ordering.
	BindPolicy binder.MatchPolicy

	// SchedulerPolicy overrides pod placement.
	SchedulerPolicy scheduler.Policy

	// QueueLength overrides the bus's per-subscriber queue capacity.
	QueueLength int

	// DisableNodeAgent turns off the built-in fake node agent, leaving
	// pod readiness entirely to external actors (as tests prefer).
	DisableNodeAgent bool
}

// Engine is one complete reconciliation system.
type Engine struct {
	Store    *store.Store
	Bus      *bus.Bus
	Recorder record.EventRecorder

	runners []*controller.Runner
	log     logr.Logger
}

// New builds an engine. Nothing runs until Run is called.
func New(opts Options) (*Engine, error) {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	var busOpts []bus.Option
	if opts.QueueLength > 0 {
		busOpts = append(busOpts, bus.WithQueueLength(opts.QueueLength))
	}
	eventBus := bus.New(busOpts...)

	storeOpts := []store.Option{
		store.WithEventSink(eventBus),
		store.WithLogger(log.WithName("store")),
	}
	if opts.Backend != nil {
		storeOpts = append(storeOpts, store.WithBackend(opts.Backend))
	}
	objectStore, err := store.New(storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}

	recorder := events.NewRecorder(objectStore, component, log.WithName("events"))

	e := &Engine{
		Store:    objectStore,
		Bus:      eventBus,
		Recorder: recorder,
		log:      log,
	}

	bindReconciler := &binder.Reconciler{
		Store:    objectStore,
		Recorder: recorder,
		Policy:   opts.BindPolicy,
		Log:      log.WithName(binder.Name),
	}
	e.addRunner(&controller.Runner{
		Name:         binder.Name,
		Kinds:        []schema.GroupVersionKind{scheme.PersistentVolume, scheme.PersistentVolumeClaim},
		Reconciler:   bindReconciler,
		MapEvent:     bindReconciler.MapEvent,
		ListRequests: bindReconciler.ListRequests,
	}, opts)

	endpointReconciler := &endpoints.Reconciler{
		Store: objectStore,
		Log:   log.WithName(endpoints.Name),
	}
	e.addRunner(&controller.Runner{
		Name:         endpoints.Name,
		Kinds:        []schema.GroupVersionKind{scheme.Pod, scheme.Service, scheme.Endpoints},
		Reconciler:   endpointReconciler,
		MapEvent:     endpointReconciler.MapEvent,
		ListRequests: endpointReconciler.ListRequests,
	}, opts)

	setReconciler := &statefulset.Reconciler{
		Store:            objectStore,
		Recorder:         recorder,
		ProgressDeadline: opts.ProgressDeadline,
		Log:              log.WithName(statefulset.Name),
	}
	e.addRunner(&controller.Runner{
		Name:         statefulset.Name,
		Kinds:        []schema.GroupVersionKind{scheme.StatefulSet, scheme.Pod},
		Reconciler:   setReconciler,
		MapEvent:     setReconciler.MapEvent,
		ListRequests: setReconciler.ListRequests,
	}, opts)

	schedReconciler := &scheduler.Reconciler{
		Store:    objectStore,
		Recorder: recorder,
		Policy:   opts.SchedulerPolicy,
		Log:      log.WithName(scheduler.Name),
	}
	e.addRunner(&controller.Runner{
		Name:         scheduler.Name,
		Kinds:        []schema.GroupVersionKind{scheme.Pod, scheme.Node},
		Reconciler:   schedReconciler,
		MapEvent:     schedReconciler.MapEvent,
		ListRequests: schedReconciler.ListRequests,
	}, opts)

	if !opts.DisableNodeAgent {
		agent := &nodeagent.Agent{
			Store: objectStore,
			Log:   log.WithName(nodeagent.Name),
		}
		e.addRunner(&controller.Runner{
			Name:         nodeagent.Name,
			Kinds:        []schema.GroupVersionKind{scheme.Pod},
			Reconciler:   agent,
			ListRequests: agent.ListRequests,
		}, opts)
	}

	return e, nil
}

// Run starts every controller loop and blocks until ctx is cancelled or a
// controller fails fatally (store corruption). The first failure stops
// all loops.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting", "controllers", len(e.runners))
	g, ctx := errgroup.WithContext(ctx)
	for _, runner := range e.runners {
		g.Go(func() error { return runner.Run(ctx) })
	}
	err := g.Wait()
	e.Bus.Close()
	e.log.Info("engine stopped")
	return err
}

// Apply upserts the manifest's objects into the engine's store.
func (e *Engine) Apply(ctx context.Context, manifest []byte) ([]runtime.Object, error) {
	return apply.Apply(ctx, e.Store, manifest)
}

func (e *Engine) addRunner(r *controller.Runner, opts Options) {
	r.Bus = e.Bus
	r.ResyncInterval = opts.ResyncInterval
	r.Log = e.log.WithName(r.Name)
	e.runners = append(e.runners, r)
}
