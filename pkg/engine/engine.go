// Package engine wires every component of the Subscription Engine
// (spec.md §4.9) into one constructible, closeable value: the
// Subscription Registry & Pump, the Event Record Store, the Change
// Multiplexer, the RPC Dispatcher, the Notification Broker, the
// Operational Composer, and the durable storage backend.
//
// Grounded on the teacher's pkg/manager.Manager constructor, which
// assembles its store, FSM, event broker and subsystems behind one
// struct and one NewManager entry point; Engine follows the same shape
// with the raft/cluster concerns dropped (see DESIGN.md's dropped-
// dependency entries).
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/foxhollow/yangd/pkg/eventstore"
	"github.com/foxhollow/yangd/pkg/metrics"
	"github.com/foxhollow/yangd/pkg/notify"
	"github.com/foxhollow/yangd/pkg/observer"
	"github.com/foxhollow/yangd/pkg/opcompose"
	"github.com/foxhollow/yangd/pkg/registry"
	"github.com/foxhollow/yangd/pkg/rpcdispatch"
	"github.com/foxhollow/yangd/pkg/storage"
	"github.com/foxhollow/yangd/pkg/transport"
	"github.com/foxhollow/yangd/pkg/txn"
	"github.com/foxhollow/yangd/pkg/types"
)

// Config holds the parameters needed to construct an Engine.
type Config struct {
	DataDir            string        // bbolt database directory
	EventStoreCapacity int           // per-group bound; 0 selects eventstore's default
	ReplayModules      []string      // modules whose notifications are persisted for replay
	RetentionSchedule  string        // cron schedule for NotificationLog pruning; empty disables it
	RetentionPeriod    time.Duration // entries older than this are pruned
}

// Engine is the top-level Subscription Engine.
type Engine struct {
	registry   *registry.Registry
	store      *eventstore.Store
	backing    storage.Store
	mux        *txn.Multiplexer
	dispatcher *rpcdispatch.Dispatcher
	notifier   *notify.Broker
	composer   *opcompose.Composer
	collector  *metrics.Collector
	Observer   *observer.Hub
}

// New constructs an Engine from cfg, opening its storage backend and
// starting its background workers (metrics collection and, if
// configured, NotificationLog retention pruning).
func New(cfg Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: create data dir: %w", err)
	}

	backing, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: open storage: %w", err)
	}

	store := eventstore.New(cfg.EventStoreCapacity)
	reg := registry.New(store)

	e := &Engine{
		registry:   reg,
		store:      store,
		backing:    backing,
		mux:        txn.New(reg, store, backing),
		dispatcher: rpcdispatch.New(reg, store),
		notifier:   notify.New(reg, store, backing, cfg.ReplayModules),
		composer:   opcompose.New(reg, store),
		Observer:   observer.NewHub(),
	}
	store.OnChange(func(rec *types.EventRecord) {
		e.Observer.Broadcast(observer.FromRecord(rec))
	})

	e.collector = metrics.NewCollector(e)
	e.collector.Start()

	metrics.RegisterComponent("storage", true, true, "bbolt store open")
	metrics.RegisterComponent("registry", true, true, "subscription registry ready")

	if cfg.RetentionSchedule != "" {
		if err := e.notifier.StartRetentionPruning(cfg.RetentionSchedule, cfg.RetentionPeriod); err != nil {
			e.collector.Stop()
			backing.Close()
			return nil, fmt.Errorf("engine: start retention pruning: %w", err)
		}
	}

	return e, nil
}

// Subscribe registers a change, RPC/action, or operational subscription.
// Notification subscriptions go through SubscribeNotification instead,
// since they need a delivery callback rather than a kind-erased invoke.
func (e *Engine) Subscribe(groupID string, mode types.PumpMode, kind types.SubscriptionKind, module, xpath string, priority int, flags types.SubscriptionFlags, invoke registry.InvokeFunc) (*types.Subscription, error) {
	return e.registry.Subscribe(groupID, mode, kind, module, xpath, priority, flags, time.Time{}, time.Time{}, invoke)
}

// Unsubscribe removes a subscription of any kind.
func (e *Engine) Unsubscribe(subID string) error {
	return e.registry.Unsubscribe(subID)
}

// ProcessEvents drains groupID's pending records for a caller-managed pump.
func (e *Engine) ProcessEvents(ctx context.Context, groupID string) error {
	return e.registry.ProcessEvents(ctx, groupID)
}

// GetEventPipe returns groupID's readable event handle.
func (e *Engine) GetEventPipe(groupID string) *transport.Pipe {
	return e.registry.GetEventPipe(groupID)
}

// Commit runs a two-phase commit transaction against ds.
func (e *Engine) Commit(ctx context.Context, ds types.Datastore, diff types.Diff, originator types.SessionID, deadline time.Time) (*types.ChangeTransaction, error) {
	return e.mux.Commit(ctx, ds, diff, originator, deadline)
}

// Enabled runs the synthetic enabled/done transaction for sub against
// current (typically a snapshot of ds at subscribe time).
func (e *Engine) Enabled(ctx context.Context, sub *types.Subscription, current types.Diff, deadline time.Time) (*types.ChangeTransaction, error) {
	return e.mux.Enabled(ctx, sub, current, deadline)
}

// InvokeRPC dispatches an RPC/action request.
func (e *Engine) InvokeRPC(ctx context.Context, module, xpath string, input any, originator types.SessionID, deadline time.Time) (any, error) {
	return e.dispatcher.Invoke(ctx, module, xpath, input, originator, deadline)
}

// SubscribeNotification registers a notification subscription with
// optional replay and stop-time windows.
func (e *Engine) SubscribeNotification(ctx context.Context, module, xpath string, startTime, stopTime time.Time, deliver notify.DeliverFunc) (*types.Subscription, error) {
	return e.notifier.Subscribe(ctx, module, xpath, startTime, stopTime, deliver)
}

// PublishNotification emits a real-time notification.
func (e *Engine) PublishNotification(ctx context.Context, module, xpath string, payload []byte) error {
	return e.notifier.Publish(ctx, module, xpath, payload)
}

// ReadOperational composes the operational datastore's view of xpath.
func (e *Engine) ReadOperational(ctx context.Context, xpath string, originator types.SessionID, deadline time.Time) (*types.DatastoreNode, error) {
	return e.composer.Read(ctx, xpath, originator, deadline)
}

// Snapshot returns the current contents of ds from the backing store.
func (e *Engine) Snapshot(ds types.Datastore) (types.Diff, error) {
	return e.backing.Snapshot(ds)
}

// Stats implements metrics.StatsSource.
func (e *Engine) Stats() metrics.Snapshot {
	subsByKind, groupCount := e.registry.Stats()
	return metrics.Snapshot{
		SubscriptionsByKind: subsByKind,
		GroupCount:          groupCount,
		EventRecordsByState: e.store.RecordsByState(e.registry.Groups()),
	}
}

// Close stops background workers and closes the storage backend.
func (e *Engine) Close() error {
	e.collector.Stop()
	e.notifier.Close()
	return e.backing.Close()
}
