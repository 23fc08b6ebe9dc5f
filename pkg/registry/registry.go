// Package registry implements the Subscription Registry & Pump of
// spec.md §4.7: it owns SubscriptionGroup and Subscription descriptors,
// runs either an engine-owned worker per group or exposes a
// process-events entry point for a caller-managed pump, and enforces
// the shelve re-queue protocol and per-event timeouts by driving
// pkg/eventstore.
//
// Grounded on the teacher's pkg/events.Broker: a mutex-guarded map of
// live members plus a Start/Stop worker goroutine per owned resource,
// generalized here from one broker-wide worker to one worker per
// SubscriptionGroup (spec.md requires per-group serialization, not
// whole-engine serialization).
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/foxhollow/yangd/pkg/eventstore"
	"github.com/foxhollow/yangd/pkg/log"
	"github.com/foxhollow/yangd/pkg/metrics"
	"github.com/foxhollow/yangd/pkg/transport"
	"github.com/foxhollow/yangd/pkg/types"
	"github.com/foxhollow/yangd/pkg/xpath"
	"github.com/google/uuid"
)

// InvokeFunc is the kind-erased shape every bound Subscription's
// callback is adapted to. The Pump calls it once per claimed
// EventRecord; the returned code drives the record's next state
// transition (ok → completed-ok, callback-shelve → pending/timed-out,
// anything else → completed-fail).
type InvokeFunc func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo)

type boundSubscription struct {
	sub    *types.Subscription
	filter *xpath.Filter
	invoke InvokeFunc
	ready  bool
}

type subGroup struct {
	mu      sync.Mutex
	id      string
	mode    types.PumpMode
	members map[string]*boundSubscription
	cancel  context.CancelFunc
}

// Registry owns every live SubscriptionGroup and Subscription.
type Registry struct {
	mu       sync.RWMutex
	groups   map[string]*subGroup
	subToGrp map[string]string
	store    *eventstore.Store
	filters  *xpath.Cache
}

// New returns a Registry backed by store.
func New(store *eventstore.Store) *Registry {
	return &Registry{
		groups:   make(map[string]*subGroup),
		subToGrp: make(map[string]string),
		store:    store,
		filters:  xpath.NewCache(),
	}
}

// Subscribe registers a new Subscription of any kind under groupID,
// creating the group on first use. If mode is engine-managed and the
// group has no worker yet, one is started. invoke is the adapted,
// kind-erased callback the Pump will call for this subscription's
// claimed records. startTime/stopTime are meaningful only to
// notification subscriptions (spec.md §4.5); other kinds pass the zero
// value.
//
// A subscription whose startTime is non-zero and already past is
// registered not-ready: it is bound and can receive records published
// directly against its GroupID/ID (so a replay loop can still deliver
// to it), but Match will not return it until MarkReady is called. This
// keeps a fresh notification subscription invisible to real-time
// fan-out until its historical replay has settled, per spec.md §8
// Invariant #6.
func (r *Registry) Subscribe(groupID string, mode types.PumpMode, kind types.SubscriptionKind, module, rawXPath string, priority int, flags types.SubscriptionFlags, startTime, stopTime time.Time, invoke InvokeFunc) (*types.Subscription, error) {
	filter, err := r.filters.Compile(rawXPath)
	if err != nil {
		return nil, fmt.Errorf("registry: invalid xpath filter %q: %w", rawXPath, err)
	}

	sub := &types.Subscription{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Kind:      kind,
		Module:    module,
		XPath:     rawXPath,
		Priority:  priority,
		Flags:     flags,
		StartTime: startTime,
		StopTime:  stopTime,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	g, ok := r.groups[groupID]
	if !ok {
		g = &subGroup{id: groupID, mode: mode, members: make(map[string]*boundSubscription)}
		r.groups[groupID] = g
		metrics.SubscriptionGroupsTotal.Inc()
	}
	r.subToGrp[sub.ID] = groupID
	r.mu.Unlock()

	ready := startTime.IsZero() || !startTime.Before(time.Now())

	g.mu.Lock()
	g.members[sub.ID] = &boundSubscription{sub: sub, filter: filter, invoke: invoke, ready: ready}
	startWorker := g.mode == types.PumpEngineManaged && g.cancel == nil
	g.mu.Unlock()

	metrics.SubscriptionsTotal.WithLabelValues(string(kind)).Inc()

	if startWorker {
		r.startWorker(g)
	}

	log.WithSubscription(sub.ID).Debug().Str("group_id", groupID).Str("kind", string(kind)).Str("xpath", rawXPath).Msg("subscription registered")
	return sub, nil
}

// Unsubscribe removes subID. Per spec.md §5, this blocks until any
// in-flight callback for it has returned — enforced naturally here
// because removal takes the same group lock the Pump holds while
// invoking callbacks.
func (r *Registry) Unsubscribe(subID string) error {
	r.mu.Lock()
	groupID, ok := r.subToGrp[subID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("registry: unknown subscription %s", subID)
	}
	g := r.groups[groupID]
	delete(r.subToGrp, subID)
	r.mu.Unlock()

	g.mu.Lock()
	bound, ok := g.members[subID]
	if ok {
		delete(g.members, subID)
	}
	empty := len(g.members) == 0
	var cancel context.CancelFunc
	if empty {
		cancel = g.cancel
		g.cancel = nil
	}
	g.mu.Unlock()

	if ok {
		metrics.SubscriptionsTotal.WithLabelValues(string(bound.sub.Kind)).Dec()
	}

	if empty {
		if cancel != nil {
			cancel()
		}
		r.mu.Lock()
		delete(r.groups, groupID)
		r.mu.Unlock()
		r.store.DropGroup(groupID)
		metrics.SubscriptionGroupsTotal.Dec()
	}
	return nil
}

// MarkReady makes subID visible to Match. The Notification Broker calls
// this once a fresh subscription's replay has fully settled (including
// the notif-replay-complete marker), so a real-time notification
// published concurrently with replay can never be matched, and
// therefore delivered, ahead of the replay it is supposed to follow.
func (r *Registry) MarkReady(subID string) {
	r.mu.RLock()
	groupID := r.subToGrp[subID]
	g := r.groups[groupID]
	r.mu.RUnlock()
	if g == nil {
		return
	}
	g.mu.Lock()
	if bound, ok := g.members[subID]; ok {
		bound.ready = true
	}
	g.mu.Unlock()
}

// GetEventPipe returns the readable handle for groupID.
func (r *Registry) GetEventPipe(groupID string) *transport.Pipe {
	return r.store.Pipe(groupID)
}

// Groups returns the id of every live SubscriptionGroup, used by
// pkg/engine to aggregate stats across the whole Event Record Store.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.groups))
	for id := range r.groups {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns the current subscription count by kind and the live
// group count, for metrics.StatsSource.
func (r *Registry) Stats() (subsByKind map[string]int, groupCount int) {
	r.mu.RLock()
	groupIDs := make([]string, 0, len(r.groups))
	for id := range r.groups {
		groupIDs = append(groupIDs, id)
	}
	r.mu.RUnlock()

	subsByKind = make(map[string]int)
	for _, gid := range groupIDs {
		r.mu.RLock()
		g := r.groups[gid]
		r.mu.RUnlock()
		if g == nil {
			continue
		}
		g.mu.Lock()
		for _, bound := range g.members {
			subsByKind[string(bound.sub.Kind)]++
		}
		g.mu.Unlock()
	}
	return subsByKind, len(groupIDs)
}

// Match returns every live Subscription of kind whose filter matches
// targetXPath, used by the Change Multiplexer, RPC Dispatcher and
// Notification Broker to compute a fan-out set. module is an exact
// filter on Subscription.Module; pass "" to match any module (the
// Change Multiplexer targets a Datastore, not a YANG module, so it
// uses the wildcard).
func (r *Registry) Match(kind types.SubscriptionKind, module, targetXPath string) []*types.Subscription {
	r.mu.RLock()
	groupIDs := make([]string, 0, len(r.groups))
	for id := range r.groups {
		groupIDs = append(groupIDs, id)
	}
	r.mu.RUnlock()

	var matched []*types.Subscription
	for _, gid := range groupIDs {
		r.mu.RLock()
		g := r.groups[gid]
		r.mu.RUnlock()
		if g == nil {
			continue
		}
		g.mu.Lock()
		for _, bound := range g.members {
			if bound.sub.Kind != kind || !bound.ready {
				continue
			}
			if module != "" && bound.sub.Module != module {
				continue
			}
			if bound.filter.Matches(targetXPath) {
				matched = append(matched, bound.sub)
			}
		}
		g.mu.Unlock()
	}
	return matched
}

// SubscriptionsByKind returns every live Subscription of kind across all
// groups, unfiltered by XPath — used by the Operational Composer, which
// needs to reason about each candidate provider's own filter rather than
// test a single target path.
func (r *Registry) SubscriptionsByKind(kind types.SubscriptionKind) []*types.Subscription {
	r.mu.RLock()
	groupIDs := make([]string, 0, len(r.groups))
	for id := range r.groups {
		groupIDs = append(groupIDs, id)
	}
	r.mu.RUnlock()

	var out []*types.Subscription
	for _, gid := range groupIDs {
		r.mu.RLock()
		g := r.groups[gid]
		r.mu.RUnlock()
		if g == nil {
			continue
		}
		g.mu.Lock()
		for _, bound := range g.members {
			if bound.sub.Kind == kind {
				out = append(out, bound.sub)
			}
		}
		g.mu.Unlock()
	}
	return out
}

// CouldSelectUnder reports, for the Operational Composer's redundancy
// pruning, whether subID's filter could ever select something under
// parent's filter (see pkg/xpath.CouldSelectUnder).
func (r *Registry) CouldSelectUnder(subID string, parent *xpath.Filter) bool {
	r.mu.RLock()
	groupID := r.subToGrp[subID]
	g := r.groups[groupID]
	r.mu.RUnlock()
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	bound, ok := g.members[subID]
	if !ok {
		return false
	}
	return xpath.CouldSelectUnder(bound.filter, parent)
}

// Filter returns the compiled filter for subID, used by components that
// need to reason about a subscription's XPath beyond simple matching
// (e.g. the Operational Composer's ancestor ordering).
func (r *Registry) Filter(subID string) *xpath.Filter {
	r.mu.RLock()
	groupID := r.subToGrp[subID]
	g := r.groups[groupID]
	r.mu.RUnlock()
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	bound, ok := g.members[subID]
	if !ok {
		return nil
	}
	return bound.filter
}

// ProcessEvents is the caller-managed Pump entry point: it drains every
// pending, not-yet-expired record for groupID and invokes each one's
// bound callback, applying the shelve/success/failure state machine of
// spec.md §4.1. It is safe to call concurrently with Publish but is
// single-threaded per group, enforced by the group lock.
func (r *Registry) ProcessEvents(ctx context.Context, groupID string) error {
	r.mu.RLock()
	g := r.groups[groupID]
	r.mu.RUnlock()
	if g == nil {
		return fmt.Errorf("registry: unknown group %s", groupID)
	}
	return r.processEvents(ctx, g)
}

func (r *Registry) processEvents(ctx context.Context, g *subGroup) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	claimed := r.store.ClaimPending(g.id, now)
	for _, rec := range claimed {
		bound, ok := g.members[rec.SubID]
		if !ok {
			// Subscription unsubscribed between publish and claim; fail
			// the record rather than invoke a dangling callback.
			_ = r.store.Complete(g.id, rec.EventID, false, nil, &types.ErrInfo{Code: types.CodeNotFound, Message: "subscription no longer registered"})
			continue
		}

		code, verdict, errInfo := bound.invoke(ctx, rec)
		switch code {
		case types.CodeShelve:
			if _, err := r.store.Shelve(g.id, rec.EventID, time.Now()); err != nil {
				return err
			}
		case types.CodeOK:
			if err := r.store.Complete(g.id, rec.EventID, true, verdict, nil); err != nil {
				return err
			}
		default:
			if errInfo == nil {
				errInfo = &types.ErrInfo{Code: code, Message: "callback returned non-ok"}
			}
			if err := r.store.Complete(g.id, rec.EventID, false, verdict, errInfo); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) startWorker(g *subGroup) {
	workerCtx, cancel := context.WithCancel(context.Background())
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	go func() {
		pipe := r.store.Pipe(g.id)
		for {
			if err := pipe.Wait(workerCtx); err != nil {
				return
			}
			if err := r.processEvents(workerCtx, g); err != nil {
				log.WithGroup(g.id).Error().Err(err).Msg("engine-managed pump failed")
			}
		}
	}()
}
