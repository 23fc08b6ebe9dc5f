// Package rpcdispatch implements the RPC Dispatcher of spec.md §4.4:
// routes an RPC/action invocation to every subscription whose XPath
// filter matches, executes them in descending-priority order so the
// lowest-priority subscriber runs last as primary, and aggregates
// outputs so the primary's is authoritative.
//
// Grounded on the teacher's pkg/manager raft FSM Apply for the
// single-entry-point "try, and on failure unwind what already ran"
// shape, same as pkg/txn, including its ascending-priority replay for
// abort; this package differs in never aborting the primary per
// spec.md §4.4.
package rpcdispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/foxhollow/yangd/pkg/eventstore"
	"github.com/foxhollow/yangd/pkg/log"
	"github.com/foxhollow/yangd/pkg/metrics"
	"github.com/foxhollow/yangd/pkg/priority"
	"github.com/foxhollow/yangd/pkg/pumpwait"
	"github.com/foxhollow/yangd/pkg/registry"
	"github.com/foxhollow/yangd/pkg/types"
	"github.com/google/uuid"
)

// ErrNoSubscriber is returned when no subscription matches the
// invocation's XPath; spec.md §4.4 says callers must never send such a
// request, so this is treated as caller error, not an engine fault.
var ErrNoSubscriber = &types.ErrInfo{Code: types.CodeNotFound, Message: "no rpc/action subscriber matches xpath"}

// Dispatcher is the RPC Dispatcher.
type Dispatcher struct {
	registry *registry.Registry
	store    *eventstore.Store
}

// New returns a Dispatcher wired to reg and store.
func New(reg *registry.Registry, store *eventstore.Store) *Dispatcher {
	return &Dispatcher{registry: reg, store: store}
}

// Invoke dispatches one RPC/action request. output is the primary
// subscriber's returned payload; a non-nil *types.ErrInfo error means
// the invocation failed and any already-run non-primary subscribers
// were sent abort.
func (d *Dispatcher) Invoke(ctx context.Context, module, xpath string, input any, originator types.SessionID, deadline time.Time) (output any, err error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RPCDispatchDuration)

	subs := priority.SortDescending(d.registry.Match(types.SubscriptionRPC, module, xpath))
	if len(subs) == 0 {
		metrics.RPCInvocationsTotal.WithLabelValues("not-found").Inc()
		return nil, ErrNoSubscriber
	}

	requestID := uuid.NewString()
	var succeeded []*types.Subscription

	for _, sub := range subs {
		rec, err := d.store.Publish(sub.GroupID, sub.ID, types.PhaseRPC, requestID, originator, deadline, input)
		if err != nil {
			return nil, fmt.Errorf("rpcdispatch: publish to %s failed: %w", sub.ID, err)
		}

		settled, err := pumpwait.Await(ctx, d.store, d.registry, sub.GroupID, rec.EventID)
		if err != nil {
			return nil, err
		}

		if settled.State != types.StateCompletedOK {
			errInfo := settled.VerdictError
			if errInfo == nil {
				errInfo = &types.ErrInfo{Code: types.CodeOperationFailed, XPath: xpath, Message: "rpc subscriber failed"}
			}
			d.abort(ctx, priority.Reverse(succeeded), requestID, originator, deadline)
			metrics.RPCInvocationsTotal.WithLabelValues("failed").Inc()
			return nil, errInfo
		}

		succeeded = append(succeeded, sub)
		if settled.Verdict != nil {
			output = settled.Verdict
		}
	}

	metrics.RPCInvocationsTotal.WithLabelValues("ok").Inc()
	return output, nil
}

// abort best-effort notifies every subscriber in subs (already
// ascending-priority-ordered by the caller) that the invocation failed.
// The primary is never included here: it only ever reaches this
// function if it itself is the one that just failed, in which case the
// caller's succeeded slice excludes it already.
func (d *Dispatcher) abort(ctx context.Context, subs []*types.Subscription, requestID string, originator types.SessionID, deadline time.Time) {
	for _, sub := range subs {
		rec, err := d.store.Publish(sub.GroupID, sub.ID, types.PhaseAbort, requestID, originator, deadline, nil)
		if err != nil {
			log.WithSubscription(sub.ID).Error().Err(err).Msg("rpc abort publish failed")
			continue
		}
		if _, err := pumpwait.Await(ctx, d.store, d.registry, sub.GroupID, rec.EventID); err != nil {
			log.WithSubscription(sub.ID).Error().Err(err).Msg("rpc abort delivery failed")
		}
	}
}
