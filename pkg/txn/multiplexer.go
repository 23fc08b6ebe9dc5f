// Package txn implements the Change Multiplexer of spec.md §4.3: given
// a committed or proposed diff against a datastore, it runs the
// update → change → done/abort phase sequence, fans events out to
// matching change subscriptions in priority order, and enforces the
// two-phase-commit invariants of §8 (every subscriber that returns ok
// on change gets exactly one of done/abort; no subscriber gets both).
//
// Grounded on the teacher's pkg/manager raft FSM Apply: a single
// entry point that validates, applies, and reports outcome, adapted
// here from "apply one log entry" to "run one two-phase commit".
package txn

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
	"github.com/foxhollow/yangd/pkg/storage"
	"github.com/foxhollow/yangd/pkg/types"
	"github.com/google/uuid"
)

// Multiplexer is the Change Multiplexer.
type Multiplexer struct {
	registry *registry.Registry
	store    *eventstore.Store
	backing  storage.Store
}

// New returns a Multiplexer wired to reg for subscription matching and
// dispatch, store for the underlying event records, and backing for
// the atomic datastore swap on commit.
func New(reg *registry.Registry, store *eventstore.Store, backing storage.Store) *Multiplexer {
	return &Multiplexer{registry: reg, store: store, backing: backing}
}

// Commit runs the full two-phase-commit sequence for diff against ds
// and returns the settled ChangeTransaction. A non-nil error means the
// transaction aborted; the datastore is left untouched in that case.
func (m *Multiplexer) Commit(ctx context.Context, ds types.Datastore, diff types.Diff, originator types.SessionID, deadline time.Time) (*types.ChangeTransaction, error) {
	txnObj := &types.ChangeTransaction{
		ID:         uuid.NewString(),
		Datastore:  ds,
		Diff:       diff,
		Originator: originator,
		Phase:      types.TxnPhaseUpdate,
		CreatedAt:  time.Now(),
	}
	logger := log.WithTransaction(txnObj.ID)

	changeSubs := priority.SortDescending(m.matching(ds, diff))

	updateSubs := filterFlag(changeSubs, func(f types.SubscriptionFlags) bool { return f.UpdatePhaseRequested })
	if len(updateSubs) > 0 {
		results, err := m.runPhase(ctx, txnObj, types.PhaseUpdate, updateSubs, diff, deadline)
		if err != nil {
			return m.fail(txnObj, err)
		}
		if failed, errInfo := firstFailure(results); failed {
			logger.Warn().Str("xpath", errInfo.XPath).Msg("update phase rejected commit")
			return m.fail(txnObj, errInfo)
		}
	}

	txnObj.Phase = types.TxnPhaseChange
	results, err := m.runPhase(ctx, txnObj, types.PhaseChange, changeSubs, diff, deadline)
	if err != nil {
		return m.fail(txnObj, &types.ErrInfo{Code: types.CodeInternal, Message: err.Error()})
	}

	if failed, errInfo := firstFailure(results); failed {
		succeeded := succeededSubs(changeSubs, results)
		// Abort in ascending priority: the reverse of the descending
		// order change was fanned out in.
		reversed := priority.Reverse(succeeded)
		if _, err := m.runPhase(ctx, txnObj, types.PhaseAbort, reversed, diff, deadline); err != nil {
			logger.Error().Err(err).Msg("abort fan-out failed")
		}
		txnObj.Phase = types.TxnPhaseAborted
		txnObj.Errors = types.ErrChain{errInfo}
		metrics.TransactionsTotal.WithLabelValues("aborted").Inc()
		return txnObj, errInfo
	}

	if err := m.backing.Swap(ds, diff); err != nil {
		txnObj.Phase = types.TxnPhaseAborted
		return txnObj, fmt.Errorf("txn: datastore swap failed: %w", err)
	}
	txnObj.Phase = types.TxnPhaseCommitted
	metrics.TransactionsTotal.WithLabelValues("committed").Inc()

	// done is best-effort: spec.md §9 says its callback failures are
	// logged-only and never reopen a committed transaction.
	if _, err := m.runPhase(ctx, txnObj, types.PhaseDone, changeSubs, diff, deadline); err != nil {
		logger.Error().Err(err).Msg("done fan-out failed")
	}

	for _, s := range changeSubs {
		m.store.Reap(s.GroupID)
	}
	return txnObj, nil
}

// Enabled constructs and runs the synthetic "enabled" transaction of
// spec.md §4.3 point 3 for a single newly-created change subscription
// that requested enabled-phase-requested, presenting current as a
// creates-only diff.
func (m *Multiplexer) Enabled(ctx context.Context, sub *types.Subscription, current types.Diff, deadline time.Time) (*types.ChangeTransaction, error) {
	txnObj := &types.ChangeTransaction{
		ID:        uuid.NewString(),
		Datastore: types.DatastoreRunning,
		Diff:      current,
		Enabled:   true,
		Phase:     types.TxnPhaseUpdate,
		CreatedAt: time.Now(),
	}
	if _, err := m.runPhase(ctx, txnObj, types.PhaseEnabled, []*types.Subscription{sub}, current, deadline); err != nil {
		return txnObj, err
	}
	txnObj.Phase = types.TxnPhaseCommitted
	if _, err := m.runPhase(ctx, txnObj, types.PhaseDone, []*types.Subscription{sub}, current, deadline); err != nil {
		log.WithTransaction(txnObj.ID).Error().Err(err).Msg("enabled done delivery failed")
	}
	return txnObj, nil
}

func (m *Multiplexer) fail(txnObj *types.ChangeTransaction, reason error) (*types.ChangeTransaction, error) {
	txnObj.Phase = types.TxnPhaseAborted
	errInfo, ok := reason.(*types.ErrInfo)
	if !ok {
		errInfo = &types.ErrInfo{Code: types.CodeOperationFailed, Message: reason.Error()}
	}
	txnObj.Errors = types.ErrChain{errInfo}
	metrics.TransactionsTotal.WithLabelValues("aborted").Inc()
	return txnObj, errInfo
}

// runPhase publishes one EventRecord per subscription, in the order
// given, and synchronously awaits each before publishing the next —
// this is what gives the fan-out its deterministic priority ordering
// without needing a barrier primitive of its own.
func (m *Multiplexer) runPhase(ctx context.Context, txnObj *types.ChangeTransaction, phase types.EventPhase, subs []*types.Subscription, diff types.Diff, deadline time.Time) ([]*types.EventRecord, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.TransactionPhaseDuration, string(phase))

	results := make([]*types.EventRecord, 0, len(subs))
	for _, sub := range subs {
		rec, err := m.store.Publish(sub.GroupID, sub.ID, phase, txnObj.ID, txnObj.Originator, deadline, diff)
		if err != nil {
			return results, fmt.Errorf("txn: publish to %s failed: %w", sub.ID, err)
		}

		settled, err := pumpwait.Await(ctx, m.store, m.registry, sub.GroupID, rec.EventID)
		if err != nil {
			return results, err
		}
		results = append(results, settled)
	}
	return results, nil
}

// matching computes the change-subscription fan-out set for a commit
// against ds. ds itself never excludes a subscriber here: a diff only
// ever carries push data (an explicit client write), and pull
// operational data is never part of a committed diff in the first
// place — it is computed live by providers at read time, so it never
// reaches this path, satisfying spec.md §4.3's push/pull rule for free.
func (m *Multiplexer) matching(ds types.Datastore, diff types.Diff) []*types.Subscription {
	seen := make(map[string]*types.Subscription)
	for _, path := range diff.Paths() {
		for _, sub := range m.registry.Match(types.SubscriptionChange, "", path) {
			seen[sub.ID] = sub
		}
	}
	out := make([]*types.Subscription, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	return out
}

func filterFlag(subs []*types.Subscription, keep func(types.SubscriptionFlags) bool) []*types.Subscription {
	out := make([]*types.Subscription, 0, len(subs))
	for _, s := range subs {
		if keep(s.Flags) {
			out = append(out, s)
		}
	}
	return out
}

func firstFailure(results []*types.EventRecord) (bool, *types.ErrInfo) {
	for _, r := range results {
		if r.State == types.StateCompletedErr || r.State == types.StateTimedOut {
			errInfo := r.VerdictError
			if errInfo == nil {
				errInfo = &types.ErrInfo{Code: types.CodeOperationFailed, Message: "subscriber failed"}
			}
			return true, errInfo
		}
	}
	return false, nil
}

func succeededSubs(subs []*types.Subscription, results []*types.EventRecord) []*types.Subscription {
	bySub := make(map[string]*types.EventRecord, len(results))
	for _, r := range results {
		bySub[r.SubID] = r
	}
	var out []*types.Subscription
	for _, s := range subs {
		if r, ok := bySub[s.ID]; ok && r.State == types.StateCompletedOK {
			out = append(out, s)
		}
	}
	return out
}
