package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/foxhollow/yangd/pkg/eventstore"
	"github.com/foxhollow/yangd/pkg/registry"
	"github.com/foxhollow/yangd/pkg/storage"
	"github.com/foxhollow/yangd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMultiplexer(t *testing.T) (*Multiplexer, *registry.Registry, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	evs := eventstore.New(0)
	reg := registry.New(evs)
	return New(reg, evs, store), reg, store
}

// TestTwoPhaseAbort mirrors spec.md §8 scenario 1: subscriber A
// (priority 10) returns ok on change, B (priority 5) returns fail. A
// must receive abort, B must not, and the commit must fail.
func TestTwoPhaseAbort(t *testing.T) {
	mux, reg, backing := newTestMultiplexer(t)

	var aPhases, bPhases []types.EventPhase
	var mu sync.Mutex

	_, err := reg.Subscribe("group-a", types.PumpCallerManaged, types.SubscriptionChange, "", "/m:x", 10, types.SubscriptionFlags{}, time.Time{}, time.Time{}, func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo) {
		mu.Lock()
		aPhases = append(aPhases, rec.Phase)
		mu.Unlock()
		return types.CodeOK, nil, nil
	})
	require.NoError(t, err)

	_, err = reg.Subscribe("group-b", types.PumpCallerManaged, types.SubscriptionChange, "", "/m:x", 5, types.SubscriptionFlags{}, time.Time{}, time.Time{}, func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo) {
		mu.Lock()
		bPhases = append(bPhases, rec.Phase)
		mu.Unlock()
		if rec.Phase == types.PhaseChange {
			return types.CodeOperationFailed, nil, &types.ErrInfo{Code: types.CodeOperationFailed, Message: "rejected"}
		}
		return types.CodeOK, nil, nil
	})
	require.NoError(t, err)

	diff := types.Diff{{Op: types.NodeOpModify, Node: &types.DatastoreNode{XPath: "/m:x/v", Value: "1"}}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	txnObj, err := mux.Commit(ctx, types.DatastoreRunning, diff, "sess-1", time.Now().Add(time.Second))
	require.Error(t, err)
	assert.Equal(t, types.TxnPhaseAborted, txnObj.Phase)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, aPhases, types.PhaseAbort)
	assert.NotContains(t, bPhases, types.PhaseAbort)

	snap, err := backing.Snapshot(types.DatastoreRunning)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

// TestShelveThenSuccess mirrors spec.md §8 scenario 2: a single change
// subscriber shelves twice then succeeds; the commit must still
// succeed with exactly three invocations on the change phase.
func TestShelveThenSuccess(t *testing.T) {
	mux, reg, backing := newTestMultiplexer(t)

	calls := 0
	_, err := reg.Subscribe("group-a", types.PumpCallerManaged, types.SubscriptionChange, "", "/m:x", 10, types.SubscriptionFlags{NoThread: true}, time.Time{}, time.Time{}, func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo) {
		if rec.Phase != types.PhaseChange {
			return types.CodeOK, nil, nil
		}
		calls++
		if calls < 3 {
			return types.CodeShelve, nil, nil
		}
		return types.CodeOK, nil, nil
	})
	require.NoError(t, err)

	diff := types.Diff{{Op: types.NodeOpCreate, Node: &types.DatastoreNode{XPath: "/m:x/v", Value: "1"}}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	txnObj, err := mux.Commit(ctx, types.DatastoreRunning, diff, "sess-1", time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.TxnPhaseCommitted, txnObj.Phase)
	assert.Equal(t, 3, calls)

	snap, err := backing.Snapshot(types.DatastoreRunning)
	require.NoError(t, err)
	require.Len(t, snap, 1)
}

// TestEnabledRoundTripsDatastore mirrors spec.md §8's round-trip
// property: subscribing with enabled on a populated running datastore
// delivers a synthetic change set that, applied to the empty tree,
// reproduces the current datastore exactly.
func TestEnabledRoundTripsDatastore(t *testing.T) {
	mux, reg, backing := newTestMultiplexer(t)

	diff := types.Diff{
		{Op: types.NodeOpCreate, Node: &types.DatastoreNode{XPath: "/m:x/v", Value: "1"}},
		{Op: types.NodeOpCreate, Node: &types.DatastoreNode{XPath: "/m:x/w", Value: "2"}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := mux.Commit(ctx, types.DatastoreRunning, diff, "sess-1", time.Now().Add(time.Second))
	require.NoError(t, err)

	current, err := backing.Snapshot(types.DatastoreRunning)
	require.NoError(t, err)
	require.Len(t, current, 2)

	var received types.Diff
	sub, err := reg.Subscribe("group-late", types.PumpCallerManaged, types.SubscriptionChange, "", "/m:x", 10, types.SubscriptionFlags{EnabledPhaseRequested: true}, time.Time{}, time.Time{}, func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo) {
		if rec.Phase == types.PhaseEnabled {
			received = rec.Input.(types.Diff)
		}
		return types.CodeOK, nil, nil
	})
	require.NoError(t, err)

	txnObj, err := mux.Enabled(ctx, sub, current, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.True(t, txnObj.Enabled)
	assert.Equal(t, types.TxnPhaseCommitted, txnObj.Phase)

	// Reconstructing an empty tree from the delivered diff reproduces
	// the current datastore: every node and op must match, node-for-node.
	require.Len(t, received, len(current))
	for i := range current {
		assert.Equal(t, types.NodeOpCreate, received[i].Op)
		assert.Equal(t, current[i].Node.XPath, received[i].Node.XPath)
		assert.Equal(t, current[i].Node.Value, received[i].Node.Value)
	}
}
