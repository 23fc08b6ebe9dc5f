package engine

import (
	"context"
	"testing"
	"time"

	"github.com/foxhollow/yangd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// TestEngineCommitAndSnapshot exercises the full wiring: a change
// subscription registered through Engine.Subscribe, a commit through
// Engine.Commit, and the result visible through Engine.Snapshot.
func TestEngineCommitAndSnapshot(t *testing.T) {
	e := newTestEngine(t)

	invoked := false
	_, err := e.Subscribe("g1", types.PumpCallerManaged, types.SubscriptionChange, "", "/m:x", 10, types.SubscriptionFlags{}, func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo) {
		invoked = true
		return types.CodeOK, nil, nil
	})
	require.NoError(t, err)

	diff := types.Diff{{Op: types.NodeOpCreate, Node: &types.DatastoreNode{XPath: "/m:x/v", Value: "1"}}}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	txnObj, err := e.Commit(ctx, types.DatastoreRunning, diff, "sess-1", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.TxnPhaseCommitted, txnObj.Phase)
	assert.True(t, invoked)

	snap, err := e.Snapshot(types.DatastoreRunning)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "/m:x/v", snap[0].Node.XPath)
}

// TestEngineStatsReflectsSubscriptions exercises Engine.Stats, the
// metrics.StatsSource implementation the embedded Collector polls.
func TestEngineStatsReflectsSubscriptions(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Subscribe("g1", types.PumpCallerManaged, types.SubscriptionRPC, "m", "/m:op", 0, types.SubscriptionFlags{}, func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo) {
		return types.CodeOK, nil, nil
	})
	require.NoError(t, err)

	snap := e.Stats()
	assert.Equal(t, 1, snap.GroupCount)
	assert.Equal(t, 1, snap.SubscriptionsByKind[string(types.SubscriptionRPC)])
}

// TestEngineInvokeRPC exercises the dispatcher through the wired Engine.
func TestEngineInvokeRPC(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Subscribe("g1", types.PumpCallerManaged, types.SubscriptionRPC, "m", "/m:op", 0, types.SubscriptionFlags{}, func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo) {
		return types.CodeOK, "output", nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := e.InvokeRPC(ctx, "m", "/m:op", "input", "sess-1", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "output", out)
}
