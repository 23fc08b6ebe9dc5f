package registry

import (
	"context"
	"testing"
	"time"

	"github.com/foxhollow/yangd/pkg/eventstore"
	"github.com/foxhollow/yangd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() (*Registry, *eventstore.Store) {
	store := eventstore.New(0)
	return New(store), store
}

func TestSubscribeCreatesGroupAndMatches(t *testing.T) {
	r, _ := newTestRegistry()

	invoke := func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo) {
		return types.CodeOK, nil, nil
	}
	sub, err := r.Subscribe("g1", types.PumpCallerManaged, types.SubscriptionChange, "m", "/m:x", 10, types.SubscriptionFlags{}, time.Time{}, time.Time{}, invoke)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)

	matched := r.Match(types.SubscriptionChange, "m", "/m:x/v")
	require.Len(t, matched, 1)
	assert.Equal(t, sub.ID, matched[0].ID)
}

func TestProcessEventsInvokesCallbackAndCompletes(t *testing.T) {
	r, store := newTestRegistry()

	var invoked int
	invoke := func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo) {
		invoked++
		return types.CodeOK, "verdict", nil
	}
	sub, err := r.Subscribe("g1", types.PumpCallerManaged, types.SubscriptionChange, "m", "/m:x", 10, types.SubscriptionFlags{}, time.Time{}, time.Time{}, invoke)
	require.NoError(t, err)

	rec, err := store.Publish("g1", sub.ID, types.PhaseChange, "txn-1", "sess-1", time.Now().Add(time.Second), nil)
	require.NoError(t, err)

	require.NoError(t, r.ProcessEvents(context.Background(), "g1"))
	assert.Equal(t, 1, invoked)

	got, err := store.Get("g1", rec.EventID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompletedOK, got.State)
}

func TestProcessEventsShelveRequeues(t *testing.T) {
	r, store := newTestRegistry()

	calls := 0
	invoke := func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo) {
		calls++
		if calls < 3 {
			return types.CodeShelve, nil, nil
		}
		return types.CodeOK, nil, nil
	}
	sub, err := r.Subscribe("g1", types.PumpCallerManaged, types.SubscriptionChange, "m", "/m:x", 10, types.SubscriptionFlags{}, time.Time{}, time.Time{}, invoke)
	require.NoError(t, err)

	rec, err := store.Publish("g1", sub.ID, types.PhaseChange, "txn-1", "sess-1", time.Now().Add(2*time.Second), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.ProcessEvents(context.Background(), "g1"))
	}

	assert.Equal(t, 3, calls)
	got, err := store.Get("g1", rec.EventID)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompletedOK, got.State)
}

func TestUnsubscribeRemovesGroupWhenEmpty(t *testing.T) {
	r, store := newTestRegistry()

	invoke := func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo) {
		return types.CodeOK, nil, nil
	}
	sub, err := r.Subscribe("g1", types.PumpCallerManaged, types.SubscriptionChange, "m", "/m:x", 10, types.SubscriptionFlags{}, time.Time{}, time.Time{}, invoke)
	require.NoError(t, err)

	require.NoError(t, r.Unsubscribe(sub.ID))

	matched := r.Match(types.SubscriptionChange, "m", "/m:x")
	assert.Empty(t, matched)

	_, err = store.Publish("g1", sub.ID, types.PhaseChange, "txn-1", "sess-1", time.Now().Add(time.Second), nil)
	require.NoError(t, err) // group re-created lazily; publishing after unsubscribe is a caller bug, not a store error
}

func TestEngineManagedPumpDrainsAutomatically(t *testing.T) {
	r, store := newTestRegistry()

	done := make(chan struct{}, 1)
	invoke := func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo) {
		done <- struct{}{}
		return types.CodeOK, nil, nil
	}
	sub, err := r.Subscribe("g1", types.PumpEngineManaged, types.SubscriptionChange, "m", "/m:x", 10, types.SubscriptionFlags{}, time.Time{}, time.Time{}, invoke)
	require.NoError(t, err)

	_, err = store.Publish("g1", sub.ID, types.PhaseChange, "txn-1", "sess-1", time.Now().Add(time.Second), nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine-managed worker never invoked callback")
	}
}
