package storage

import (
	"testing"
	"time"

	"github.com/foxhollow/yangd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotSwapRoundTrip(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	tree := types.Diff{
		{Op: types.NodeOpCreate, Node: &types.DatastoreNode{XPath: "/m:x/v", Value: "1"}},
		{Op: types.NodeOpCreate, Node: &types.DatastoreNode{XPath: "/m:x/w", Value: "2"}},
	}

	require.NoError(t, store.Swap(types.DatastoreRunning, tree))

	snap, err := store.Snapshot(types.DatastoreRunning)
	require.NoError(t, err)
	assert.Len(t, snap, 2)

	// Other datastores remain untouched.
	startupSnap, err := store.Snapshot(types.DatastoreStartup)
	require.NoError(t, err)
	assert.Empty(t, startupSnap)
}

func TestSwapReplacesPriorContents(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Swap(types.DatastoreRunning, types.Diff{
		{Op: types.NodeOpCreate, Node: &types.DatastoreNode{XPath: "/m:x/v", Value: "1"}},
	}))
	require.NoError(t, store.Swap(types.DatastoreRunning, types.Diff{
		{Op: types.NodeOpCreate, Node: &types.DatastoreNode{XPath: "/m:x/w", Value: "2"}},
	}))

	snap, err := store.Snapshot(types.DatastoreRunning)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "/m:x/w", snap[0].Node.XPath)
}

func TestNotificationLogOrderingAndPrune(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	base := time.Now()
	for i, ts := range []time.Time{base, base.Add(time.Second), base.Add(2 * time.Second)} {
		require.NoError(t, store.AppendNotification(types.NotificationEntry{
			Module:    "m",
			Timestamp: ts,
			XPath:     "/m:ev",
			Payload:   []byte{byte(i)},
		}))
	}

	entries, err := store.ListNotifications("m", base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Timestamp.Before(entries[1].Timestamp))
	assert.True(t, entries[1].Timestamp.Before(entries[2].Timestamp))

	removed, err := store.PruneNotifications("m", base.Add(1500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	remaining, err := store.ListNotifications("m", base.Add(-time.Minute), base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}
