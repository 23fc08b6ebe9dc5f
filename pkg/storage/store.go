package storage

import (
	"time"

	"github.com/foxhollow/yangd/pkg/types"
)

// Store is the opaque tree store spec.md treats as an external
// collaborator: atomic snapshot/swap of a whole datastore variant, plus
// the append-only notification log that must survive restart.
//
// Implementations must serialize Swap against concurrent Snapshot calls
// on the same Datastore (spec.md §5: datastore lock; readers take a read
// lock, writers hold it across change → done/abort).
type Store interface {
	// Snapshot returns the full contents of ds as a Diff of creates — the
	// representation §8's round-trip property and the "enabled" synthetic
	// transaction both need.
	Snapshot(ds types.Datastore) (types.Diff, error)

	// Swap atomically replaces the contents of ds with tree. Used once a
	// ChangeTransaction reaches committed.
	Swap(ds types.Datastore, tree types.Diff) error

	// AppendNotification persists one notification entry for module,
	// iff replay is enabled for that module (callers decide that; the
	// store just appends).
	AppendNotification(entry types.NotificationEntry) error

	// ListNotifications returns entries for module with timestamp in
	// [from, to), in timestamp order.
	ListNotifications(module string, from, to time.Time) ([]types.NotificationEntry, error)

	// PruneNotifications deletes entries for module older than the
	// retention cutoff and returns the count removed.
	PruneNotifications(module string, olderThan time.Time) (int, error)

	Close() error
}
