// Package pumpwait provides the synchronous "publish then wait for
// settlement" helper shared by the components that drive
// pkg/registry's Pump from outside a subscriber's own worker goroutine
// — the Change Multiplexer, RPC Dispatcher and Operational Composer
// all need to block until one specific EventRecord leaves the
// pending/in-progress states before moving on to the next step of
// their own phase/priority ordering.
package pumpwait

import (
	"context"
	"time"

	"github.com/foxhollow/yangd/pkg/eventstore"
	"github.com/foxhollow/yangd/pkg/registry"
	"github.com/foxhollow/yangd/pkg/types"
)

// DefaultPollInterval is how often Await re-checks a record's state
// and nudges a caller-managed group's pump.
const DefaultPollInterval = 5 * time.Millisecond

// Await drives groupID's pump (calling ProcessEvents is harmless for
// an engine-managed group, since its own worker already claims
// everything; it is necessary for a caller-managed group with no
// other active drainer) until eventID leaves the pending/in-progress
// states, or ctx is done.
func Await(ctx context.Context, store *eventstore.Store, reg *registry.Registry, groupID string, eventID uint64) (*types.EventRecord, error) {
	ticker := time.NewTicker(DefaultPollInterval)
	defer ticker.Stop()

	for {
		rec, err := store.Get(groupID, eventID)
		if err != nil {
			return nil, err
		}
		switch rec.State {
		case types.StateCompletedOK, types.StateCompletedErr, types.StateTimedOut:
			return rec, nil
		}

		if err := reg.ProcessEvents(ctx, groupID); err != nil {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
