// Package eventstore implements the Event Record Store of spec.md §4.2:
// shared, per-group bounded storage for EventRecords, keyed by event id,
// supporting publish, claim, update-state and reap. It is the
// in-process stand-in for what spec.md §5 calls "shared-memory ring
// buffers per group" — grounded here as a capacity-bounded map guarded
// by a per-group lock, the closest intra-process analogue, per the
// in-process modeling decision recorded in DESIGN.md.
package eventstore

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/foxhollow/yangd/pkg/metrics"
	"github.com/foxhollow/yangd/pkg/transport"
	"github.com/foxhollow/yangd/pkg/types"
)

// ErrNoSpace is returned by Publish when a group is at capacity.
var ErrNoSpace = errors.New("eventstore: group at capacity")

// ErrNotFound is returned when an operation targets an unknown event id.
var ErrNotFound = errors.New("eventstore: event record not found")

const defaultCapacity = 4096

type group struct {
	mu       sync.RWMutex
	records  map[uint64]*types.EventRecord
	nextID   uint64
	capacity int
	pipe     *transport.Pipe
}

// Store is the Event Record Store, partitioned by group id.
type Store struct {
	mu       sync.Mutex
	groups   map[string]*group
	capacity int
	onChange func(*types.EventRecord)
}

// New returns a Store whose groups each hold up to capacity outstanding
// records. A capacity of 0 selects a default.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Store{groups: make(map[string]*group), capacity: capacity}
}

// OnChange registers fn to be called every time a record is published or
// transitions state. ClaimPending calls it after releasing the group
// lock; Publish, Shelve and Complete call it while still holding the
// group lock, so fn must not call back into the Store. Intended for
// pkg/observer's debug fan-out; at most one hook is supported since
// yangd has a single observer.Hub per process.
func (s *Store) OnChange(fn func(*types.EventRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Store) notify(r *types.EventRecord) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

func (s *Store) group(groupID string) *group {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		g = &group{
			records:  make(map[uint64]*types.EventRecord),
			capacity: s.capacity,
			pipe:     transport.NewPipe(),
		}
		s.groups[groupID] = g
	}
	return g
}

// Pipe returns the readable handle for groupID, creating the group if
// it does not yet exist.
func (s *Store) Pipe(groupID string) *transport.Pipe {
	return s.group(groupID).pipe
}

// DropGroup discards all state for groupID, called when its last
// subscription is removed.
func (s *Store) DropGroup(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, groupID)
}

// Publish enqueues a new pending record for subID in groupID and
// returns its assigned event id. input is stored on the record under
// the same lock that makes it visible to ClaimPending, so a concurrent
// claim can never observe a record with its input not yet set.
func (s *Store) Publish(groupID, subID string, phase types.EventPhase, payloadRef string, originator types.SessionID, deadline time.Time, input any) (*types.EventRecord, error) {
	g := s.group(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.records) >= g.capacity {
		metrics.EventsRejectedNoSpaceTotal.Inc()
		return nil, ErrNoSpace
	}

	g.nextID++
	rec := &types.EventRecord{
		EventID:    g.nextID,
		SubID:      subID,
		GroupID:    groupID,
		Phase:      phase,
		PayloadRef: payloadRef,
		Originator: originator,
		Deadline:   deadline,
		State:      types.StatePending,
		Input:      input,
		CreatedAt:  time.Now(),
	}
	g.records[rec.EventID] = rec
	g.pipe.Raise(1)
	metrics.EventsPublishedTotal.WithLabelValues(string(phase)).Inc()
	s.notify(rec)
	return rec, nil
}

// ClaimPending transitions every pending, not-yet-expired record in
// groupID to in-progress and returns them in ascending event-id order.
// Pending records whose deadline has already elapsed are flipped to
// timed-out as a side effect, per spec.md §3's "set by any observer
// past deadline", and are not included in the returned slice.
func (s *Store) ClaimPending(groupID string, now time.Time) []*types.EventRecord {
	g := s.group(groupID)
	g.mu.Lock()
	var claimed, timedOut []*types.EventRecord
	for _, r := range g.records {
		if r.State != types.StatePending {
			continue
		}
		if !r.Deadline.IsZero() && now.After(r.Deadline) {
			r.State = types.StateTimedOut
			g.pipe.Lower(1)
			metrics.EventsTimedOutTotal.Inc()
			timedOut = append(timedOut, r)
			continue
		}
		r.State = types.StateInProgress
		g.pipe.Lower(1)
		claimed = append(claimed, r)
	}
	g.mu.Unlock()

	for _, r := range timedOut {
		s.notify(r)
	}
	for _, r := range claimed {
		s.notify(r)
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].EventID < claimed[j].EventID })
	return claimed
}

// Shelve re-queues an in-progress record to pending, preserving its
// deadline, unless the deadline has already elapsed, in which case it
// becomes timed-out instead.
func (s *Store) Shelve(groupID string, eventID uint64, now time.Time) (types.EventState, error) {
	g := s.group(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.records[eventID]
	if !ok {
		return "", ErrNotFound
	}
	r.State = types.StateShelved
	if !r.Deadline.IsZero() && now.After(r.Deadline) {
		r.State = types.StateTimedOut
		metrics.EventsTimedOutTotal.Inc()
		s.notify(r)
		return r.State, nil
	}
	r.State = types.StatePending
	g.pipe.Raise(1)
	metrics.EventsShelvedTotal.Inc()
	s.notify(r)
	return r.State, nil
}

// Complete transitions an in-progress record to its terminal verdict.
func (s *Store) Complete(groupID string, eventID uint64, ok bool, verdict any, verdictErr *types.ErrInfo) error {
	g := s.group(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	r, found := g.records[eventID]
	if !found {
		return ErrNotFound
	}
	if ok {
		r.State = types.StateCompletedOK
	} else {
		r.State = types.StateCompletedErr
	}
	r.Verdict = verdict
	r.VerdictError = verdictErr
	s.notify(r)
	return nil
}

// Get returns the current record for eventID.
func (s *Store) Get(groupID string, eventID uint64) (*types.EventRecord, error) {
	g := s.group(groupID)
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.records[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// Snapshot returns every record currently held for groupID, for callers
// (the Change Multiplexer) that need to test "all non-pending" across a
// phase's full fan-out set.
func (s *Store) Snapshot(groupID string) []*types.EventRecord {
	g := s.group(groupID)
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*types.EventRecord, 0, len(g.records))
	for _, r := range g.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

// RecordsByState returns the count of records in each state across
// every live group, for metrics.StatsSource.
func (s *Store) RecordsByState(groupIDs []string) map[string]int {
	counts := make(map[string]int)
	for _, gid := range groupIDs {
		g := s.group(gid)
		g.mu.RLock()
		for _, r := range g.records {
			counts[string(r.State)]++
		}
		g.mu.RUnlock()
	}
	return counts
}

// Reap deletes every record in groupID that is in a terminal state
// (completed-ok, completed-fail, timed-out), returning the count
// removed. Called once a transaction or invocation has fully settled.
func (s *Store) Reap(groupID string) int {
	g := s.group(groupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for id, r := range g.records {
		switch r.State {
		case types.StateCompletedOK, types.StateCompletedErr, types.StateTimedOut:
			delete(g.records, id)
			removed++
		}
	}
	return removed
}
