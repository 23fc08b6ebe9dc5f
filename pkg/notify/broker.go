// Package notify implements the Notification Broker of spec.md §4.5:
// per-subscription replay-then-realtime-then-stop delivery against a
// module's append-only NotificationLog, with cron-scheduled retention
// pruning.
//
// Grounded on the teacher's pkg/reconciler poll-and-retry shape for the
// replay cursor (retry the same entry until it is durably delivered
// before advancing) and on pkg/manager's Apply for real-time fan-out.
// Retention pruning replaces the teacher's bare ticker-based worker
// (pkg/marble.Worker in the retrieval pack) with robfig/cron/v3 so the
// schedule is expressed declaratively.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/foxhollow/yangd/pkg/eventstore"
	"github.com/foxhollow/yangd/pkg/log"
	"github.com/foxhollow/yangd/pkg/metrics"
	"github.com/foxhollow/yangd/pkg/pumpwait"
	"github.com/foxhollow/yangd/pkg/registry"
	"github.com/foxhollow/yangd/pkg/storage"
	"github.com/foxhollow/yangd/pkg/types"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// defaultRealtimeDeadline bounds how long a real-time notification
// delivery may take before the record is marked timed-out and the
// notification is lost for that subscriber (best-effort per spec.md §4.5).
const defaultRealtimeDeadline = 5 * time.Second

// replayRetryInterval is how long the replay loop waits between publish
// attempts for the same NotificationLog entry when a subscriber's queue
// is full or the delivery times out.
const replayRetryInterval = 50 * time.Millisecond

// DeliverFunc is the caller-supplied callback invoked once per delivered
// notification event (replay, replay-complete, real-time, or stop).
type DeliverFunc func(ctx context.Context, rec *types.EventRecord) error

// Broker is the Notification Broker.
type Broker struct {
	registry *registry.Registry
	store    *eventstore.Store
	backing  storage.Store

	mu            sync.RWMutex
	replayModules map[string]bool

	cron *cron.Cron
}

// New returns a Broker wired to reg/store/backing. replayModules lists
// the YANG modules for which real-time notifications are persisted to
// the NotificationLog (and therefore replayable); modules not listed
// are real-time-only.
func New(reg *registry.Registry, store *eventstore.Store, backing storage.Store, replayModules []string) *Broker {
	enabled := make(map[string]bool, len(replayModules))
	for _, m := range replayModules {
		enabled[m] = true
	}
	return &Broker{
		registry:      reg,
		store:         store,
		backing:       backing,
		replayModules: enabled,
	}
}

func (b *Broker) replayEnabled(module string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.replayModules[module]
}

// Subscribe registers a notification subscription for module/xpath. If
// startTime is non-zero and in the past, a replay goroutine is started
// that delivers historical entries in timestamp order before the
// subscription begins receiving real-time notifications. If stopTime is
// non-zero, a goroutine delivers notif-stop and unsubscribes once it is
// reached.
func (b *Broker) Subscribe(ctx context.Context, module, xpath string, startTime, stopTime time.Time, deliver DeliverFunc) (*types.Subscription, error) {
	groupID := "notify-" + uuid.NewString()

	invoke := func(ctx context.Context, rec *types.EventRecord) (types.Code, any, *types.ErrInfo) {
		if err := deliver(ctx, rec); err != nil {
			return types.CodeOperationFailed, nil, &types.ErrInfo{Code: types.CodeOperationFailed, Message: err.Error()}
		}
		return types.CodeOK, nil, nil
	}

	sub, err := b.registry.Subscribe(groupID, types.PumpEngineManaged, types.SubscriptionNotification, module, xpath, 0, types.SubscriptionFlags{}, startTime, stopTime, invoke)
	if err != nil {
		return nil, err
	}

	if !startTime.IsZero() && startTime.Before(time.Now()) {
		go b.replay(ctx, sub, startTime)
	}
	if !stopTime.IsZero() {
		go b.watchStop(sub, stopTime)
	}
	return sub, nil
}

// replay delivers every persisted entry for sub.Module between
// startTime and "now" in timestamp order, then a notif-replay-complete
// marker. Each entry is retried against the subscriber until it is
// durably delivered; the cursor (the position in entries) only advances
// past an entry once its delivery settles ok, per spec.md §4.5.
//
// sub is registered not-ready by Registry.Subscribe and stays invisible
// to Match (and therefore to real-time Publish fan-out) until this
// function's deferred MarkReady runs, so replay always finishes — or
// gives up — strictly before the subscriber can receive its first
// real-time notification (spec.md §8 Invariant #6).
func (b *Broker) replay(ctx context.Context, sub *types.Subscription, startTime time.Time) {
	defer b.registry.MarkReady(sub.ID)

	entries, err := b.backing.ListNotifications(sub.Module, startTime, time.Now())
	if err != nil {
		log.WithSubscription(sub.ID).Error().Err(err).Msg("notification replay: list failed")
		return
	}

	for _, entry := range entries {
		if !b.deliverUntilSettled(ctx, sub, types.PhaseNotifReplay, entry.XPath, entry) {
			return
		}
		metrics.NotificationsDeliveredTotal.WithLabelValues("notif-replay").Inc()
	}

	b.deliverUntilSettled(ctx, sub, types.PhaseNotifReplayComplete, "", nil)
}

// deliverUntilSettled publishes one event for sub and retries on publish
// failure or non-ok settlement until it succeeds or ctx is done,
// returning false in the latter case so the caller can stop early.
func (b *Broker) deliverUntilSettled(ctx context.Context, sub *types.Subscription, phase types.EventPhase, payloadRef string, input any) bool {
	for {
		rec, err := b.store.Publish(sub.GroupID, sub.ID, phase, payloadRef, "", time.Now().Add(defaultRealtimeDeadline), input)
		if err == nil {
			if settled, awaitErr := pumpwait.Await(ctx, b.store, b.registry, sub.GroupID, rec.EventID); awaitErr == nil && settled.State == types.StateCompletedOK {
				return true
			}
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(replayRetryInterval):
		}
	}
}

// watchStop delivers notif-stop and unsubscribes sub once stopTime is
// reached.
func (b *Broker) watchStop(sub *types.Subscription, stopTime time.Time) {
	timer := time.NewTimer(time.Until(stopTime))
	defer timer.Stop()
	<-timer.C

	rec, err := b.store.Publish(sub.GroupID, sub.ID, types.PhaseNotifStop, "", "", time.Now().Add(defaultRealtimeDeadline), nil)
	if err != nil {
		log.WithSubscription(sub.ID).Error().Err(err).Msg("notif-stop publish failed")
	} else if _, err := pumpwait.Await(context.Background(), b.store, b.registry, sub.GroupID, rec.EventID); err != nil {
		log.WithSubscription(sub.ID).Error().Err(err).Msg("notif-stop delivery failed")
	}

	if err := b.registry.Unsubscribe(sub.ID); err != nil {
		log.WithSubscription(sub.ID).Error().Err(err).Msg("notif-stop auto-unsubscribe failed")
	}
}

// Publish emits one real-time notification for module/xpath. It is
// persisted to the NotificationLog first, iff replay is enabled for
// module, then fanned out best-effort to every matching subscription:
// a subscriber whose queue is full or whose delivery times out simply
// loses this notification, per spec.md §4.5.
func (b *Broker) Publish(ctx context.Context, module, xpath string, payload []byte) error {
	timestamp := time.Now()

	if b.replayEnabled(module) {
		entry := types.NotificationEntry{Module: module, Timestamp: timestamp, XPath: xpath, Payload: payload}
		if err := b.backing.AppendNotification(entry); err != nil {
			return fmt.Errorf("notify: persist notification: %w", err)
		}
	}

	entry := types.NotificationEntry{Module: module, Timestamp: timestamp, XPath: xpath, Payload: payload}
	for _, sub := range b.registry.Match(types.SubscriptionNotification, module, xpath) {
		if _, err := b.store.Publish(sub.GroupID, sub.ID, types.PhaseNotifRealtime, xpath, "", timestamp.Add(defaultRealtimeDeadline), entry); err != nil {
			log.WithSubscription(sub.ID).Warn(fmt.Sprintf("real-time notification dropped: %v", err))
			continue
		}
		metrics.NotificationsDeliveredTotal.WithLabelValues("notif-realtime").Inc()
	}
	return nil
}

// StartRetentionPruning schedules a cron job that prunes every
// replay-enabled module's NotificationLog of entries older than
// retention, on the given standard 5-field cron schedule.
func (b *Broker) StartRetentionPruning(schedule string, retention time.Duration) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		timer := metrics.NewTimer()
		cutoff := time.Now().Add(-retention)

		b.mu.RLock()
		modules := make([]string, 0, len(b.replayModules))
		for m := range b.replayModules {
			modules = append(modules, m)
		}
		b.mu.RUnlock()

		for _, module := range modules {
			n, err := b.backing.PruneNotifications(module, cutoff)
			if err != nil {
				log.Error(fmt.Sprintf("notification retention prune failed for %s: %v", module, err))
				continue
			}
			metrics.NotificationRetentionPrunedTotal.Add(float64(n))
		}
		timer.ObserveDuration(metrics.NotificationRetentionPruneDuration)
	})
	if err != nil {
		return fmt.Errorf("notify: invalid retention schedule %q: %w", schedule, err)
	}
	b.cron = c
	c.Start()
	return nil
}

// Close stops the retention pruning job, if running.
func (b *Broker) Close() {
	if b.cron != nil {
		b.cron.Stop()
	}
}
