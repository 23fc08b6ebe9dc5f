// Package priority centralizes the subscription ordering rules of
// spec.md §9: "priority semantics differ by kind... preserve these
// per-kind rules; do not unify." Both the Change Multiplexer and the
// RPC Dispatcher fan out in descending numeric priority (highest
// first), tie-broken by subscription id ascending for determinism —
// they differ only in what "last" means (change: just the last
// callback run; RPC: the primary, whose output wins).
package priority

import (
	"sort"

	"github.com/foxhollow/yangd/pkg/types"
)

// SortDescending returns subs ordered by descending Priority, ties
// broken by ascending subscription id. The input slice is not mutated.
func SortDescending(subs []*types.Subscription) []*types.Subscription {
	out := append([]*types.Subscription(nil), subs...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Reverse returns subs in reverse order, used to replay abort in the
// opposite order callbacks were originally invoked.
func Reverse(subs []*types.Subscription) []*types.Subscription {
	out := make([]*types.Subscription, len(subs))
	for i, s := range subs {
		out[len(subs)-1-i] = s
	}
	return out
}
