// Package opcompose implements the Operational Composer of spec.md §4.6:
// a read against the operational datastore fans out to every provider
// subscription whose path intersects the request, calls ancestors
// before descendants (once per ancestor-produced instance), skips
// providers the redundancy check rules out, and merges the returned
// subtrees into one composite result.
//
// Grounded on the teacher's pkg/manager Apply single-entry-point shape
// for the publish-then-await-one-provider-at-a-time loop (the same
// pattern pkg/txn and pkg/rpcdispatch use via pkg/pumpwait), generalized
// here to build a tree instead of running a two-phase commit.
package opcompose

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/foxhollow/yangd/pkg/eventstore"
	"github.com/foxhollow/yangd/pkg/metrics"
	"github.com/foxhollow/yangd/pkg/pumpwait"
	"github.com/foxhollow/yangd/pkg/registry"
	"github.com/foxhollow/yangd/pkg/types"
	"github.com/foxhollow/yangd/pkg/xpath"
)

// Composer is the Operational Composer.
type Composer struct {
	registry *registry.Registry
	store    *eventstore.Store
	filters  *xpath.Cache
}

// New returns a Composer wired to reg/store.
func New(reg *registry.Registry, store *eventstore.Store) *Composer {
	return &Composer{registry: reg, store: store, filters: xpath.NewCache()}
}

// Read composes the operational datastore's view of requestXPath and
// returns the node found there, or nil if no provider populated it.
//
// Provider convention: a provider whose own path names a list returns a
// node whose immediate Children are the list instances (each carrying
// its keyed XPath); a provider for a container or leaf path returns
// that single node directly. A descendant provider is invoked once per
// instance its nearest ancestor provider produced, per spec.md §4.6 and
// §8 scenario 6.
func (c *Composer) Read(ctx context.Context, requestXPath string, originator types.SessionID, deadline time.Time) (*types.DatastoreNode, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.OperationalComposeDuration)

	reqFilter, err := c.filters.Compile(requestXPath)
	if err != nil {
		return nil, fmt.Errorf("opcompose: invalid request xpath %q: %w", requestXPath, err)
	}

	candidates, filters := c.candidates(reqFilter)
	root := &types.DatastoreNode{XPath: "/"}
	produced := make(map[string][]*types.DatastoreNode, len(candidates))

	for _, sub := range candidates {
		provFilter := filters[sub.ID]

		var parents []*types.DatastoreNode
		if ancestorID := nearestAncestorCandidate(candidates, filters, sub, provFilter); ancestorID != "" {
			parents = produced[ancestorID]
			if len(parents) == 0 {
				// Ancestor provider produced no instance; this descendant
				// is simply not invoked for this path (spec.md §4.6).
				continue
			}
		} else {
			parents = []*types.DatastoreNode{c.ensurePath(root, provFilter.Segments[:len(provFilter.Segments)-1])}
		}

		var instances []*types.DatastoreNode
		for _, parent := range parents {
			rec, err := c.store.Publish(sub.GroupID, sub.ID, types.PhaseOperRequest, sub.XPath, originator, deadline, parent)
			if err != nil {
				return nil, fmt.Errorf("opcompose: publish to provider %s failed: %w", sub.ID, err)
			}

			settled, err := pumpwait.Await(ctx, c.store, c.registry, sub.GroupID, rec.EventID)
			if err != nil {
				return nil, err
			}
			if settled.State != types.StateCompletedOK {
				errInfo := settled.VerdictError
				if errInfo == nil {
					errInfo = &types.ErrInfo{Code: types.CodeOperationFailed, XPath: sub.XPath, Message: "operational provider failed"}
				}
				return nil, errInfo
			}

			subtree, ok := settled.Verdict.(*types.DatastoreNode)
			if !ok || subtree == nil {
				return nil, &types.ErrInfo{Code: types.CodeValidation, XPath: sub.XPath, Message: "operational provider returned no subtree"}
			}
			if err := c.validateSubtree(subtree, provFilter); err != nil {
				return nil, &types.ErrInfo{Code: types.CodeValidation, XPath: sub.XPath, Message: err.Error()}
			}

			parent.Children = append(parent.Children, subtree)
			instances = append(instances, c.instancesOf(subtree)...)
			metrics.OperationalProvidersInvokedTotal.Inc()
		}
		produced[sub.ID] = instances
	}

	return c.navigate(root, reqFilter), nil
}

// candidates returns every operational subscription whose provided path
// intersects reqFilter, ordered ancestor-before-descendant. Pairs where
// neither is a strict ancestor of the other are ordered shallower path
// first; among equal depths the order is whatever SubscriptionsByKind
// returned, which walks Go maps and so is unspecified (spec.md §4.6
// allows sibling order to be arbitrary). filters caches each
// candidate's compiled filter for the rest of Read.
func (c *Composer) candidates(reqFilter *xpath.Filter) ([]*types.Subscription, map[string]*xpath.Filter) {
	all := c.registry.SubscriptionsByKind(types.SubscriptionOperational)

	var matched []*types.Subscription
	filters := make(map[string]*xpath.Filter, len(all))
	for _, sub := range all {
		if c.registry.CouldSelectUnder(sub.ID, reqFilter) {
			matched = append(matched, sub)
			filters[sub.ID] = c.registry.Filter(sub.ID)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		fi, fj := filters[matched[i].ID], filters[matched[j].ID]
		if fi.IsStrictAncestorOf(fj) {
			return true
		}
		if fj.IsStrictAncestorOf(fi) {
			return false
		}
		return len(fi.Segments) < len(fj.Segments)
	})
	return matched, filters
}

// nearestAncestorCandidate returns the id of the deepest candidate whose
// filter is a strict ancestor of sub's, or "" if none.
func nearestAncestorCandidate(candidates []*types.Subscription, filters map[string]*xpath.Filter, sub *types.Subscription, subFilter *xpath.Filter) string {
	best, bestDepth := "", -1
	for _, cand := range candidates {
		if cand.ID == sub.ID {
			continue
		}
		cf := filters[cand.ID]
		if cf.IsStrictAncestorOf(subFilter) && len(cf.Segments) > bestDepth {
			best, bestDepth = cand.ID, len(cf.Segments)
		}
	}
	return best
}

// instancesOf extracts the list of concrete instances a provider's
// returned subtree represents, per the package's provider convention. A
// nil Children means the node is itself the single instance; a non-nil
// but empty Children means the provider's list has no instances at all
// (so no descendant under it is invoked); a non-empty Children sharing
// the node's own leaf name means those children are the list instances.
func (c *Composer) instancesOf(node *types.DatastoreNode) []*types.DatastoreNode {
	if node.Children == nil {
		return []*types.DatastoreNode{node}
	}
	if len(node.Children) == 0 {
		return nil
	}
	nodeFilter, err := c.filters.Compile(node.XPath)
	if err != nil || len(nodeFilter.Segments) == 0 {
		return []*types.DatastoreNode{node}
	}
	leaf := nodeFilter.Segments[len(nodeFilter.Segments)-1].Name
	for _, child := range node.Children {
		cf, err := c.filters.Compile(child.XPath)
		if err != nil || len(cf.Segments) == 0 || cf.Segments[len(cf.Segments)-1].Name != leaf {
			return []*types.DatastoreNode{node}
		}
	}
	return node.Children
}

// validateSubtree stands in for schema validation (no schema library is
// available in the retrieval pack, and original_source/ carries no
// validator to port): it requires the provider's subtree be rooted at
// or under its own subscribed path, which catches a provider returning
// data for the wrong node without needing a real YANG model.
func (c *Composer) validateSubtree(node *types.DatastoreNode, provFilter *xpath.Filter) error {
	if node.XPath == "" {
		return fmt.Errorf("operational provider returned a subtree with no xpath")
	}
	nodeFilter, err := c.filters.Compile(node.XPath)
	if err != nil {
		return fmt.Errorf("operational provider returned an unparseable xpath %q", node.XPath)
	}
	if !provFilter.Matches(node.XPath) && nodeFilter.Raw != provFilter.Raw {
		return fmt.Errorf("operational provider returned subtree at %q outside its subscribed path %q", node.XPath, provFilter.Raw)
	}
	return nil
}

// ensurePath walks from root along segs, creating a synthetic container
// node per segment when no provider already occupies it, and returns the
// node at the end of the path. Used only for a candidate with no
// ancestor provider in the fan-out set, so its own interior path may
// still need intermediate structure.
func (c *Composer) ensurePath(root *types.DatastoreNode, segs []xpath.Segment) *types.DatastoreNode {
	cur := root
	for _, seg := range segs {
		var next *types.DatastoreNode
		for _, child := range cur.Children {
			if c.leafName(child) == seg.Name {
				next = child
				break
			}
		}
		if next == nil {
			next = &types.DatastoreNode{XPath: seg.Name}
			cur.Children = append(cur.Children, next)
		}
		cur = next
	}
	return cur
}

// navigate descends root by reqFilter's segment names (predicate values
// are ignored, consistent with pkg/xpath's textual, imprecise matching)
// and returns the node found there, or nil if no provider populated it.
func (c *Composer) navigate(root *types.DatastoreNode, reqFilter *xpath.Filter) *types.DatastoreNode {
	cur := root
	for _, seg := range reqFilter.Segments {
		var next *types.DatastoreNode
		for _, child := range cur.Children {
			if c.leafName(child) == seg.Name {
				next = child
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

func (c *Composer) leafName(node *types.DatastoreNode) string {
	f, err := c.filters.Compile(node.XPath)
	if err != nil || len(f.Segments) == 0 {
		return node.XPath
	}
	return f.Segments[len(f.Segments)-1].Name
}
