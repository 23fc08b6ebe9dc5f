// Package types defines the data structures shared by every component of
// the subscription engine: the schema-rooted DatastoreNode/Diff pair the
// Change Multiplexer operates on, the Subscription/EventRecord pair the
// Registry and Pump operate on, and the ChangeTransaction/NotificationEntry
// records the Multiplexer and Broker persist.
//
// Nothing in this package talks to storage, XPath compilation, or
// callbacks directly — it is the vocabulary the rest of the engine shares.
package types
