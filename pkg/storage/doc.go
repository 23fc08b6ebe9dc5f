// Package storage provides the datastore Store spec.md §1 treats as an
// external collaborator: atomic snapshot/swap per datastore variant and
// an append-only, restart-surviving notification log, both backed by
// go.etcd.io/bbolt.
//
// This package never validates data against a schema and never parses
// XPath beyond treating it as an opaque map key — those are the schema
// context's job, not this one's.
package storage
