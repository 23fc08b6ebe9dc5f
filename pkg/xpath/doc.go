// Package xpath provides the lightweight, textual XPath filter
// compilation and matching the engine needs: path/predicate compilation,
// instance matching against a filter, strict-ancestor ordering, and the
// conservative "could select under" redundancy check of spec.md §4.6.
//
// It is not a general XPath implementation. Schema validation and true
// expression evaluation belong to the external schema context this
// package does not own.
package xpath
