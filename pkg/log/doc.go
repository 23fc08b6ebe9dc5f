// Package log wraps zerolog with yangd's component-logger conventions:
// Init sets the global Logger from a Config, and WithGroup/WithSubscription/
// WithTransaction attach the engine's own identifiers so every log line
// from the registry, multiplexer, or dispatcher can be correlated back to
// a subscription group, a subscription, or a transaction.
package log
