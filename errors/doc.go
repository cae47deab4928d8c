// Package errors provides a three-class error classification system for the
// routing proxy: Transient (retryable, e.g. a dropped sender), Invalid (bad
// input or a malformed frame, never retried), and Fatal (unrecoverable,
// stop processing). Components wrap errors with Wrap/WrapTransient/
// WrapInvalid/WrapFatal and classify them with IsTransient/IsInvalid/
// IsFatal/Classify, following the "component.method: action failed: %w"
// convention so log lines stay greppable across the proxy.
package errors
