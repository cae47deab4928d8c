// Package cache provides the generic, thread-safe cache behind the
// proxy's field-payload store: a simple keep-until-deleted cache with
// hit/miss statistics, plus a no-op variant for callers that want the
// interface without the storage.
package cache
