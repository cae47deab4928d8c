// Package config provides the routing proxy's configuration surface: a
// JSON file loaded through Loader, environment overrides for the handful
// of values that commonly vary per deployment, and a SafeConfig wrapper
// giving components a consistent read-copy-update view while the proxy
// runs. Loader runs Config.Validate after loading unless
// EnableValidation(false) was called; callers that build a
// Config programmatically (tests, Default()) should call Validate
// themselves before using it.
package config
