// Package apphost defines the interface the routing proxy core drives to
// reach the enclosing application: registration state changes, delivered
// messages, availability and subscription callbacks. The real application
// layer implements Host; tests use Recorder.
package apphost
