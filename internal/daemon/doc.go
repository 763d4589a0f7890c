// Package daemon hosts the long-running callsync process.
//
// The daemon holds a per-host flock on the state directory so only one
// instance drives a given store, then starts the workflow manager, the egress
// manifest watcher and the HTTP API. Cross-host coordination relies on the
// queue backend's atomic claim, not on this lock.
package daemon
