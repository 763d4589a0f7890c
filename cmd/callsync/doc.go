// Package main hosts the callsync CLI entrypoint and command graph.
//
// Commands open the configured queue backend directly. The SQLite store and
// the spool both tolerate a concurrently running daemon, so operator commands
// such as requeue and reclaim are safe while `callsync run` is active.
package main
