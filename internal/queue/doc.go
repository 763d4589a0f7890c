// Package queue persists call artifact records and exposes the atomic
// transitions that drive their lifecycle.
//
// A record moves pending → processing → completed, or through failed back to
// pending on retry, and ends in dead_letter once its attempt budget is spent.
// Two backends implement Backend: Store (SQLite, the status column encodes the
// record's location) and the directory spool in package spool. Both make the
// pending → processing claim atomic so concurrent drivers never process the
// same record twice; every later write is guarded by the claim owner.
//
// Schema changes bump the version in schema.go; operators clear the database
// to adopt the new schema.
package queue
