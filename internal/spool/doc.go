// Package spool is a directory-backed queue.Backend for hosts that cannot run
// SQLite on the shared volume.
//
// Each record is one JSON file under <root>/<status>/<call_id>.json. Every
// transition renames the file into <root>/.work first; the rename either
// succeeds for exactly one caller or fails with not-exist, which is how two
// drivers racing for the same record are told apart. Work files left behind by
// a crash are recovered by ReclaimStale.
package spool
