// Package config reads callsync.toml and turns it into a validated Config.
//
// Load merges the file over Default, expands ~ in every path, fills upload
// endpoints and secrets from CALLSYNC_* and SENTRY_DSN when the file leaves
// them blank, and rejects retry schedules or backends the pipeline cannot
// run with. The egress index defaults to egress.db under paths.state_dir, and
// path helpers derive the queue database, spool root and lock file from it.
package config
