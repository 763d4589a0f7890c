// Package preflight provides readiness checks for the filesystem paths and
// upload endpoints callsync depends on.
//
// These checks run in two contexts:
//   - The daemon runtime calls RunAll at start-up and logs every failure so a
//     misconfigured host is visible before the first record dead-letters.
//   - The CLI "callsync status" command renders the same results.
//
// Checks never block start-up; a failing upload endpoint is retried by the
// queue like any other transient failure.
package preflight
