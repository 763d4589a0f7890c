// Package workflow drives call records through the queue state machine.
//
// The Manager runs one sync cycle per interval: it reclaims claims whose
// heartbeat went stale, promotes failed records whose backoff elapsed, then
// claims each due record, resolves its artifacts and uploads them. Every
// record ends the cycle completed, failed with a retry time, or dead-lettered
// once its attempt budget is spent. Cycles are serialized within a process;
// separate processes coordinate only through the backend's atomic claim.
package workflow
