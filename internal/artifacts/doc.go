// Package artifacts records the end of a call as a pending queue record.
//
// The writer is called from the call session runtime at hang-up. It captures
// whatever references exist at that moment and never blocks the caller on the
// recording, which is correlated later by the workflow manager.
package artifacts
