// Package services defines shared utilities consumed by the pipeline
// components and their external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp call IDs, cycle IDs, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper and KindOf classifier that
//     translate failures into the error kinds persisted on records.
//   - HTTPError, the common shape of non-2xx responses from upload targets.
//
// Use these helpers when wiring new components so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
