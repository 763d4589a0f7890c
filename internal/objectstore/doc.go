// Package objectstore uploads call recordings and reports their public URL.
//
// HTTPStore posts a multipart form to a storage API; GCSStore writes to a
// Cloud Storage bucket. Failures are tagged services.ErrTransient so the
// caller retries only the binary phase.
package objectstore
