// Package egress maps recorder egress references to the files they produced.
//
// The pipeline only ever reads the index (Lookup). Entries arrive from three
// feeds: the recorder's egress_completed webhook, manifest files dropped into
// a watched directory, and the operator CLI. Proximity offers a last-resort
// guess by modification time when no feed reported the file.
package egress
