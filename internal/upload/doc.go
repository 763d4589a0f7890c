// Package upload delivers a resolved record: the recording to the object
// store, then the call data (details, transcript, lead) to the CRM.
//
// Progress is checkpointed after each phase so a retried record never
// uploads the same recording twice.
package upload
