// Package correlate decides, for one claimed record, which artifacts are
// ready: the recording (through the egress index), the transcript and the
// lead. It only fills fields on the record; moving the record is the
// workflow's job.
package correlate
