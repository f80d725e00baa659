// Package artifact owns the temporary input files of jobs: persisting uploads
// under a per-job directory, releasing them exactly once when the job ends,
// and sweeping directories orphaned by a crash.
package artifact
