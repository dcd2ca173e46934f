// Package dispatch runs one claimed CRM write job to completion.
//
// Process loads the job context, picks the writer for the connection's
// backend type, invokes it and records the outcome:
//   - success: job success, artifact stored, submission synced
//   - failure: retry_count+1, back to pending until max_retries, then failed
//     and the submission marked error
//   - panic inside a writer: treated as a failure
//   - job or store unavailable: the job is left running and an error returned
//
// Error kinds label logs and metrics only. Every failure costs one attempt.
package dispatch
