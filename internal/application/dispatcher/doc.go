// Package dispatcher selects an execution backend for a ready task and
// runs it under the global concurrency bound, the resource-exclusion
// policy and the retry wrapper.
package dispatcher
