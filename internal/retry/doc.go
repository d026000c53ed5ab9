// Package retry runs an operation with exponential backoff and jitter until
// it succeeds, the attempts are exhausted or the context is done.
package retry
