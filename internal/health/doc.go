// Package health serves the liveness and readiness probes.
//
// Liveness only reports that the process is serving. Readiness runs every
// registered dependency check (Postgres, Redis) concurrently under a
// timeout and answers 503 when any of them fails.
package health
