// Package storage opens the shared Postgres connection and applies the
// embedded schema migrations used by the token and audit stores.
package storage
