// Package token issues, verifies, lists and revokes bearer tokens.
//
// A token's plaintext has the form prefix + 32 alphanumeric characters and
// is returned exactly once by Service.CreateToken. Only an irreversible hash
// of it is persisted, together with a short lookup key taken from the start
// of the random body, which lets VerifyToken narrow the comparison to a small
// candidate set. Tokens belong to a principal and carry an optional set of
// scopes that further restrict what the principal's capabilities allow.
//
// Two Store implementations are provided: MemoryStore, with per-principal
// locking, and PostgresStore, backed by database/sql and the pgx driver with
// schema migrations embedded in the binary.
package token
