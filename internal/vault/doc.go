// Package vault reads the token hashing pepper from a HashiCorp Vault KV v2
// secrets engine.
package vault
