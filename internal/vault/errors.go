package vault

import (
	"errors"
	"fmt"
)

var (
	// ErrSecretNotFound indicates the secret does not exist or was deleted.
	ErrSecretNotFound = errors.New("vault: secret not found")

	// ErrKeyNotFound indicates the secret exists but lacks the requested key.
	ErrKeyNotFound = errors.New("vault: key not found in secret")

	// ErrInvalidValue indicates the key holds a non-string or empty value.
	ErrInvalidValue = errors.New("vault: invalid secret value")

	// ErrInvalidConfig indicates a missing address or path.
	ErrInvalidConfig = errors.New("vault: invalid configuration")
)

// Error carries the operation and path of a failed Vault call.
type Error struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("vault %s on path %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("vault %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, path string, err error) *Error {
	return &Error{Op: op, Path: path, Err: err}
}
