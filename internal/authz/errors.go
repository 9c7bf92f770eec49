package authz

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("authz: not found")

// ValidationError reports malformed input to a public operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("authz: invalid %s: %s", e.Field, e.Reason)
}

// ForbiddenError is returned by Require when the effective set lacks a
// permission. The missing key is for server-side logging only and must not
// be echoed to clients.
type ForbiddenError struct {
	Key Key
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("authz: missing permission %s", e.Key)
}

// ConflictError reports an operation that violates a uniqueness or
// protection rule, such as deleting a system role.
type ConflictError struct {
	Detail string
}

func (e *ConflictError) Error() string {
	return "authz: conflict: " + e.Detail
}
