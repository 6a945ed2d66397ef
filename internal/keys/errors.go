package keys

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avakeys/internal/rbac"
)

// ErrDisabledWorkspace is matched by DisabledWorkspaceError.
var ErrDisabledWorkspace = errors.New("workspace is disabled")

// FetchError means the key could not be looked up. The request may be retried.
type FetchError struct {
	Retryable bool
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch key: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SchemaError reports a malformed permission query.
type SchemaError struct {
	Err *rbac.SchemaError
}

func (e *SchemaError) Error() string { return e.Err.Error() }

func (e *SchemaError) Unwrap() error { return e.Err }

// DisabledWorkspaceError means the workspace owning the key, or the
// workspace it acts for, is disabled.
type DisabledWorkspaceError struct {
	WorkspaceID string
}

func (e *DisabledWorkspaceError) Error() string { return ErrDisabledWorkspace.Error() }

func (e *DisabledWorkspaceError) Unwrap() error { return ErrDisabledWorkspace }

// UnknownRatelimitError means a requested rate limit is not configured on
// the key or its identity and was not given inline.
type UnknownRatelimitError struct {
	Name string
}

func (e *UnknownRatelimitError) Error() string {
	return fmt.Sprintf("ratelimit %q was requested but does not exist for key or identity", e.Name)
}

// InternalError wraps a panic recovered during verification.
type InternalError struct {
	Value any
	Stack []byte
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during verification: %v", e.Value)
}

func (e *InternalError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
