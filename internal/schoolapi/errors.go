// Package schoolapi implements the wire protocol of the remote school
// information API: the token grant lifecycle, the authenticated client with
// its single re-authentication retry, and typed endpoint accessors.
package schoolapi

import (
	"errors"
	"fmt"
)

// AuthError reports an explicit rejection by the remote authority: bad
// credentials, an expired refresh token, or an authorization failure that
// survived a token refresh. It is fatal for the student until new
// credentials are supplied.
type AuthError struct {
	StudentID string
	Op        string
	Reason    string
	Err       error
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("auth %s failed for %s: %s", e.Op, e.StudentID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError reports a failure expected to heal on its own: connection
// problems, timeouts, or server-side errors. Callers retry at their own
// cadence.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: remote returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedError reports a response body that does not match the expected
// shape. The previous snapshot stays authoritative.
type MalformedError struct {
	Op     string
	Detail string
	Err    error
}

func (e *MalformedError) Error() string {
	msg := fmt.Sprintf("%s: malformed response: %s", e.Op, e.Detail)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedError) Unwrap() error { return e.Err }

// IsAuth reports whether err is or wraps an AuthError.
func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// IsMalformed reports whether err is or wraps a MalformedError.
func IsMalformed(err error) bool {
	var target *MalformedError
	return errors.As(err, &target)
}
