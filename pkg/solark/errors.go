package solark

import (
	"errors"
	"fmt"

	"github.com/jameshartig/solarkmon/pkg/types"
)

var (
	// ErrAuth means the account credentials were rejected and no scheme is
	// left to try. It ends the current poll cycle but the next cycle retries.
	ErrAuth = errors.New("solark authentication failed")

	// ErrBadCredentials is returned by a single login scheme when the cloud
	// rejected the username or password.
	ErrBadCredentials = errors.New("credentials rejected")

	// ErrSchemeUnsupported is returned by a single login scheme when the
	// cloud does not offer that scheme for the account.
	ErrSchemeUnsupported = errors.New("auth scheme not supported for account")

	// ErrUnauthorized means a read endpoint rejected the bearer token.
	ErrUnauthorized = errors.New("token rejected")

	// ErrNotFound means a read endpoint is not available for the plant or
	// device. It does not change while the process runs.
	ErrNotFound = errors.New("endpoint not available")

	// ErrTransient covers network failures, timeouts, rate limiting, server
	// errors and malformed responses.
	ErrTransient = errors.New("transient failure")
)

// EndpointError describes a failed read endpoint call. Err is one of
// ErrUnauthorized, ErrNotFound or ErrTransient.
type EndpointError struct {
	Endpoint types.Endpoint
	Status   int
	Message  string
	Err      error
	Cause    error
}

func (e *EndpointError) Error() string {
	msg := fmt.Sprintf("solark %s endpoint: %v", e.Endpoint, e.Err)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap allows errors.Is to match both the class and the underlying cause.
func (e *EndpointError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// loginError describes a failed login or refresh call for one scheme.
type loginError struct {
	Scheme types.AuthScheme
	Status int
	Reason string
	Err    error
	Cause  error
}

func (e *loginError) Error() string {
	msg := fmt.Sprintf("solark %s login: %v", e.Scheme, e.Err)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *loginError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}
